package orchestrator

import (
	"context"
	"fmt"

	"orchestrator/pkg/llm"
)

// geminiDesignResearcher adapts a plain llm.Client into the DesignResearcher
// interface (spec §4.5 step 4), grounded on SPEC_FULL §4.10's choice of the
// Gemini client for this step: it natively supports grounded web search, so
// no separate search API needs wiring.
type geminiDesignResearcher struct {
	client llm.Client
}

// NewGeminiDesignResearcher wraps client (expected to be a Gemini client
// built by llm/google) as a DesignResearcher.
func NewGeminiDesignResearcher(client llm.Client) DesignResearcher {
	return &geminiDesignResearcher{client: client}
}

// designResearchPrompt asks for a short visual-design brief: layout, color,
// and component conventions comparable products use, to seed the Planning
// phase's DESIGN.md (spec §4.5 step 4).
const designResearchPrompt = `Research current visual design conventions (layout, color palette,
component patterns) for a product matching this application spec, and summarize them in a few
short paragraphs suitable for seeding a design document. Application spec:

%s`

// Research implements DesignResearcher.
func (g *geminiDesignResearcher) Research(ctx context.Context, appSpec string) (string, error) {
	req := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewUserMessage(fmt.Sprintf(designResearchPrompt, appSpec)),
	})
	req.Temperature = llm.TemperatureDefault
	resp, err := g.client.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("design research: %w", err)
	}
	return resp.Content, nil
}
