package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"orchestrator/pkg/contextmgr"
	"orchestrator/pkg/eventbus"
	"orchestrator/pkg/llm"
	"orchestrator/pkg/manifest"
	"orchestrator/pkg/proto"
	"orchestrator/pkg/sandbox"
	"orchestrator/pkg/toolbridge"
)

// appSpecPath is the fixed workspace path the Planning phase writes the
// submitted application spec to (spec §4.5 step 1).
const appSpecPath = "app_spec.txt"

// designDocPath is the fixed workspace path the design-review gate checks
// for (spec §4.5 step 6).
const designDocPath = "DESIGN.md"

// planningMaxIterations is the Planning LLM loop's iteration cap (spec
// §4.5 step 5: "until... feature_list.json exists and parses as a
// non-empty array, or the iteration cap (10) is reached").
const planningMaxIterations = 10

// uiIndicatorThreshold is the number of distinct UI keywords that must
// appear in the app spec before the project is classified as a UI
// project (spec §4.5 step 2: "≥ 2 UI indicators from a fixed set").
const uiIndicatorThreshold = 2

// uiIndicators is the fixed keyword set the UI-detection heuristic scans
// for, case-insensitively, in the submitted app spec.
var uiIndicators = []string{
	"ui", "frontend", "front-end", "website", "web app", "webapp",
	"dashboard", "page", "button", "form", "responsive", "css", "html",
	"react", "vue", "interface", "design", "layout", "mobile app",
}

// complexityIndicators is the fixed keyword set the complexity estimator
// scans for (spec §4.5 step 3).
var complexityIndicators = []string{
	"auth", "authentication", "database", "api", "payment", "admin",
	"multi-user", "multi-tenant", "real-time", "realtime", "integration",
	"microservice", "queue", "websocket", "notification", "search",
	"analytics", "export", "import", "report", "workflow", "permission",
}

// DesignResearcher runs the optional web-search-assisted design-research
// call for UI projects (spec §4.5 step 4). Backed in practice by the
// Google Gemini client, which natively supports grounded web search
// (SPEC_FULL §4.10); nil disables the step entirely.
type DesignResearcher interface {
	Research(ctx context.Context, appSpec string) (markdown string, err error)
}

// detectUIProject reports whether appSpec contains at least
// uiIndicatorThreshold distinct UI keywords.
func detectUIProject(appSpec string) bool {
	lower := strings.ToLower(appSpec)
	count := 0
	for _, kw := range uiIndicators {
		if strings.Contains(lower, kw) {
			count++
		}
	}
	return count >= uiIndicatorThreshold
}

// estimateComplexity classifies appSpec into a complexity tier and a
// suggested feature count, capped at proto.MaxSuggestedFeatureCount
// (spec §4.5 step 3).
func estimateComplexity(appSpec string) (proto.ComplexityTier, int) {
	lower := strings.ToLower(appSpec)
	count := 0
	for _, kw := range complexityIndicators {
		if strings.Contains(lower, kw) {
			count++
		}
	}

	var tier proto.ComplexityTier
	var suggested int
	switch {
	case count >= 7:
		tier, suggested = proto.ComplexityProduction, 40+count
	case count >= 3:
		tier, suggested = proto.ComplexityStandard, 16+2*count
	default:
		tier, suggested = proto.ComplexitySimple, 8+count
	}
	if suggested > proto.MaxSuggestedFeatureCount {
		suggested = proto.MaxSuggestedFeatureCount
	}
	return tier, suggested
}

// basePlannerPrompt is the fixed instruction prefix for the Planning LLM
// loop (spec §4.5 step 5a).
const basePlannerPrompt = `You are planning a software build. Read the application spec at app_spec.txt.
Produce a DESIGN.md (if this is a UI project) and a feature_list.json: a JSON array of
{category, description, steps, passes, blocking, dependsOn} objects covering every
feature needed. Use the bash, read_file, and write_file tools. Mark features that must
run before the others "blocking": true; independent features "blocking": false with a
"dependsOn" list of the blocking descriptions they need first.`

// uiSkillAddendum is appended to the planner prompt for UI projects
// (spec §4.5 step 5b).
const uiSkillAddendum = `
This is a UI project. Write a DESIGN.md describing the visual design direction,
component layout, and styling approach before writing feature_list.json.`

// buildPlannerSystemPrompt assembles the Planning phase system prompt from
// spec §4.5 step 5's three parts.
func buildPlannerSystemPrompt(isUI bool, designResearch string) string {
	var b strings.Builder
	b.WriteString(basePlannerPrompt)
	if isUI {
		b.WriteString(uiSkillAddendum)
	}
	if designResearch != "" {
		b.WriteString("\n\nDesign research:\n")
		b.WriteString(designResearch)
	}
	return b.String()
}

// planningResult carries what the Planning phase decided, used to seed
// the Build record and the phases that follow.
type planningResult struct {
	complexityTier     proto.ComplexityTier
	targetFeatureCount int
	isUIProject        bool
}

// runPlanning executes spec §4.5: writes the app spec, classifies the
// project, optionally runs design research, then drives the Planning LLM
// loop until feature_list.json exists and parses as a non-empty array.
// Gate pauses (design/feature review) are the caller's responsibility:
// runPlanning returns control at each gate checkpoint via the gateWait
// callback so the caller can transition the Build's status before
// resuming the loop.
func (o *Orchestrator) runPlanning(
	ctx context.Context,
	buildID string,
	appSpec string,
	reviewGatesEnabled bool,
	sb sandbox.Sandbox,
	mgr *manifest.Manager,
	bus *eventbus.Bus,
	resets *resetBudget,
	gateWait func(ctx context.Context, gate string) (*string, error),
) (planningResult, error) {
	emitPhase(bus, buildID, "planning")

	if err := sb.WriteFile(ctx, appSpecPath, []byte(appSpec)); err != nil {
		return planningResult{}, fmt.Errorf("write app spec: %w", err)
	}

	isUI := detectUIProject(appSpec)
	tier, target := estimateComplexity(appSpec)

	var designResearch string
	if isUI && o.designResearcher != nil {
		research, err := o.designResearcher.Research(ctx, appSpec)
		if err != nil {
			o.logger.Warn("build %s: design research failed, continuing without it: %v", buildID, err)
		} else {
			designResearch = research
		}
	}

	systemPrompt := buildPlannerSystemPrompt(isUI, designResearch)
	cm := contextmgr.NewManager(systemPrompt)
	bridge := toolbridge.New(buildID, sb, bus, o.durationRecorder)
	bridge.SetPlanningPhase(true)

	designGateDone := !isUI || !reviewGatesEnabled
	featureGateDone := false

	cfg := agentLoopConfig{
		buildID:       buildID,
		phaseTag:      "planning",
		maxIterations: planningMaxIterations,
		summaryInfo: func() (int, int, []string) {
			mf, err := mgr.Reload(ctx)
			if err != nil || mf == nil {
				return 0, 0, nil
			}
			p := mf.Progress()
			return p.Completed, p.Total, nextDescriptions(mf, 10)
		},
	}

	isDone := func(_ llm.CompletionResponse) (bool, error) {
		if !designGateDone {
			if _, err := sb.ReadFile(ctx, designDocPath); err == nil {
				emitPhase(bus, buildID, "design_review")
				edited, err := gateWait(ctx, "design")
				if err != nil {
					return false, err
				}
				if edited != nil {
					if err := sb.WriteFile(ctx, designDocPath, []byte(*edited)); err != nil {
						return false, fmt.Errorf("write edited design doc: %w", err)
					}
				}
				designGateDone = true
			}
		}

		mf, err := mgr.Reload(ctx)
		if err != nil || mf == nil || len(mf.Features) == 0 {
			return false, nil
		}
		if err := mf.Validate(); err != nil {
			// Partial/invalid manifest mid-write; keep looping (spec §4.4:
			// "Parse failures are swallowed; partial writes are expected").
			return false, nil
		}

		if !featureGateDone && reviewGatesEnabled {
			emitPhase(bus, buildID, "feature_review")
			edited, err := gateWait(ctx, "feature")
			if err != nil {
				return false, err
			}
			if edited != nil {
				if err := sb.WriteFile(ctx, manifest.FeatureListPath, []byte(*edited)); err != nil {
					return false, fmt.Errorf("write edited feature list: %w", err)
				}
			}
			featureGateDone = true
		}
		return true, nil
	}

	outcome, err := runAgentLoop(ctx, o.llmClient, cfg, cm, bridge, bus, resets, o.logger, isDone)
	if err != nil {
		return planningResult{}, err
	}
	if outcome != outcomeDone {
		return planningResult{}, fmt.Errorf("build %s: planning did not converge within %d iterations", buildID, planningMaxIterations)
	}

	return planningResult{complexityTier: tier, targetFeatureCount: target, isUIProject: isUI}, nil
}

// nextDescriptions returns up to n descriptions of features that have not
// yet passed, in manifest order — the "next unfinished feature
// descriptions" a context-reset summary reports (spec §4.5).
func nextDescriptions(mf *proto.Manifest, n int) []string {
	var out []string
	for i := range mf.Features {
		if len(out) >= n {
			break
		}
		if !mf.Features[i].Passes {
			out = append(out, mf.Features[i].Description)
		}
	}
	return out
}
