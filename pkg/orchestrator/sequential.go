package orchestrator

import (
	"context"
	"fmt"

	"orchestrator/pkg/contextmgr"
	"orchestrator/pkg/eventbus"
	"orchestrator/pkg/llm"
	"orchestrator/pkg/manifest"
	"orchestrator/pkg/sandbox"
	"orchestrator/pkg/toolbridge"
)

// sequentialMaxIterations bounds the Building LLM loop driving the
// blocking features. Unlike Planning's fixed cap, this one is generous:
// manifest state, not the cap, is the expected exit; the sentinel is not checked.
const sequentialMaxIterations = 200

// blockingCompleteSentinel is the token spec §4.6 expects the LLM to emit
// once every blocking feature passes; manifest state remains authoritative.
const blockingCompleteSentinel = "BLOCKING_COMPLETE"

const sequentialSystemPromptTemplate = `You are building a software project one feature at a time.
Read feature_list.json for the full manifest. Pick the next feature with "passes": false
and "blocking" true or absent, implement it using the bash, read_file, and write_file
tools, then rewrite feature_list.json marking that entry "passes": true. Work through
every blocking feature in order. When all blocking features pass, say %s.`

// runSequential executes spec §4.6: drives the Building LLM loop until
// every blocking feature in the manifest has passes=true.
func (o *Orchestrator) runSequential(
	ctx context.Context,
	buildID string,
	sb sandbox.Sandbox,
	mgr *manifest.Manager,
	bus *eventbus.Bus,
	resets *resetBudget,
) error {
	emitPhase(bus, buildID, "sequential")

	mf, err := mgr.Reload(ctx)
	if err != nil {
		return fmt.Errorf("reload manifest: %w", err)
	}
	if len(mf.Blocking()) == 0 {
		return nil
	}

	cm := contextmgr.NewManager(fmt.Sprintf(sequentialSystemPromptTemplate, blockingCompleteSentinel))
	bridge := toolbridge.New(buildID, sb, bus, o.durationRecorder)

	cfg := agentLoopConfig{
		buildID:       buildID,
		phaseTag:      "sequential",
		maxIterations: sequentialMaxIterations,
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
		mf, err := mgr.Reload(ctx)
		if err != nil {
			return false, nil
		}
		for _, f := range mf.Blocking() {
			if !f.Passes {
				return false, nil
			}
		}
		return true, nil
	}

	outcome, err := runAgentLoop(ctx, o.llmClient, cfg, cm, bridge, bus, resets, o.logger, isDone)
	if err != nil {
		return err
	}
	if outcome != outcomeDone {
		return fmt.Errorf("build %s: sequential phase did not finish every blocking feature within %d iterations", buildID, sequentialMaxIterations)
	}
	return nil
}
