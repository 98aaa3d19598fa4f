package orchestrator

import (
	"context"
	"fmt"

	"orchestrator/pkg/contextmgr"
	"orchestrator/pkg/eventbus"
	"orchestrator/pkg/llm"
	"orchestrator/pkg/manifest"
	"orchestrator/pkg/proto"
	"orchestrator/pkg/sandbox"
	"orchestrator/pkg/toolbridge"
)

// maxWaves is the wave-scheduling safety cap (spec §4.7: "repeat until all
// non-blocking features are done or safety cap of 50 waves").
const maxWaves = 50

// subagentMaxIterations is the per-subagent iteration cap; exceeding it
// classifies the feature as failed (spec §4.7).
const subagentMaxIterations = 20

// featureCompleteSentinel is the token a parallel subagent emits when its
// one assigned feature is done (spec §4.7).
const featureCompleteSentinel = "FEATURE_COMPLETE"

const subagentSystemPromptTemplate = `You are implementing one feature of a larger project:

%s

Steps:
%s

Use the bash, read_file, and write_file tools. Other features may be worked on
concurrently by other agents; do not edit feature_list.json yourself. When the
feature is fully implemented and verified, say %s.`

// runParallel executes spec §4.7's wave scheduler over every non-blocking
// feature still outstanding: compute the ready set, batch it to the
// concurrency cap, run one subagent per feature, fold passing results back
// into the manifest, and repeat until nothing remains or the wave cap
// is hit. Features that fail in the wave pass are retried once,
// sequentially, per spec's final paragraph.
func (o *Orchestrator) runParallel(
	ctx context.Context,
	buildID string,
	sb sandbox.Sandbox,
	mgr *manifest.Manager,
	bus *eventbus.Bus,
	resets *resetBudget,
	maxConcurrent int,
) error {
	emitPhase(bus, buildID, "parallel")
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}

	failed, err := o.runWaves(ctx, buildID, sb, mgr, bus, resets, maxConcurrent)
	if err != nil {
		return err
	}
	if len(failed) == 0 {
		return nil
	}

	// Retry failures sequentially, once (spec §4.7 final paragraph).
	var stillFailed []string
	for _, desc := range failed {
		ok, err := o.runSubagent(ctx, buildID, desc, sb, mgr, bus, resets, "subagent-retry")
		if err != nil {
			return err
		}
		if !ok {
			stillFailed = append(stillFailed, desc)
		}
	}
	if len(stillFailed) > 0 {
		o.logger.Warn("build %s: %d non-blocking feature(s) remain failed after retry: %v", buildID, len(stillFailed), stillFailed)
	}
	return nil
}

// runWaves runs the wave loop and returns the descriptions of features
// that failed (exceeded their iteration cap without passing).
func (o *Orchestrator) runWaves(
	ctx context.Context,
	buildID string,
	sb sandbox.Sandbox,
	mgr *manifest.Manager,
	bus *eventbus.Bus,
	resets *resetBudget,
	maxConcurrent int,
) ([]string, error) {
	var failed []string
	failedSet := make(map[string]bool)

	for wave := 0; wave < maxWaves; wave++ {
		mf, err := mgr.Reload(ctx)
		if err != nil {
			return nil, fmt.Errorf("reload manifest: %w", err)
		}

		var remaining []proto.Feature
		for _, f := range remainingNonBlocking(mf) {
			if !failedSet[f.Description] {
				remaining = append(remaining, f)
			}
		}
		if len(remaining) == 0 {
			return failed, nil
		}

		completed := completedDescriptions(mf)
		ready := readySet(remaining, completed)
		if len(ready) == 0 {
			// Deadlock/cycle breaker: promote everything remaining (spec §4.7 step 2).
			o.logger.Warn("build %s: no ready non-blocking features in wave %d; promoting all remaining", buildID, wave)
			ready = remaining
		}

		for _, batch := range batchOf(ready, maxConcurrent) {
			results := make(chan subagentOutcome, len(batch))
			for i, f := range batch {
				desc := f.Description
				label := fmt.Sprintf("subagent-%d", i)
				go func() {
					ok, err := o.runSubagent(ctx, buildID, desc, sb, mgr, bus, resets, label)
					results <- subagentOutcome{description: desc, passed: ok, err: err}
				}()
			}
			for range batch {
				res := <-results
				if res.err != nil {
					return nil, res.err
				}
				if !res.passed {
					failedSet[res.description] = true
					failed = append(failed, res.description)
				}
			}
		}
	}

	o.logger.Warn("build %s: parallel phase hit the %d-wave safety cap with features still outstanding", buildID, maxWaves)
	return failed, nil
}

type subagentOutcome struct {
	description string
	passed      bool
	err         error
}

// runSubagent drives one feature's independent LLM conversation to
// completion and folds a pass back into the manifest. label tags the
// bridge's emitted events (e.g. "subagent-0", "subagent-retry").
func (o *Orchestrator) runSubagent(
	ctx context.Context,
	buildID string,
	description string,
	sb sandbox.Sandbox,
	mgr *manifest.Manager,
	bus *eventbus.Bus,
	resets *resetBudget,
	label string,
) (bool, error) {
	mf, err := mgr.Reload(ctx)
	if err != nil {
		return false, fmt.Errorf("reload manifest: %w", err)
	}
	f, err := mf.ByDescription(description)
	if err != nil {
		return false, err
	}
	if f.Passes {
		return true, nil
	}

	emitFeatureMarker(bus, buildID, proto.EventFeatureStart, description, label)

	prompt := fmt.Sprintf(subagentSystemPromptTemplate, description, formatSteps(f.Steps), featureCompleteSentinel)
	cm := contextmgr.NewManager(prompt)
	taggedBus := &taggedPublisher{bus: bus, tag: label}
	bridge := toolbridge.New(buildID, sb, taggedBus, o.durationRecorder)

	cfg := agentLoopConfig{
		buildID:       buildID,
		phaseTag:      label,
		maxIterations: subagentMaxIterations,
		summaryInfo: func() (int, int, []string) {
			mf, err := mgr.Reload(ctx)
			if err != nil || mf == nil {
				return 0, 0, nil
			}
			p := mf.Progress()
			return p.Completed, p.Total, []string{description}
		},
	}

	// A subagent never edits feature_list.json itself (spec §4.7), so its
	// completion is driven by a response with no tool calls, not by manifest
	// state; the sentinel text is not inspected separately.
	isDone := func(resp llm.CompletionResponse) (bool, error) {
		return len(resp.ToolCalls) == 0, nil
	}

	outcome, err := runAgentLoop(ctx, o.llmClient, cfg, cm, bridge, bus, resets, o.logger, isDone)
	if err != nil {
		return false, err
	}
	if outcome != outcomeDone {
		o.logger.Warn("build %s: feature %q failed to complete within %d iterations (%s)", buildID, description, subagentMaxIterations, label)
		emitFeatureMarker(bus, buildID, proto.EventFeatureEnd, description, label)
		return false, nil
	}

	if _, err := mgr.SetPasses(ctx, description, true); err != nil {
		return false, fmt.Errorf("mark feature %q passing: %w", description, err)
	}
	if mf, err := mgr.Reload(ctx); err == nil && mf != nil {
		emitFeatureListEvent(bus, buildID, mf)
	}
	emitFeatureMarker(bus, buildID, proto.EventFeatureEnd, description, label)
	return true, nil
}

// remainingNonBlocking returns non-blocking features that have not yet passed.
func remainingNonBlocking(mf *proto.Manifest) []proto.Feature {
	var out []proto.Feature
	for _, f := range mf.NonBlocking() {
		if !f.Passes {
			out = append(out, f)
		}
	}
	return out
}

// completedDescriptions returns the set of descriptions (of any feature,
// blocking or not) that currently pass.
func completedDescriptions(mf *proto.Manifest) map[string]bool {
	out := make(map[string]bool, len(mf.Features))
	for _, f := range mf.Features {
		if f.Passes {
			out[f.Description] = true
		}
	}
	return out
}

// readySet returns the subset of remaining whose dependsOn is already
// satisfied by completed (spec §4.7 step 1).
func readySet(remaining []proto.Feature, completed map[string]bool) []proto.Feature {
	var out []proto.Feature
	for _, f := range remaining {
		ready := true
		for _, dep := range f.DependsOn {
			if !completed[dep] {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, f)
		}
	}
	return out
}

// batchOf splits features into batches of at most size (spec §4.7 step 3).
func batchOf(features []proto.Feature, size int) [][]proto.Feature {
	var batches [][]proto.Feature
	for i := 0; i < len(features); i += size {
		end := i + size
		if end > len(features) {
			end = len(features)
		}
		batches = append(batches, features[i:end])
	}
	return batches
}

func formatSteps(steps []string) string {
	out := ""
	for i, s := range steps {
		out += fmt.Sprintf("%d. %s\n", i+1, s)
	}
	return out
}

// taggedPublisher stamps every event it forwards with the subagent label
// that produced it (spec §4.7: "emits events tagged subagent-{index}").
type taggedPublisher struct {
	bus *eventbus.Bus
	tag string
}

func (t *taggedPublisher) PublishEvent(e *proto.Event) {
	if e.Extra == nil {
		e.Extra = map[string]any{}
	}
	e.Extra["subagent"] = t.tag
	t.bus.PublishEvent(e)
}

func emitFeatureMarker(bus *eventbus.Bus, buildID string, typ proto.EventType, description, label string) {
	if bus == nil {
		return
	}
	e := proto.NewEvent(buildID, typ)
	e.Feature = description
	e.Extra = map[string]any{"subagent": label}
	bus.PublishEvent(e)
}

func emitFeatureListEvent(bus *eventbus.Bus, buildID string, mf *proto.Manifest) {
	if bus == nil {
		return
	}
	e := proto.NewEvent(buildID, proto.EventFeatureList)
	e.Features = mf.Features
	progress := mf.Progress()
	e.Progress = &progress
	bus.PublishEvent(e)
}
