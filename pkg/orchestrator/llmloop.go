package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"orchestrator/pkg/contextmgr"
	"orchestrator/pkg/eventbus"
	"orchestrator/pkg/llm"
	"orchestrator/pkg/llm/llmerrors"
	"orchestrator/pkg/logx"
	"orchestrator/pkg/toolbridge"
	"orchestrator/pkg/tools"
)

// maxContextResets caps the number of context-overflow resets across a
// single build's entire run (spec §4.5: "a global counter caps resets at
// 10; exceeding the cap transitions to FAILED").
const maxContextResets = 10

// maxHistoryMessages is the threshold past which Compact trims a phase
// conversation (spec §4.6).
const maxHistoryMessages = 100

// rateLimitBackoff is the fixed pause spec §4.5 prescribes for rate-limit
// errors: "back off 60 s and retry without counting."
const rateLimitBackoff = 60 * time.Second

// resetBudget tracks context-overflow resets against the per-build cap.
// Shared across the Planning, Sequential, and every Parallel subagent
// conversation for one build, since the cap is build-wide, not per-phase.
type resetBudget struct {
	mu    sync.Mutex
	used  int
	max   int
}

func newResetBudget(max int) *resetBudget {
	return &resetBudget{max: max}
}

// use records one reset attempt and reports whether it is within budget.
func (r *resetBudget) use() (withinBudget bool, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.used++
	return r.used <= r.max, r.used
}

// turnOutcome reports why an agent loop stopped.
type turnOutcome int

const (
	outcomeContinue turnOutcome = iota
	outcomeDone
	outcomeIterationCapExceeded
	outcomeFailed
)

// summaryInfoFunc reports the (completed, total, next unfinished
// descriptions) a context-overflow reset summarizes into the rebuilt
// prompt (spec §4.5).
type summaryInfoFunc func() (completed, total int, next []string)

// agentLoopConfig parameterizes runAgentLoop across its three call sites:
// the Planning phase, the Sequential Executor, and one Parallel subagent.
//
//nolint:govet // logical field grouping preferred over byte-packing
type agentLoopConfig struct {
	buildID       string
	phaseTag      string
	maxIterations int
	summaryInfo   summaryInfoFunc
}

// runAgentLoop drives one LLM conversation turn-by-turn against cm,
// executing tool calls through bridge, until isDone reports completion,
// the iteration cap is hit, or an unrecoverable error occurs. It is the
// shared shape behind Planning (§4.5), Sequential (§4.6), and each
// Parallel subagent (§4.7) — those phases differ only in system prompt,
// completion check, and event tagging, grounded on the teacher's
// Driver.Run loop (pkg/architect/driver.go): check context, process one
// turn, handle errors, loop.
func runAgentLoop(
	ctx context.Context,
	client llm.Client,
	cfg agentLoopConfig,
	cm *contextmgr.Manager,
	bridge *toolbridge.Bridge,
	bus *eventbus.Bus,
	resets *resetBudget,
	logger *logx.Logger,
	isDone func(resp llm.CompletionResponse) (bool, error),
) (turnOutcome, error) {
	for iter := 0; iter < cfg.maxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return outcomeFailed, err
		}

		cm.FlushUserBuffer()
		cm.Compact(maxHistoryMessages)

		req := llm.NewCompletionRequest(cm.ToCompletionMessages())
		req.Tools = tools.Definitions()
		req.Temperature = llm.TemperatureDefault

		resp, err := client.Complete(ctx, req)
		if err != nil {
			retry, fatalErr := handleCompletionError(ctx, cfg, cm, bus, resets, logger, err)
			if fatalErr != nil {
				return outcomeFailed, fatalErr
			}
			if retry {
				continue
			}
			return outcomeFailed, err
		}

		if len(resp.ToolCalls) > 0 {
			cm.AddAssistantMessageWithTools(resp.Content, resp.ToolCalls)
			for _, call := range resp.ToolCalls {
				result := bridge.Execute(ctx, call)
				cm.AddToolResult(call.ID, result.Output, result.IsError)
			}
		} else if resp.Content != "" {
			cm.AddAssistantMessage(resp.Content)
		}

		done, err := isDone(resp)
		if err != nil {
			return outcomeFailed, err
		}
		if done {
			return outcomeDone, nil
		}
	}
	return outcomeIterationCapExceeded, nil
}

// handleCompletionError classifies a failed completion per the llmerrors
// taxonomy and decides whether the loop should retry in place.
// Rate-limit errors back off 60s without consuming the reset budget;
// context-overflow errors consume one reset and rebuild the conversation
// via cm.ResetForSummary; every other error type is fatal to this loop.
func handleCompletionError(
	ctx context.Context,
	cfg agentLoopConfig,
	cm *contextmgr.Manager,
	bus *eventbus.Bus,
	resets *resetBudget,
	logger *logx.Logger,
	err error,
) (retry bool, fatalErr error) {
	switch llmerrors.TypeOf(err) {
	case llmerrors.ErrorTypeRateLimit:
		logger.Warn("build %s (%s): rate limited, backing off %s", cfg.buildID, cfg.phaseTag, rateLimitBackoff)
		select {
		case <-time.After(rateLimitBackoff):
			return true, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}

	case llmerrors.ErrorTypeContextOverflow:
		within, count := resets.use()
		if !within {
			emitErrorEvent(bus, cfg.buildID, "context reset budget exhausted", severityFatal, false)
			return false, fmt.Errorf("build %s: exceeded max context resets (%d)", cfg.buildID, maxContextResets)
		}
		completed, total, next := 0, 0, []string(nil)
		if cfg.summaryInfo != nil {
			completed, total, next = cfg.summaryInfo()
		}
		cm.ResetForSummary(completed, total, next)
		emitActivity(bus, cfg.buildID, fmt.Sprintf("Context reset (%d/%d)", count, maxContextResets))
		return true, nil

	default:
		emitErrorEvent(bus, cfg.buildID, err.Error(), severityFatal, false)
		return false, err
	}
}
