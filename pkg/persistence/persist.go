package persistence

import (
	"time"

	"orchestrator/pkg/logx"
	"orchestrator/pkg/metrics"
	"orchestrator/pkg/proto"
)

// PersistBuild persists a single build to the database with all available
// data. Fire-and-forget: the build is handed to the persistence worker and
// this call never blocks on the write landing.
func PersistBuild(b *proto.Build, persistenceChannel chan<- *Request) {
	if persistenceChannel == nil || b == nil {
		return
	}

	persistenceChannel <- &Request{
		Operation: OpUpsertBuild,
		Data:      b,
		Response:  nil,
	}
}

// PersistBuildStatus persists a build status transition, optionally carrying
// the terminal-state fields (artifact key, sandbox id, output URL).
func PersistBuildStatus(req *UpdateBuildStatusRequest, persistenceChannel chan<- *Request) {
	if persistenceChannel == nil || req == nil || req.BuildID == "" {
		return
	}

	persistenceChannel <- &Request{
		Operation: OpUpdateBuildStatus,
		Data:      req,
		Response:  nil,
	}
}

// PersistBuildWithMetrics persists a terminal build status update and logs
// the build's accumulated LLM usage metrics, pulled from the internal
// recorder; the metrics themselves are not written by this call. Used when
// a build reaches COMPLETED, FAILED, or CANCELLED.
func PersistBuildWithMetrics(buildID string, status proto.BuildStatus, progress proto.Progress,
	persistenceChannel chan<- *Request, logger *logx.Logger) {
	if persistenceChannel == nil || buildID == "" {
		return
	}

	buildMetrics := queryBuildMetrics(buildID, logger)
	if buildMetrics != nil {
		logInfo(logger, "build %s usage: prompt tokens: %d, completion tokens: %d, total cost: $%.6f",
			buildID, buildMetrics.PromptTokens, buildMetrics.CompletionTokens, buildMetrics.TotalCost)
	} else {
		logWarning(logger, "no usage metrics found for build %s", buildID)
	}

	PersistBuildStatus(&UpdateBuildStatusRequest{
		BuildID:  buildID,
		Status:   status,
		Progress: progress,
	}, persistenceChannel)
}

// queryBuildMetrics retrieves accumulated usage metrics for a build from the
// internal metrics recorder.
func queryBuildMetrics(buildID string, _ *logx.Logger) *metrics.BuildMetrics {
	recorder := metrics.NewInternalRecorder()
	return recorder.GetBuildMetrics(buildID)
}

// logWarning logs a warning message if logger is not nil.
func logWarning(logger *logx.Logger, format string, args ...interface{}) {
	if logger != nil {
		logger.Warn(format, args...)
	}
}

// logInfo logs an info message if logger is not nil.
func logInfo(logger *logx.Logger, format string, args ...interface{}) {
	if logger != nil {
		logger.Info(format, args...)
	}
}

// PersistEvent persists a single durable event to the database. Ephemeral
// event kinds (thinking, activity) should never reach this call; the
// Persistence Buffer filters those out before handing events to the worker.
func PersistEvent(e *proto.Event, persistenceChannel chan<- *Request) {
	if persistenceChannel == nil || e == nil || !e.Durable() {
		return
	}

	persistenceChannel <- &Request{
		Operation: OpInsertEvents,
		Data:      []*proto.Event{e},
		Response:  nil,
	}
}

// PersistEvents batch-persists durable events, matching the Persistence
// Buffer's flush granularity (spec §4.3).
func PersistEvents(events []*proto.Event, persistenceChannel chan<- *Request) {
	if persistenceChannel == nil || len(events) == 0 {
		return
	}

	var durable []*proto.Event
	for _, e := range events {
		if e.Durable() {
			durable = append(durable, e)
		}
	}
	if len(durable) == 0 {
		return
	}

	persistenceChannel <- &Request{
		Operation: OpInsertEvents,
		Data:      durable,
		Response:  nil,
	}
}

// PersistLogs batch-persists log entries, matching the Persistence Buffer's
// flush granularity (spec §4.3).
func PersistLogs(logs []*proto.LogEntry, persistenceChannel chan<- *Request) {
	if persistenceChannel == nil || len(logs) == 0 {
		return
	}

	persistenceChannel <- &Request{
		Operation: OpInsertLogs,
		Data:      logs,
		Response:  nil,
	}
}

// PersistToolExecution persists a diagnostic record of a single Tool Bridge
// invocation.
func PersistToolExecution(t *ToolExecution, persistenceChannel chan<- *Request) {
	if persistenceChannel == nil || t == nil {
		return
	}

	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	persistenceChannel <- &Request{
		Operation: OpInsertToolExecution,
		Data:      t,
		Response:  nil,
	}
}

// LLMUsageRequest carries the per-completion token/cost delta recorded
// against a build's Session row.
type LLMUsageRequest struct {
	BuildID      string
	Provider     string
	Model        string
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// PersistLLMUsage persists a token/cost delta to a build's Session row,
// called after every LLM completion (SPEC_FULL §3 Session).
func PersistLLMUsage(req *LLMUsageRequest, persistenceChannel chan<- *Request) {
	if persistenceChannel == nil || req == nil || req.BuildID == "" {
		return
	}

	persistenceChannel <- &Request{
		Operation: OpRecordLLMUsage,
		Data:      req,
		Response:  nil,
	}
}

// PersistContextReset records a context-overflow recovery event against a
// build's Session row (spec §4.5, §4.11).
func PersistContextReset(buildID string, persistenceChannel chan<- *Request) {
	if persistenceChannel == nil || buildID == "" {
		return
	}

	persistenceChannel <- &Request{
		Operation: OpIncrementContextReset,
		Data:      buildID,
		Response:  nil,
	}
}
