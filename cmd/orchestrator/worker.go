package main

import (
	"context"
	"time"

	"orchestrator/pkg/logx"
	"orchestrator/pkg/persistence"
	"orchestrator/pkg/proto"
)

// persistenceWorker serializes the database writes and queries sent to it behind one
// goroutine, grounded on the teacher's startPersistenceWorker /
// processPersistenceRequest pattern: SQLite here is opened with a single
// connection (persistence.InitializeDatabase), so requests sent on the
// persistence channel are funneled through this worker rather than racing
// concurrent writers. The HTTP surface (pkg/httpapi) runs its read queries
// directly on the same DatabaseOperations.
type persistenceWorker struct {
	ch     chan *persistence.Request
	ops    *persistence.DatabaseOperations
	logger *logx.Logger
}

func newPersistenceWorker(ch chan *persistence.Request, ops *persistence.DatabaseOperations, logger *logx.Logger) *persistenceWorker {
	return &persistenceWorker{ch: ch, ops: ops, logger: logger}
}

func (w *persistenceWorker) run(ctx context.Context) {
	w.logger.Info("persistence worker started")
	for {
		select {
		case req := <-w.ch:
			if req == nil {
				w.logger.Info("persistence worker shutting down: channel closed")
				return
			}
			w.process(req)
		case <-ctx.Done():
			w.logger.Info("persistence worker stopping: %v", ctx.Err())
			return
		}
	}
}

func (w *persistenceWorker) process(req *persistence.Request) {
	switch req.Operation {
	case persistence.OpUpsertBuild:
		w.handleUpsertBuild(req)
	case persistence.OpUpdateBuildStatus:
		w.handleUpdateBuildStatus(req)
	case persistence.OpInsertEvents:
		w.handleInsertEvents(req)
	case persistence.OpInsertLogs:
		w.handleInsertLogs(req)
	case persistence.OpInsertToolExecution:
		w.handleInsertToolExecution(req)
	case persistence.OpRecordLLMUsage:
		w.handleRecordLLMUsage(req)
	case persistence.OpIncrementContextReset:
		w.handleIncrementContextReset(req)
	case persistence.OpGetBuildByID:
		w.handleGetBuildByID(req)
	case persistence.OpListBuildsByStatus:
		w.handleListBuildsByStatus(req)
	case persistence.OpGetEventsSince:
		w.handleGetEventsSince(req)
	case persistence.OpGetLogsSince:
		w.handleGetLogsSince(req)
	case persistence.OpGetSession:
		w.handleGetSession(req)
	default:
		w.logger.Error("unknown persistence operation: %s", req.Operation)
		w.respond(req, nil)
	}
}

func (w *persistenceWorker) handleUpsertBuild(req *persistence.Request) {
	build, ok := req.Data.(*proto.Build)
	if !ok {
		w.logger.Error("upsert_build: unexpected payload type %T", req.Data)
		return
	}
	if err := w.ops.UpsertBuild(build); err != nil {
		w.logger.Error("upsert_build %s failed: %v", build.ID, err)
	}
}

func (w *persistenceWorker) handleUpdateBuildStatus(req *persistence.Request) {
	statusReq, ok := req.Data.(*persistence.UpdateBuildStatusRequest)
	if !ok {
		w.logger.Error("update_build_status: unexpected payload type %T", req.Data)
		return
	}
	if err := w.ops.UpdateBuildStatus(statusReq); err != nil {
		w.logger.Error("update_build_status %s failed: %v", statusReq.BuildID, err)
	}
}

func (w *persistenceWorker) handleInsertEvents(req *persistence.Request) {
	events, ok := req.Data.([]*proto.Event)
	if !ok {
		w.logger.Error("insert_events: unexpected payload type %T", req.Data)
		return
	}
	if err := w.ops.InsertEvents(events); err != nil {
		w.logger.Error("insert_events failed: %v", err)
	}
}

func (w *persistenceWorker) handleInsertLogs(req *persistence.Request) {
	logs, ok := req.Data.([]*proto.LogEntry)
	if !ok {
		w.logger.Error("insert_logs: unexpected payload type %T", req.Data)
		return
	}
	if err := w.ops.InsertLogs(logs); err != nil {
		w.logger.Error("insert_logs failed: %v", err)
	}
}

func (w *persistenceWorker) handleInsertToolExecution(req *persistence.Request) {
	exec, ok := req.Data.(*persistence.ToolExecution)
	if !ok {
		w.logger.Error("insert_tool_execution: unexpected payload type %T", req.Data)
		return
	}
	if err := w.ops.InsertToolExecution(exec); err != nil {
		w.logger.Error("insert_tool_execution failed: %v", err)
	}
}

func (w *persistenceWorker) handleRecordLLMUsage(req *persistence.Request) {
	usage, ok := req.Data.(*persistence.LLMUsageRequest)
	if !ok {
		w.logger.Error("record_llm_usage: unexpected payload type %T", req.Data)
		return
	}
	if err := w.ops.EnsureSession(usage.BuildID, usage.Provider, usage.Model); err != nil {
		w.logger.Error("ensure_session %s failed: %v", usage.BuildID, err)
		return
	}
	if err := w.ops.RecordLLMUsage(usage.BuildID, usage.InputTokens, usage.OutputTokens, usage.CostUSD); err != nil {
		w.logger.Error("record_llm_usage %s failed: %v", usage.BuildID, err)
	}
}

func (w *persistenceWorker) handleIncrementContextReset(req *persistence.Request) {
	buildID, ok := req.Data.(string)
	if !ok {
		w.logger.Error("increment_context_reset: unexpected payload type %T", req.Data)
		return
	}
	if err := w.ops.IncrementContextReset(buildID); err != nil {
		w.logger.Error("increment_context_reset %s failed: %v", buildID, err)
	}
}

func (w *persistenceWorker) handleGetBuildByID(req *persistence.Request) {
	buildID, ok := req.Data.(string)
	if !ok {
		w.logger.Error("get_build_by_id: unexpected payload type %T", req.Data)
		w.respond(req, nil)
		return
	}
	build, err := w.ops.GetBuildByID(buildID)
	if err != nil {
		w.logger.Error("get_build_by_id %s failed: %v", buildID, err)
		w.respond(req, nil)
		return
	}
	w.respond(req, build)
}

func (w *persistenceWorker) handleListBuildsByStatus(req *persistence.Request) {
	status, ok := req.Data.(proto.BuildStatus)
	if !ok {
		w.logger.Error("list_builds_by_status: unexpected payload type %T", req.Data)
		w.respond(req, nil)
		return
	}
	builds, err := w.ops.ListBuildsByStatus(status)
	if err != nil {
		w.logger.Error("list_builds_by_status %s failed: %v", status, err)
		w.respond(req, nil)
		return
	}
	w.respond(req, builds)
}

// eventsSinceQuery and logsSinceQuery are the payload shapes for the two
// since-bounded query ops — neither takes a single scalar, so each gets its
// own small struct rather than overloading Data.
type eventsSinceQuery struct {
	BuildID string
	Since   time.Time
}

type logsSinceQuery struct {
	BuildID string
	Since   time.Time
}

func (w *persistenceWorker) handleGetEventsSince(req *persistence.Request) {
	q, ok := req.Data.(eventsSinceQuery)
	if !ok {
		w.logger.Error("get_events_since: unexpected payload type %T", req.Data)
		w.respond(req, nil)
		return
	}
	events, err := w.ops.GetEventsSince(q.BuildID, q.Since)
	if err != nil {
		w.logger.Error("get_events_since %s failed: %v", q.BuildID, err)
		w.respond(req, nil)
		return
	}
	w.respond(req, events)
}

func (w *persistenceWorker) handleGetLogsSince(req *persistence.Request) {
	q, ok := req.Data.(logsSinceQuery)
	if !ok {
		w.logger.Error("get_logs_since: unexpected payload type %T", req.Data)
		w.respond(req, nil)
		return
	}
	logs, err := w.ops.GetLogsSince(q.BuildID, q.Since)
	if err != nil {
		w.logger.Error("get_logs_since %s failed: %v", q.BuildID, err)
		w.respond(req, nil)
		return
	}
	w.respond(req, logs)
}

func (w *persistenceWorker) handleGetSession(req *persistence.Request) {
	buildID, ok := req.Data.(string)
	if !ok {
		w.logger.Error("get_session: unexpected payload type %T", req.Data)
		w.respond(req, nil)
		return
	}
	session, err := w.ops.GetSession(buildID)
	if err != nil {
		w.logger.Error("get_session %s failed: %v", buildID, err)
		w.respond(req, nil)
		return
	}
	w.respond(req, session)
}

func (w *persistenceWorker) respond(req *persistence.Request, v interface{}) {
	if req.Response == nil {
		return
	}
	defer func() {
		_ = recover() // receiver gave up and closed/abandoned its response channel
	}()
	req.Response <- v
}
