package persistence

import (
	"database/sql"
	"fmt"
	"time"

	"orchestrator/pkg/proto"
)

// Request represents a database operation request. This is the interface
// between a build's goroutine and the process's database worker.
type Request struct {
	Data      interface{}        `json:"data"`      // Operation-specific data payload
	Response  chan<- interface{} `json:"-"`         // Response channel for queries (nil for fire-and-forget writes)
	Operation string             `json:"operation"` // Operation type
}

// Operation constants for Request.
const (
	// Write operations (fire-and-forget).
	OpUpsertBuild           = "upsert_build"
	OpUpdateBuildStatus     = "update_build_status"
	OpInsertEvents          = "insert_events"
	OpInsertLogs            = "insert_logs"
	OpInsertToolExecution   = "insert_tool_execution"
	OpRecordLLMUsage        = "record_llm_usage"
	OpIncrementContextReset = "increment_context_reset"

	// Query operations (with response).
	OpGetBuildByID       = "get_build_by_id"
	OpListBuildsByStatus = "list_builds_by_status"
	OpGetEventsSince     = "get_events_since"
	OpGetLogsSince       = "get_logs_since"
	OpGetSession         = "get_session"
)

// UpdateBuildStatusRequest represents a status transition for a build.
// StartedAt is nil until the build has left PENDING, and a nil value
// leaves the stored one unchanged;
// the remaining fields mirror whatever Build.Validate permits at a
// terminal transition.
type UpdateBuildStatusRequest struct {
	StartedAt   *time.Time
	ArtifactKey *string
	SandboxID   *string
	OutputURL   *string
	BuildID     string
	Status      proto.BuildStatus
	Progress    proto.Progress
}

// DatabaseOperations provides methods for database operations used by the
// process's database worker goroutine.
type DatabaseOperations struct {
	db *sql.DB
}

// NewDatabaseOperations creates a new DatabaseOperations instance.
func NewDatabaseOperations(db *sql.DB) *DatabaseOperations {
	return &DatabaseOperations{db: db}
}

// UpsertBuild inserts or updates a build record.
func (ops *DatabaseOperations) UpsertBuild(b *proto.Build) error {
	query := `
		INSERT INTO builds (
			id, owner_id, app_spec, status, complexity_tier, target_feature_count,
			review_gates_enabled, progress_completed, progress_total,
			artifact_key, sandbox_id, output_url, created_at, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			complexity_tier = excluded.complexity_tier,
			target_feature_count = excluded.target_feature_count,
			progress_completed = excluded.progress_completed,
			progress_total = excluded.progress_total,
			artifact_key = excluded.artifact_key,
			sandbox_id = excluded.sandbox_id,
			output_url = excluded.output_url,
			started_at = excluded.started_at
	`

	_, err := ops.db.Exec(query,
		b.ID, b.OwnerID, b.AppSpec, string(b.Status), string(b.ComplexityTier), b.TargetFeatureCount,
		boolToInt(b.ReviewGatesEnabled), b.Progress.Completed, b.Progress.Total,
		b.ArtifactKey, b.SandboxID, b.OutputURL, b.CreatedAt, b.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert build %s: %w", b.ID, err)
	}
	return nil
}

// UpdateBuildStatus atomically writes a new status (and whatever terminal
// fields accompany it) to a build record, per spec §4.1's requirement that
// every transition write the new status before sandbox teardown proceeds.
func (ops *DatabaseOperations) UpdateBuildStatus(req *UpdateBuildStatusRequest) error {
	query := `
		UPDATE builds SET
			status = ?,
			progress_completed = ?,
			progress_total = ?,
			started_at = COALESCE(?, started_at),
			artifact_key = COALESCE(?, artifact_key),
			sandbox_id = COALESCE(?, sandbox_id),
			output_url = COALESCE(?, output_url)
		WHERE id = ?
	`

	result, err := ops.db.Exec(query,
		string(req.Status), req.Progress.Completed, req.Progress.Total,
		req.StartedAt, req.ArtifactKey, req.SandboxID, req.OutputURL,
		req.BuildID,
	)
	if err != nil {
		return fmt.Errorf("failed to update build status for %s: %w", req.BuildID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("build %s not found", req.BuildID)
	}
	return nil
}

// GetBuildByID returns a build by its ID.
func (ops *DatabaseOperations) GetBuildByID(buildID string) (*proto.Build, error) {
	query := `
		SELECT id, owner_id, app_spec, status, complexity_tier, target_feature_count,
		       review_gates_enabled, progress_completed, progress_total,
		       artifact_key, sandbox_id, output_url, created_at, started_at
		FROM builds WHERE id = ?
	`

	var b proto.Build
	var status, complexityTier string
	var reviewGates int
	err := ops.db.QueryRow(query, buildID).Scan(
		&b.ID, &b.OwnerID, &b.AppSpec, &status, &complexityTier, &b.TargetFeatureCount,
		&reviewGates, &b.Progress.Completed, &b.Progress.Total,
		&b.ArtifactKey, &b.SandboxID, &b.OutputURL, &b.CreatedAt, &b.StartedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("build %s not found", buildID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get build %s: %w", buildID, err)
	}
	b.Status = proto.BuildStatus(status)
	b.ComplexityTier = proto.ComplexityTier(complexityTier)
	b.ReviewGatesEnabled = reviewGates != 0
	return &b, nil
}

// ListBuildsByStatus returns every build currently in the given status,
// most recently created first.
func (ops *DatabaseOperations) ListBuildsByStatus(status proto.BuildStatus) ([]*proto.Build, error) {
	query := `
		SELECT id, owner_id, app_spec, status, complexity_tier, target_feature_count,
		       review_gates_enabled, progress_completed, progress_total,
		       artifact_key, sandbox_id, output_url, created_at, started_at
		FROM builds WHERE status = ? ORDER BY created_at DESC
	`

	rows, err := ops.db.Query(query, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query builds by status %s: %w", status, err)
	}
	defer func() { _ = rows.Close() }()

	var builds []*proto.Build
	for rows.Next() {
		var b proto.Build
		var s, complexityTier string
		var reviewGates int
		err := rows.Scan(
			&b.ID, &b.OwnerID, &b.AppSpec, &s, &complexityTier, &b.TargetFeatureCount,
			&reviewGates, &b.Progress.Completed, &b.Progress.Total,
			&b.ArtifactKey, &b.SandboxID, &b.OutputURL, &b.CreatedAt, &b.StartedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan build: %w", err)
		}
		b.Status = proto.BuildStatus(s)
		b.ComplexityTier = proto.ComplexityTier(complexityTier)
		b.ReviewGatesEnabled = reviewGates != 0
		builds = append(builds, &b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return builds, nil
}

// InsertEvents batch-inserts durable events in a single transaction, giving
// the Persistence Buffer's all-or-nothing batch semantics (spec §4.3).
func (ops *DatabaseOperations) InsertEvents(events []*proto.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := ops.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	query := `INSERT OR IGNORE INTO events (id, build_id, type, payload_json, created_at) VALUES (?, ?, ?, ?, ?)`
	for _, e := range events {
		payload, marshalErr := e.ToJSON()
		if marshalErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to marshal event %s: %w", e.ID, marshalErr)
		}
		if _, err = tx.Exec(query, e.ID, e.BuildID, string(e.Type), string(payload), e.Timestamp); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to insert event %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event batch: %w", err)
	}
	return nil
}

// InsertLogs batch-inserts durable log entries in a single transaction.
func (ops *DatabaseOperations) InsertLogs(logs []*proto.LogEntry) error {
	if len(logs) == 0 {
		return nil
	}

	tx, err := ops.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	query := `INSERT OR IGNORE INTO logs (id, build_id, level, message, created_at) VALUES (?, ?, ?, ?, ?)`
	for _, l := range logs {
		if _, err = tx.Exec(query, l.ID, l.BuildID, string(l.Level), l.Message, l.Timestamp); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to insert log %s: %w", l.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit log batch: %w", err)
	}
	return nil
}

// GetEventsSince returns durable events for a build created after since,
// ascending, for a reconnecting subscriber to resync from.
func (ops *DatabaseOperations) GetEventsSince(buildID string, since time.Time) ([]*proto.Event, error) {
	query := `
		SELECT payload_json FROM events
		WHERE build_id = ? AND created_at > ?
		ORDER BY created_at ASC
	`

	rows, err := ops.db.Query(query, buildID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query events for build %s: %w", buildID, err)
	}
	defer func() { _ = rows.Close() }()

	var events []*proto.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e, err := proto.EventFromJSON([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return events, nil
}

// GetLogsSince returns durable log entries for a build created after the
// given time, ascending.
func (ops *DatabaseOperations) GetLogsSince(buildID string, since time.Time) ([]*proto.LogEntry, error) {
	query := `
		SELECT id, build_id, level, message, created_at FROM logs
		WHERE build_id = ? AND created_at > ?
		ORDER BY created_at ASC
	`

	rows, err := ops.db.Query(query, buildID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs for build %s: %w", buildID, err)
	}
	defer func() { _ = rows.Close() }()

	var logs []*proto.LogEntry
	for rows.Next() {
		var l proto.LogEntry
		var level string
		if err := rows.Scan(&l.ID, &l.BuildID, &level, &l.Message, &l.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		l.Level = proto.LogLevel(level)
		logs = append(logs, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return logs, nil
}

// InsertToolExecution inserts a tool execution diagnostic record.
func (ops *DatabaseOperations) InsertToolExecution(t *ToolExecution) error {
	query := `
		INSERT INTO tool_executions (
			build_id, tool_use_id, tool_name, input_json, exit_code, success, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := ops.db.Exec(query,
		t.BuildID, t.ToolUseID, t.ToolName, t.InputJSON, t.ExitCode, t.Success, t.DurationMS, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert tool execution for build %s: %w", t.BuildID, err)
	}
	return nil
}

// EnsureSession creates the per-build usage row on first use if it does not
// already exist; it is a no-op otherwise.
func (ops *DatabaseOperations) EnsureSession(buildID, provider, model string) error {
	query := `
		INSERT INTO sessions (build_id, llm_provider, model_name, started_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(build_id) DO NOTHING
	`
	now := time.Now().UTC()
	_, err := ops.db.Exec(query, buildID, provider, model, now, now)
	if err != nil {
		return fmt.Errorf("failed to ensure session for build %s: %w", buildID, err)
	}
	return nil
}

// RecordLLMUsage accumulates token and cost counters for a build's session,
// updated after every LLM completion (SPEC_FULL §3 Session).
func (ops *DatabaseOperations) RecordLLMUsage(buildID string, inputTokens, outputTokens int64, costUSD float64) error {
	query := `
		UPDATE sessions SET
			total_input_tokens = total_input_tokens + ?,
			total_output_tokens = total_output_tokens + ?,
			total_cost_usd = total_cost_usd + ?,
			last_activity_at = ?
		WHERE build_id = ?
	`
	result, err := ops.db.Exec(query, inputTokens, outputTokens, costUSD, time.Now().UTC(), buildID)
	if err != nil {
		return fmt.Errorf("failed to record LLM usage for build %s: %w", buildID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("session for build %s not found", buildID)
	}
	return nil
}

// IncrementContextReset bumps the context-reset counter used by the
// max-context-resets terminal-failure check (spec §4.5).
func (ops *DatabaseOperations) IncrementContextReset(buildID string) error {
	query := `UPDATE sessions SET context_resets = context_resets + 1, last_activity_at = ? WHERE build_id = ?`
	_, err := ops.db.Exec(query, time.Now().UTC(), buildID)
	if err != nil {
		return fmt.Errorf("failed to increment context resets for build %s: %w", buildID, err)
	}
	return nil
}

// GetSession returns the per-build LLM usage accounting row.
func (ops *DatabaseOperations) GetSession(buildID string) (*Session, error) {
	query := `
		SELECT build_id, llm_provider, model_name, total_input_tokens, total_output_tokens,
		       total_cost_usd, context_resets, started_at, last_activity_at
		FROM sessions WHERE build_id = ?
	`

	var s Session
	err := ops.db.QueryRow(query, buildID).Scan(
		&s.BuildID, &s.LLMProvider, &s.ModelName, &s.TotalInputTokens, &s.TotalOutputTokens,
		&s.TotalCostUSD, &s.ContextResets, &s.StartedAt, &s.LastActivityAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session for build %s not found", buildID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session for build %s: %w", buildID, err)
	}
	return &s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
