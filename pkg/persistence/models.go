package persistence

import "time"

// ToolExecution is a diagnostic record of a single Tool Bridge invocation.
// It is not part of the wire contract (proto.Event already carries the
// user-facing tool_start/tool_end events); this is the operability trail.
//
//nolint:govet // logical field grouping preferred over byte-packing
type ToolExecution struct {
	ID         int64     `json:"id"`
	BuildID    string    `json:"build_id"`
	ToolUseID  string    `json:"tool_use_id,omitempty"`
	ToolName   string    `json:"tool_name"`
	InputJSON  string    `json:"input_json,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Success    *bool     `json:"success,omitempty"`
	DurationMS *int64    `json:"duration_ms,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Session tracks per-build LLM usage accounting across every phase
// (planning, sequential, parallel, review).
type Session struct {
	BuildID           string    `json:"build_id"`
	LLMProvider       string    `json:"llm_provider"`
	ModelName         string    `json:"model_name"`
	TotalInputTokens  int64     `json:"total_input_tokens"`
	TotalOutputTokens int64     `json:"total_output_tokens"`
	TotalCostUSD      float64   `json:"total_cost_usd"`
	ContextResets     int       `json:"context_resets"`
	StartedAt         time.Time `json:"started_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
}
