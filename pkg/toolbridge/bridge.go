// Package toolbridge mediates LLM tool-call invocations into sandbox
// file/command operations and emits the structured events that drive the
// Event Bus (spec §4.4).
package toolbridge

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"orchestrator/pkg/llm"
	"orchestrator/pkg/logx"
	"orchestrator/pkg/proto"
	"orchestrator/pkg/sandbox"
	"orchestrator/pkg/tools"
)

// displayLimit bounds tool output fed back to the LLM (spec §4.4:
// "truncated to a fixed display limit (≈10 KB)").
const displayLimit = 10 * 1024

// formatGuidance is injected into the next tool result after 3
// consecutive validation failures during the Planning phase (spec §4.4).
const formatGuidance = "Your last 3 tool calls failed input validation. " +
	`bash requires {"command": string}; read_file requires {"path": string}; ` +
	`write_file requires {"path": string, "content": string}. ` +
	"Review the field names and types before retrying."

// Result is returned to the LLM conversation for a single tool call.
type Result struct {
	Output  string
	IsError bool
}

// EventPublisher is the narrow slice of eventbus.Bus the bridge needs.
type EventPublisher interface {
	PublishEvent(e *proto.Event)
}

// DurationRecorder reports tool execution duration, implemented by
// metrics.PrometheusRecorder (spec §4.13's toolbridge_exec_duration_seconds).
type DurationRecorder interface {
	ObserveToolExecDuration(toolName string, d time.Duration)
}

// Bridge executes {bash, read_file, write_file} tool calls against one
// build's sandbox.
type Bridge struct {
	buildID  string
	sandbox  sandbox.Sandbox
	bus      EventPublisher
	logger   *logx.Logger
	recorder DurationRecorder

	mu                 sync.Mutex
	planningPhase      bool
	consecutiveInvalid int
}

// New constructs a Bridge for one build. recorder may be nil.
func New(buildID string, sb sandbox.Sandbox, bus EventPublisher, recorder DurationRecorder) *Bridge {
	return &Bridge{
		buildID:  buildID,
		sandbox:  sb,
		bus:      bus,
		logger:   logx.NewLogger("toolbridge"),
		recorder: recorder,
	}
}

// SetPlanningPhase marks whether the bridge is currently serving the
// Planning phase, the only phase where 3 consecutive validation failures
// trigger injected format guidance (spec §4.4). Switching phases resets
// the consecutive-failure counter.
func (b *Bridge) SetPlanningPhase(planning bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.planningPhase = planning
	b.consecutiveInvalid = 0
}

// Execute runs one tool call and returns its LLM-facing result.
func (b *Bridge) Execute(ctx context.Context, call llm.ToolCall) Result {
	switch call.Name {
	case tools.Bash:
		return b.execBash(ctx, call)
	case tools.ReadFile:
		return b.execReadFile(ctx, call)
	case tools.WriteFile:
		return b.execWriteFile(ctx, call)
	default:
		// Not one of ours; spec §9 treats any other tool-use block as a
		// server-side tool the provider already resolved.
		return Result{Output: "unsupported tool: " + call.Name, IsError: true}
	}
}

func (b *Bridge) execBash(ctx context.Context, call llm.ToolCall) Result {
	cmdStr, ok := stringField(call.Parameters, "command")
	if !ok || cmdStr == "" {
		return b.validationFailure(call, `bash: missing or invalid required field "command"`)
	}
	b.resetInvalid()
	b.emitToolStart(call)

	start := time.Now()
	res, err := b.sandbox.Exec(ctx, []string{"sh", "-c", cmdStr})
	duration := time.Since(start)
	if b.recorder != nil {
		b.recorder.ObserveToolExecDuration(tools.Bash, duration)
	}
	if err != nil {
		b.emitError(call, err.Error())
		b.emitToolEnd(call, false)
		return Result{Output: err.Error(), IsError: true}
	}

	b.emitCommand(cmdStr, res)
	success := res.ExitCode == 0
	b.emitToolEnd(call, success)
	return Result{Output: truncate(combinedOutput(res), displayLimit), IsError: !success}
}

func (b *Bridge) execReadFile(ctx context.Context, call llm.ToolCall) Result {
	path, ok := stringField(call.Parameters, "path")
	if !ok || path == "" {
		return b.validationFailure(call, `read_file: missing or invalid required field "path"`)
	}
	b.resetInvalid()
	b.emitToolStart(call)

	start := time.Now()
	data, err := b.sandbox.ReadFile(ctx, path)
	if b.recorder != nil {
		b.recorder.ObserveToolExecDuration(tools.ReadFile, time.Since(start))
	}
	if err != nil {
		b.emitError(call, err.Error())
		b.emitToolEnd(call, false)
		return Result{Output: err.Error(), IsError: true}
	}

	b.emitToolEnd(call, true)
	return Result{Output: truncate(string(data), displayLimit), IsError: false}
}

func (b *Bridge) execWriteFile(ctx context.Context, call llm.ToolCall) Result {
	path, ok := stringField(call.Parameters, "path")
	if !ok || path == "" {
		return b.validationFailure(call, `write_file: missing or invalid required field "path"`)
	}
	content, ok := stringField(call.Parameters, "content")
	if !ok {
		return b.validationFailure(call, `write_file: missing or invalid required field "content"`)
	}
	b.resetInvalid()
	b.emitToolStart(call)

	// A previously non-existent path is file_created; otherwise
	// file_modified (spec §4.4 tie-break).
	start := time.Now()
	_, readErr := b.sandbox.ReadFile(ctx, path)
	created := readErr != nil

	if err := b.sandbox.WriteFile(ctx, path, []byte(content)); err != nil {
		if b.recorder != nil {
			b.recorder.ObserveToolExecDuration(tools.WriteFile, time.Since(start))
		}
		b.emitError(call, err.Error())
		b.emitToolEnd(call, false)
		return Result{Output: err.Error(), IsError: true}
	}
	if b.recorder != nil {
		b.recorder.ObserveToolExecDuration(tools.WriteFile, time.Since(start))
	}

	fileEventType := proto.EventFileModified
	if created {
		fileEventType = proto.EventFileCreated
	}
	b.emitFileEvent(fileEventType, path, content)

	if strings.HasSuffix(path, "feature_list.json") {
		b.emitFeatureListIfParsable(content)
	}

	b.emitToolEnd(call, true)
	return Result{Output: "ok", IsError: false}
}

// validationFailure records a consecutive validation failure, emits the
// error/tool_end events, and injects format guidance after the third
// consecutive failure during the Planning phase.
func (b *Bridge) validationFailure(call llm.ToolCall, msg string) Result {
	b.emitError(call, msg)
	b.emitToolEnd(call, false)

	b.mu.Lock()
	b.consecutiveInvalid++
	injectGuidance := b.planningPhase && b.consecutiveInvalid >= 3
	if injectGuidance {
		b.consecutiveInvalid = 0
	}
	b.mu.Unlock()

	if injectGuidance {
		msg = msg + "\n\n" + formatGuidance
	}
	return Result{Output: msg, IsError: true}
}

func (b *Bridge) resetInvalid() {
	b.mu.Lock()
	b.consecutiveInvalid = 0
	b.mu.Unlock()
}

func (b *Bridge) emitToolStart(call llm.ToolCall) {
	e := proto.NewEvent(b.buildID, proto.EventToolStart)
	e.ToolName = call.Name
	e.ToolInput = call.Parameters
	b.bus.PublishEvent(e)
}

func (b *Bridge) emitToolEnd(call llm.ToolCall, success bool) {
	e := proto.NewEvent(b.buildID, proto.EventToolEnd)
	e.ToolName = call.Name
	e.Extra = map[string]any{"success": success}
	b.bus.PublishEvent(e)
}

func (b *Bridge) emitError(call llm.ToolCall, msg string) {
	e := proto.NewEvent(b.buildID, proto.EventError)
	e.ToolName = call.Name
	e.Message = msg
	b.bus.PublishEvent(e)
}

func (b *Bridge) emitCommand(cmdStr string, res sandbox.ExecResult) {
	e := proto.NewEvent(b.buildID, proto.EventCommand)
	e.Command = cmdStr
	e.Extra = map[string]any{
		"exit_code":   res.ExitCode,
		"stdout":      truncate(res.Stdout, displayLimit),
		"stderr":      truncate(res.Stderr, displayLimit),
		"duration_ms": res.Duration.Milliseconds(),
	}
	b.bus.PublishEvent(e)
}

func (b *Bridge) emitFileEvent(typ proto.EventType, path, content string) {
	e := proto.NewEvent(b.buildID, typ)
	e.Path = path
	e.ToolName = tools.WriteFile
	e.Extra = map[string]any{
		"byte_size":  len(content),
		"language":   languageFor(path),
		"line_count": strings.Count(content, "\n") + 1,
	}
	b.bus.PublishEvent(e)
}

// emitFeatureListIfParsable parses a feature_list.json write and emits a
// normalized feature_list event. Parse failures are swallowed: partial
// writes mid-stream are expected (spec §4.4).
func (b *Bridge) emitFeatureListIfParsable(content string) {
	mf, err := proto.ManifestFromJSON([]byte(content))
	if err != nil {
		b.logger.Debug("build %s: feature_list.json not yet valid JSON, skipping event: %v", b.buildID, err)
		return
	}
	e := proto.NewEvent(b.buildID, proto.EventFeatureList)
	e.Features = mf.Features
	progress := mf.Progress()
	e.Progress = &progress
	b.bus.PublishEvent(e)
}

var languageByExt = map[string]string{
	".go":   "go",
	".js":   "javascript",
	".jsx":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".py":   "python",
	".rb":   "ruby",
	".java": "java",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".rs":   "rust",
	".json": "json",
	".html": "html",
	".css":  "css",
	".md":   "markdown",
	".sh":   "shell",
	".yaml": "yaml",
	".yml":  "yaml",
	".sql":  "sql",
}

func languageFor(path string) string {
	if lang, ok := languageByExt[filepath.Ext(path)]; ok {
		return lang
	}
	return "text"
}

func stringField(input map[string]any, key string) (string, bool) {
	v, ok := input[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func combinedOutput(res sandbox.ExecResult) string {
	switch {
	case res.Stderr == "":
		return res.Stdout
	case res.Stdout == "":
		return res.Stderr
	default:
		return res.Stdout + "\n" + res.Stderr
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n...[truncated]"
}
