// Package contextmgr manages one phase conversation's message history:
// an ordered, provenance-tagged list that the orchestrator appends to,
// trims, and eventually hands to the LLM Provider Layer as a
// llm.CompletionRequest. Each phase conversation (Planning, Sequential,
// one per Parallel subagent) owns its own Manager; a Manager is only
// ever touched by the single goroutine driving that phase, so it needs
// no internal locking.
package contextmgr

import (
	"fmt"
	"strings"

	"orchestrator/pkg/llm"
	"orchestrator/pkg/llm/tokencount"
)

// trimKeepLast is how many of the most recent messages survive a Compact,
// alongside the first (system-prompt) message and one injected notice.
const trimKeepLast = 10

// Message is one turn of the conversation, tagged with where its content
// came from so callers can reason about history composition (e.g. when
// deciding whether a run is dominated by tool output).
//
//nolint:govet // logical field grouping preferred over byte-packing
type Message struct {
	Role        llm.CompletionRole
	Content     string
	Provenance  string // "system-prompt", "tool-result", "trim-notice", "feature-list", ...
	ToolCalls   []llm.ToolCall
	ToolResults []llm.ToolResult
}

// Fragment is a piece of not-yet-flushed user content, buffered so that
// several Append calls in the same turn collapse into a single user
// message (the LLM APIs this talks to require strict role alternation).
type Fragment struct {
	Provenance string
	Content    string
}

// Manager owns one phase conversation.
//
//nolint:govet // logical field grouping preferred over byte-packing
type Manager struct {
	messages   []Message
	userBuffer []Fragment

	pendingToolCalls   []llm.ToolCall
	pendingToolResults []llm.ToolResult
}

// NewManager creates a Manager with the given system prompt as message 0.
func NewManager(systemPrompt string) *Manager {
	return &Manager{
		messages: []Message{{
			Role:       llm.RoleSystem,
			Content:    strings.TrimSpace(systemPrompt),
			Provenance: "system-prompt",
		}},
	}
}

// SystemPrompt returns the system prompt (always index 0), or nil if the
// Manager was constructed without one.
func (m *Manager) SystemPrompt() *Message {
	if len(m.messages) == 0 {
		return nil
	}
	return &m.messages[0]
}

// Conversation returns the rolling window after the system prompt.
func (m *Manager) Conversation() []Message {
	if len(m.messages) <= 1 {
		return []Message{}
	}
	out := make([]Message, len(m.messages)-1)
	copy(out, m.messages[1:])
	return out
}

// ResetSystemPrompt replaces the system prompt and discards all history.
func (m *Manager) ResetSystemPrompt(content string) {
	m.messages = []Message{{
		Role:       llm.RoleSystem,
		Content:    strings.TrimSpace(content),
		Provenance: "system-prompt",
	}}
	m.userBuffer = m.userBuffer[:0]
	m.pendingToolCalls = nil
	m.pendingToolResults = nil
}

// Append buffers a piece of user-provenance content for the next flush.
// Empty content is silently dropped to avoid polluting the conversation
// with no-op turns.
func (m *Manager) Append(provenance, content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}
	provenance = strings.TrimSpace(provenance)
	if provenance == "" {
		provenance = "unknown"
	}
	m.userBuffer = append(m.userBuffer, Fragment{Provenance: provenance, Content: content})
}

// AddAssistantMessage appends a plain assistant turn.
func (m *Manager) AddAssistantMessage(content string) {
	m.messages = append(m.messages, Message{
		Role:       llm.RoleAssistant,
		Content:    strings.TrimSpace(content),
		Provenance: "llm-response",
	})
}

// AddAssistantMessageWithTools appends an assistant turn that issued tool
// calls, and remembers them so the matching AddToolResult calls can be
// batched into the next flushed user turn.
func (m *Manager) AddAssistantMessageWithTools(content string, calls []llm.ToolCall) {
	m.pendingToolCalls = calls
	m.messages = append(m.messages, Message{
		Role:       llm.RoleAssistant,
		Content:    strings.TrimSpace(content),
		Provenance: "llm-response-with-tools",
		ToolCalls:  calls,
	})
}

// AddToolResult queues a tool result for the next FlushUserBuffer call.
func (m *Manager) AddToolResult(toolCallID, content string, isError bool) {
	m.pendingToolResults = append(m.pendingToolResults, llm.ToolResult{
		ToolCallID: toolCallID,
		Content:    content,
		IsError:    isError,
	})
}

// FlushUserBuffer consolidates buffered fragments and any pending tool
// results into a single user message, preserving strict user/assistant
// alternation. It is a no-op if there are no buffered fragments and no
// pending tool results.
func (m *Manager) FlushUserBuffer() {
	if len(m.pendingToolResults) == 0 && len(m.userBuffer) == 0 {
		return
	}

	var content string
	if len(m.userBuffer) > 0 {
		parts := make([]string, len(m.userBuffer))
		for i := range m.userBuffer {
			parts[i] = m.userBuffer[i].Content
		}
		content = strings.Join(parts, "\n\n")
	} else {
		// Anthropic-style APIs require non-empty content even when the
		// turn carries only structured tool results.
		content = "Tool results:"
	}

	provenance := flushProvenance(m.userBuffer, len(m.pendingToolResults) > 0)

	m.messages = append(m.messages, Message{
		Role:        llm.RoleUser,
		Content:     content,
		Provenance:  provenance,
		ToolResults: m.pendingToolResults,
	})

	m.pendingToolResults = nil
	m.userBuffer = m.userBuffer[:0]
}

func flushProvenance(buf []Fragment, hasToolResults bool) string {
	switch {
	case hasToolResults && len(buf) > 0:
		return "tool-results-and-content"
	case hasToolResults:
		return "tool-results-only"
	case len(buf) == 0:
		return "unknown"
	}
	first := buf[0].Provenance
	for i := range buf {
		if buf[i].Provenance != first {
			return "mixed"
		}
	}
	return first
}

// CountTokens returns a tiktoken-based estimate of the full window:
// history plus anything still buffered and not yet flushed.
func (m *Manager) CountTokens() int {
	total := 0
	for i := range m.messages {
		total += tokencount.Count(string(m.messages[i].Role)) + tokencount.Count(m.messages[i].Content)
	}
	for i := range m.userBuffer {
		total += tokencount.Count(m.userBuffer[i].Content)
	}
	return total
}

// Compact applies the fixed message-trimming policy (spec.md §4.6): once
// the history exceeds maxMessages, keep the first (system-prompt)
// message, inject one trim-notice message summarizing what was dropped,
// and keep only the most recent trimKeepLast messages.
func (m *Manager) Compact(maxMessages int) {
	if len(m.messages) <= maxMessages {
		return
	}

	keepLast := trimKeepLast
	if keepLast > len(m.messages)-1 {
		keepLast = len(m.messages) - 1
	}
	dropped := len(m.messages) - 1 - keepLast
	if dropped <= 0 {
		return
	}

	first := m.messages[0]
	notice := Message{
		Role:       llm.RoleUser,
		Content:    fmt.Sprintf("[%d earlier messages omitted to stay within the context window]", dropped),
		Provenance: "trim-notice",
	}
	tail := m.messages[len(m.messages)-keepLast:]

	compacted := make([]Message, 0, keepLast+2)
	compacted = append(compacted, first, notice)
	compacted = append(compacted, tail...)
	m.messages = compacted
}

// ResetForSummary implements the context-length recovery path (spec.md
// §4.5): discards all history and rebuilds a summary prompt from the
// current progress and the next unfinished feature descriptions. Used
// when the provider returns a context-overflow error mid-run.
func (m *Manager) ResetForSummary(completed, total int, nextDescriptions []string) {
	if len(nextDescriptions) > 10 {
		nextDescriptions = nextDescriptions[:10]
	}

	var b strings.Builder
	b.WriteString("Context was reset after the provider reported the conversation exceeded its context window.\n")
	fmt.Fprintf(&b, "Progress so far: %d/%d features complete.\n", completed, total)
	if len(nextDescriptions) > 0 {
		b.WriteString("Next unfinished features:\n")
		for _, d := range nextDescriptions {
			fmt.Fprintf(&b, "- %s\n", d)
		}
	}

	systemPrompt := ""
	if sp := m.SystemPrompt(); sp != nil {
		systemPrompt = sp.Content
	}

	m.messages = []Message{
		{Role: llm.RoleSystem, Content: systemPrompt, Provenance: "system-prompt"},
		{Role: llm.RoleUser, Content: b.String(), Provenance: "context-reset-summary"},
	}
	m.userBuffer = m.userBuffer[:0]
	m.pendingToolCalls = nil
	m.pendingToolResults = nil
}

// Clear removes all messages and buffered state.
func (m *Manager) Clear() {
	m.messages = m.messages[:0]
	m.userBuffer = m.userBuffer[:0]
	m.pendingToolCalls = nil
	m.pendingToolResults = nil
}

// GetMessages returns a copy of the full message history.
func (m *Manager) GetMessages() []Message {
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// MessageCount returns the number of messages in the history.
func (m *Manager) MessageCount() int {
	return len(m.messages)
}

// ToCompletionMessages converts the current history into the
// llm.CompletionMessage slice a CompletionRequest expects.
func (m *Manager) ToCompletionMessages() []llm.CompletionMessage {
	out := make([]llm.CompletionMessage, len(m.messages))
	for i := range m.messages {
		out[i] = llm.CompletionMessage{
			Role:        m.messages[i].Role,
			Content:     m.messages[i].Content,
			ToolCalls:   m.messages[i].ToolCalls,
			ToolResults: m.messages[i].ToolResults,
		}
	}
	return out
}

// Summary returns a short human-readable description of the current
// context state, used in logs and diagnostics.
func (m *Manager) Summary() string {
	if len(m.messages) == 0 {
		return "empty context"
	}
	roleCounts := make(map[llm.CompletionRole]int)
	for i := range m.messages {
		roleCounts[m.messages[i].Role]++
	}
	parts := make([]string, 0, len(roleCounts))
	for role, count := range roleCounts {
		parts = append(parts, fmt.Sprintf("%s: %d", role, count))
	}
	return fmt.Sprintf("%d messages (%d tokens) - %s", len(m.messages), m.CountTokens(), strings.Join(parts, ", "))
}
