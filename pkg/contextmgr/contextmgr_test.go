package contextmgr

import (
	"strings"
	"testing"

	"orchestrator/pkg/llm"
)

func TestNewManagerSetsSystemPrompt(t *testing.T) {
	m := NewManager("You are a helpful assistant")

	if m.MessageCount() != 1 {
		t.Fatalf("MessageCount() = %d, want 1", m.MessageCount())
	}
	sp := m.SystemPrompt()
	if sp == nil || sp.Role != llm.RoleSystem || sp.Content != "You are a helpful assistant" {
		t.Errorf("SystemPrompt() = %+v, want system prompt message", sp)
	}
	if len(m.Conversation()) != 0 {
		t.Errorf("Conversation() should be empty for a fresh manager, got %d", len(m.Conversation()))
	}
}

func TestAppendThenFlushProducesUserMessage(t *testing.T) {
	m := NewManager("system")
	m.Append("tool-result", "hello")
	m.Append("tool-result", "world")
	m.FlushUserBuffer()

	conv := m.Conversation()
	if len(conv) != 1 {
		t.Fatalf("Conversation() len = %d, want 1", len(conv))
	}
	if conv[0].Role != llm.RoleUser {
		t.Errorf("Role = %s, want user", conv[0].Role)
	}
	if conv[0].Content != "hello\n\nworld" {
		t.Errorf("Content = %q, want joined fragments", conv[0].Content)
	}
	if conv[0].Provenance != "tool-result" {
		t.Errorf("Provenance = %q, want tool-result (all fragments share it)", conv[0].Provenance)
	}
}

func TestFlushWithMixedProvenanceIsMixed(t *testing.T) {
	m := NewManager("system")
	m.Append("tool-result", "a")
	m.Append("trim-notice", "b")
	m.FlushUserBuffer()

	conv := m.Conversation()
	if conv[0].Provenance != "mixed" {
		t.Errorf("Provenance = %q, want mixed", conv[0].Provenance)
	}
}

func TestFlushIsNoOpWhenNothingBuffered(t *testing.T) {
	m := NewManager("system")
	m.AddAssistantMessage("hi")
	before := m.MessageCount()

	m.FlushUserBuffer()

	if m.MessageCount() != before {
		t.Errorf("FlushUserBuffer with nothing buffered changed message count: %d -> %d", before, m.MessageCount())
	}
}

func TestToolResultsBatchWithBufferedContent(t *testing.T) {
	m := NewManager("system")
	m.AddAssistantMessageWithTools("running a command", []llm.ToolCall{{ID: "t1", Name: "bash"}})
	m.AddToolResult("t1", "output here", false)
	m.Append("human-feedback", "looks good")
	m.FlushUserBuffer()

	conv := m.Conversation()
	last := conv[len(conv)-1]
	if last.Provenance != "tool-results-and-content" {
		t.Errorf("Provenance = %q, want tool-results-and-content", last.Provenance)
	}
	if len(last.ToolResults) != 1 || last.ToolResults[0].Content != "output here" {
		t.Errorf("ToolResults = %+v, want the queued result", last.ToolResults)
	}
}

func TestToolResultsOnlyGetsPlaceholderContent(t *testing.T) {
	m := NewManager("system")
	m.AddToolResult("t1", "output", false)
	m.FlushUserBuffer()

	conv := m.Conversation()
	if conv[0].Content == "" {
		t.Error("expected non-empty placeholder content for a tool-results-only turn")
	}
	if conv[0].Provenance != "tool-results-only" {
		t.Errorf("Provenance = %q, want tool-results-only", conv[0].Provenance)
	}
}

func TestEmptyAppendIsIgnored(t *testing.T) {
	m := NewManager("system")
	m.Append("user", "")
	m.Append("user", "   \n\t  ")
	m.FlushUserBuffer()

	if len(m.Conversation()) != 0 {
		t.Errorf("expected empty fragments to be dropped, got %d conversation messages", len(m.Conversation()))
	}
}

func TestCompactPreservesFirstMessageAndKeepsLastTen(t *testing.T) {
	m := NewManager("system prompt")
	for i := 0; i < 150; i++ {
		m.AddAssistantMessage("message content")
	}
	if m.MessageCount() != 151 {
		t.Fatalf("MessageCount() = %d, want 151", m.MessageCount())
	}

	m.Compact(100)

	// first (system) + trim-notice + last 10 = 12
	if m.MessageCount() != 12 {
		t.Fatalf("MessageCount() after Compact = %d, want 12", m.MessageCount())
	}
	msgs := m.GetMessages()
	if msgs[0].Provenance != "system-prompt" {
		t.Errorf("first message provenance = %q, want system-prompt", msgs[0].Provenance)
	}
	if msgs[1].Provenance != "trim-notice" {
		t.Errorf("second message provenance = %q, want trim-notice", msgs[1].Provenance)
	}
	if !strings.Contains(msgs[1].Content, "140") {
		t.Errorf("trim-notice should report the dropped count, got: %s", msgs[1].Content)
	}
}

func TestCompactBelowThresholdIsNoOp(t *testing.T) {
	m := NewManager("system")
	for i := 0; i < 5; i++ {
		m.AddAssistantMessage("msg")
	}
	before := m.MessageCount()

	m.Compact(100)

	if m.MessageCount() != before {
		t.Errorf("Compact should be a no-op under the threshold: %d -> %d", before, m.MessageCount())
	}
}

func TestResetForSummaryDiscardsHistoryAndKeepsSystemPrompt(t *testing.T) {
	m := NewManager("You are a builder")
	for i := 0; i < 30; i++ {
		m.AddAssistantMessage("work happened")
	}

	next := []string{"feature A", "feature B", "feature C"}
	m.ResetForSummary(4, 10, next)

	if m.MessageCount() != 2 {
		t.Fatalf("MessageCount() after reset = %d, want 2", m.MessageCount())
	}
	msgs := m.GetMessages()
	if msgs[0].Role != llm.RoleSystem || msgs[0].Content != "You are a builder" {
		t.Errorf("system prompt not preserved across reset: %+v", msgs[0])
	}
	if !strings.Contains(msgs[1].Content, "4/10") {
		t.Errorf("expected progress in summary, got: %s", msgs[1].Content)
	}
	for _, d := range next {
		if !strings.Contains(msgs[1].Content, d) {
			t.Errorf("expected %q in summary content, got: %s", d, msgs[1].Content)
		}
	}
}

func TestResetForSummaryCapsAtTenDescriptions(t *testing.T) {
	m := NewManager("system")
	var next []string
	for i := 0; i < 25; i++ {
		next = append(next, "feature")
	}
	m.ResetForSummary(0, 25, next)

	msgs := m.GetMessages()
	if strings.Count(msgs[1].Content, "- feature\n") != 10 {
		t.Errorf("expected exactly 10 feature lines, got %d", strings.Count(msgs[1].Content, "- feature\n"))
	}
}

func TestCountTokensGrowsWithContent(t *testing.T) {
	m := NewManager("")
	empty := m.CountTokens()

	m.Append("user", "some reasonably long piece of content to count tokens against")
	if m.CountTokens() <= empty {
		t.Error("expected CountTokens to grow once content is buffered")
	}
}

func TestToCompletionMessagesRoundTripsRoleAndContent(t *testing.T) {
	m := NewManager("system")
	m.AddAssistantMessage("hello")

	out := m.ToCompletionMessages()
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	if out[1].Role != llm.RoleAssistant || out[1].Content != "hello" {
		t.Errorf("out[1] = %+v, want assistant/hello", out[1])
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	m := NewManager("system")
	m.AddAssistantMessageWithTools("running", []llm.ToolCall{{ID: "t1", Name: "bash", Parameters: map[string]any{"command": "ls"}}})
	m.AddToolResult("t1", "file1\nfile2", false)
	m.FlushUserBuffer()

	data, err := m.Serialize()
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	restored := &Manager{}
	if err := restored.Deserialize(data); err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}

	if restored.MessageCount() != m.MessageCount() {
		t.Errorf("MessageCount mismatch: got %d, want %d", restored.MessageCount(), m.MessageCount())
	}
	origMsgs := m.GetMessages()
	gotMsgs := restored.GetMessages()
	for i := range origMsgs {
		if origMsgs[i].Content != gotMsgs[i].Content || origMsgs[i].Role != gotMsgs[i].Role {
			t.Errorf("message %d mismatch: got %+v, want %+v", i, gotMsgs[i], origMsgs[i])
		}
	}
}

func TestClearResetsEverything(t *testing.T) {
	m := NewManager("system")
	m.AddAssistantMessage("hi")
	m.Append("user", "pending")

	m.Clear()

	if m.MessageCount() != 0 {
		t.Errorf("MessageCount() after Clear = %d, want 0", m.MessageCount())
	}
	if m.CountTokens() != 0 {
		t.Errorf("CountTokens() after Clear = %d, want 0", m.CountTokens())
	}
}

func TestSummaryReportsRoleBreakdown(t *testing.T) {
	m := NewManager("system")
	m.Append("user", "hi")
	m.FlushUserBuffer()
	m.AddAssistantMessage("hello")

	summary := m.Summary()
	if !strings.Contains(summary, "3 messages") {
		t.Errorf("Summary() = %q, want it to mention 3 messages", summary)
	}
}
