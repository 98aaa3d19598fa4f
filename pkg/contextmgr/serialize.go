package contextmgr

import (
	"encoding/json"
	"fmt"

	"orchestrator/pkg/llm"
)

// SerializedMessage is the JSON-stable form of a Message.
//
//nolint:govet // struct alignment optimization not critical for serialization types.
type SerializedMessage struct {
	Role        llm.CompletionRole `json:"role"`
	Content     string             `json:"content"`
	Provenance  string             `json:"provenance,omitempty"`
	ToolCalls   []llm.ToolCall     `json:"tool_calls,omitempty"`
	ToolResults []llm.ToolResult   `json:"tool_results,omitempty"`
}

// SerializedFragment is the JSON-stable form of a Fragment.
type SerializedFragment struct {
	Provenance string `json:"provenance"`
	Content    string `json:"content"`
}

// SerializedManager is the full Manager state for persistence across a
// build process restart mid-phase.
type SerializedManager struct {
	Messages           []SerializedMessage  `json:"messages"`
	UserBuffer         []SerializedFragment `json:"user_buffer,omitempty"`
	PendingToolCalls   []llm.ToolCall       `json:"pending_tool_calls,omitempty"`
	PendingToolResults []llm.ToolResult     `json:"pending_tool_results,omitempty"`
}

// Serialize converts the Manager's state to JSON bytes.
func (m *Manager) Serialize() ([]byte, error) {
	sm := SerializedManager{
		Messages: make([]SerializedMessage, len(m.messages)),
	}
	for i := range m.messages {
		sm.Messages[i] = SerializedMessage{
			Role:        m.messages[i].Role,
			Content:     m.messages[i].Content,
			Provenance:  m.messages[i].Provenance,
			ToolCalls:   m.messages[i].ToolCalls,
			ToolResults: m.messages[i].ToolResults,
		}
	}
	if len(m.userBuffer) > 0 {
		sm.UserBuffer = make([]SerializedFragment, len(m.userBuffer))
		for i := range m.userBuffer {
			sm.UserBuffer[i] = SerializedFragment{
				Provenance: m.userBuffer[i].Provenance,
				Content:    m.userBuffer[i].Content,
			}
		}
	}
	sm.PendingToolCalls = m.pendingToolCalls
	sm.PendingToolResults = m.pendingToolResults

	data, err := json.Marshal(sm)
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}
	return data, nil
}

// Deserialize replaces the Manager's state with the result of a prior
// Serialize call.
func (m *Manager) Deserialize(data []byte) error {
	var sm SerializedManager
	if err := json.Unmarshal(data, &sm); err != nil {
		return fmt.Errorf("unmarshal context: %w", err)
	}

	m.messages = make([]Message, len(sm.Messages))
	for i := range sm.Messages {
		m.messages[i] = Message{
			Role:        sm.Messages[i].Role,
			Content:     sm.Messages[i].Content,
			Provenance:  sm.Messages[i].Provenance,
			ToolCalls:   sm.Messages[i].ToolCalls,
			ToolResults: sm.Messages[i].ToolResults,
		}
	}

	m.userBuffer = make([]Fragment, len(sm.UserBuffer))
	for i := range sm.UserBuffer {
		m.userBuffer[i] = Fragment{
			Provenance: sm.UserBuffer[i].Provenance,
			Content:    sm.UserBuffer[i].Content,
		}
	}

	m.pendingToolCalls = sm.PendingToolCalls
	m.pendingToolResults = sm.PendingToolResults
	return nil
}
