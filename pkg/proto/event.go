package proto

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"orchestrator/pkg/logx"
)

// EventType identifies the kind of Event flowing out of a build (spec §4.2).
type EventType string

// Event types emitted onto the per-build event bus.
const (
	EventPhase        EventType = "phase"
	EventThinking     EventType = "thinking"
	EventActivity     EventType = "activity"
	EventToolStart    EventType = "tool_start"
	EventToolEnd      EventType = "tool_end"
	EventCommand      EventType = "command"
	EventFileCreated  EventType = "file_created"
	EventFileModified EventType = "file_modified"
	EventFileDeleted  EventType = "file_deleted"
	EventError        EventType = "error"
	EventProgress     EventType = "progress"
	EventFeatureStart EventType = "feature_start"
	EventFeatureEnd   EventType = "feature_end"
	EventFeatureList  EventType = "feature_list"
	EventReviewGate   EventType = "review_gate"
)

// Event is a single unit of activity published on a build's event bus and,
// for durable kinds, persisted for replay (spec §4.2, §4.3).
//
//nolint:govet // logical field grouping preferred over byte-packing
type Event struct {
	ID         string         `json:"id"`
	BuildID    string         `json:"build_id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	Phase      string         `json:"phase,omitempty"`
	Message    string         `json:"message,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolInput  map[string]any `json:"tool_input,omitempty"`
	ToolOutput string         `json:"tool_output,omitempty"`
	Command    string         `json:"command,omitempty"`
	Path       string         `json:"path,omitempty"`
	Progress   *Progress      `json:"progress,omitempty"`
	Feature    string         `json:"feature,omitempty"`
	Features   []Feature      `json:"features,omitempty"`
	GateKind   string         `json:"gate_kind,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// NewEvent constructs an Event stamped with a fresh ID and the current time.
func NewEvent(buildID string, typ EventType) *Event {
	return &Event{
		ID:        uuid.New().String(),
		BuildID:   buildID,
		Type:      typ,
		Timestamp: time.Now().UTC(),
	}
}

// Durable reports whether this event kind is persisted for replay rather
// than only fanned out live. Thinking and activity fragments are
// high-volume and ephemeral; everything else survives a reconnect
// (spec §4.2 "late subscribers replay durable history first").
func (e *Event) Durable() bool {
	switch e.Type {
	case EventThinking, EventActivity:
		return false
	default:
		return true
	}
}

// ToJSON serializes the event for transport or persistence.
func (e *Event) ToJSON() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, logx.Wrap(err, "marshal event")
	}
	return data, nil
}

// EventFromJSON reconstructs an Event previously serialized with ToJSON.
func EventFromJSON(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, logx.Wrap(err, "unmarshal event")
	}
	return &e, nil
}
