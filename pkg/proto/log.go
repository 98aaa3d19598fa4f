package proto

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"orchestrator/pkg/logx"
)

// LogLevel classifies a LogEntry's severity.
type LogLevel string

// Log levels recorded alongside a build (spec §4.3).
const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
	LogTool  LogLevel = "tool"
	LogDebug LogLevel = "debug"
)

// LogEntry is a single durable log line attached to a build.
type LogEntry struct {
	ID        string    `json:"id"`
	BuildID   string    `json:"build_id"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NewLogEntry constructs a LogEntry stamped with a fresh ID and the current time.
func NewLogEntry(buildID string, level LogLevel, message string) *LogEntry {
	return &LogEntry{
		ID:        uuid.New().String(),
		BuildID:   buildID,
		Level:     level,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// ToJSON serializes the log entry for transport or persistence.
func (l *LogEntry) ToJSON() ([]byte, error) {
	data, err := json.Marshal(l)
	if err != nil {
		return nil, logx.Wrap(err, "marshal log entry")
	}
	return data, nil
}

// LogEntryFromJSON reconstructs a LogEntry previously serialized with ToJSON.
func LogEntryFromJSON(data []byte) (*LogEntry, error) {
	var l LogEntry
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, logx.Wrap(err, "unmarshal log entry")
	}
	return &l, nil
}
