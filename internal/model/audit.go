package model

import "time"

// LogLevel is the severity of an audit event.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// ParseLogLevel validates a level string from an untrusted caller.
func ParseLogLevel(s string) (LogLevel, bool) {
	switch LogLevel(s) {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return LogLevel(s), true
	}
	return "", false
}

// AuditEvent is an immutable, append-only record of one pipeline transition
// or tool action. Loss of an event must never abort the triggering operation.
type AuditEvent struct {
	RequestID string         `json:"request_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Tool      string         `json:"tool,omitempty"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
