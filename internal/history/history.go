package history

import (
	"context"
	"time"
)

// EventType defines the kind of audit record.
type EventType string

const (
	EventSessionStart EventType = "session_start"
	EventSessionStop  EventType = "session_stop"
	EventSessionCrash EventType = "session_crash"
	EventAlert        EventType = "alert"
)

// Record carries the session and alert fields persisted with each event.
// Alert fields are empty for lifecycle events.
type Record struct {
	SessionID string `json:"session_id"`
	PID       int    `json:"pid"`
	State     string `json:"state,omitempty"`
	Category  string `json:"category,omitempty"`
	Severity  string `json:"severity,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Event is one audit entry to be exported to a history backend.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events. Implementations must be safe
// for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

// AlertReader is implemented by sinks that can serve recent alert events
// back out (used by the HTTP API's alerts endpoint).
type AlertReader interface {
	RecentAlerts(ctx context.Context, sessionID string, limit int) ([]Event, error)
}
