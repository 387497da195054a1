package history

import (
	"context"
	"time"
)

// EventType defines the kind of worker lifecycle event.
type EventType string

const (
	EventStart     EventType = "start"     // worker runner spawned
	EventStop      EventType = "stop"      // worker returned cleanly
	EventFail      EventType = "fail"      // worker failed, counted against the retry budget
	EventRestart   EventType = "restart"   // restart performed (backoff, stale, or manual)
	EventExhausted EventType = "exhausted" // retry budget spent, manual restart required
)

// Event is one worker lifecycle transition exported to an audit sink.
// The supervisor's own state stays in memory; sinks are append-only.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Phase      string    `json:"phase"`
	ErrorCount int       `json:"error_count"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for lifecycle events (audit/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}
