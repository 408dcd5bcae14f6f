// Package bus provides the in-process event bus: a bounded publish
// queue, a single background dispatch loop, and per-subscriber circuit
// breakers so one failing consumer never blocks the rest of the system.
package bus

import (
	"context"
	"time"

	"github.com/arcwell/maestro/id"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	// Run events.
	EventRunStarted       EventType = "run.started"
	EventRunBlocked       EventType = "run.blocked"
	EventRunStepCompleted EventType = "run.step_completed"
	EventRunCompleted     EventType = "run.completed"
	EventRunFailed        EventType = "run.failed"

	// Job events.
	EventJobEnqueued EventType = "job.enqueued"
	EventJobRetrying EventType = "job.retrying"
	EventJobFailed   EventType = "job.failed"

	// Supervised process events.
	EventProcOutput EventType = "proc.output"

	// Schedule events.
	EventEntryFired EventType = "entry.fired"
)

// Event is an immutable record published to the bus. Payload values
// must not be mutated after Publish.
type Event struct {
	ID            id.EventID     `json:"id"`
	Type          EventType      `json:"type"`
	Payload       map[string]any `json:"payload,omitempty"`
	Source        string         `json:"source,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Timestamp     time.Time      `json:"ts"`
}

// NewEvent creates an event stamped with a fresh ID and the current UTC time.
func NewEvent(evtType EventType, source, correlationID string, payload map[string]any) *Event {
	return &Event{
		ID:            id.NewEventID(),
		Type:          evtType,
		Payload:       payload,
		Source:        source,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
	}
}

// Handler consumes events dispatched by the bus. Implementations may be
// synchronous or spin off their own goroutines; the bus only observes
// the returned error and the time taken.
type Handler interface {
	Handle(ctx context.Context, evt *Event) error
}

// HandlerFunc adapts an ordinary function to the Handler interface.
type HandlerFunc func(ctx context.Context, evt *Event) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, evt *Event) error {
	return f(ctx, evt)
}
