// Package bus provides the event bus the orchestrator and its sessions
// communicate over. Two implementations exist: NATS for a real deployment
// and an in-memory bus with the same subject semantics for single-process
// use and tests.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is a message on the bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"` // component that produced the event
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates an event with a fresh id and the current time.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// replyKey is the data key carrying the reply subject for request/reply.
// Responders publish their answer to event.Data[replyKey].
const replyKey = "_reply"

// ReplySubject extracts the reply inbox from a request event, if present.
func ReplySubject(event *Event) (string, bool) {
	if event == nil || event.Data == nil {
		return "", false
	}
	subject, ok := event.Data[replyKey].(string)
	return subject, ok && subject != ""
}

// Handler processes one event. Returning an error logs it; delivery is not
// retried.
type Handler func(ctx context.Context, event *Event) error

// Subscription is an active subject subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the transport contract. Subjects are dot-separated atoms with
// NATS-style wildcards: * matches one atom, > matches the rest.
type Bus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe registers a handler for a subject pattern.
	Subscribe(subject string, handler Handler) (Subscription, error)

	// Request publishes with a reply inbox and waits for a single response.
	// Expiry surfaces as errdefs.ErrTimeout.
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)

	// Close shuts the bus down, draining in-flight deliveries where the
	// transport supports it.
	Close()

	// IsConnected reports whether the bus can currently deliver.
	IsConnected() bool
}
