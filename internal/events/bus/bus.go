// Package bus provides the event bus used to fan session and task events
// out to subscribers.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope published on the bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates an event envelope with a fresh ID and timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler processes a received event.
type Handler func(ctx context.Context, event *Event)

// Unsubscribe removes a subscription.
type Unsubscribe func()

// EventBus publishes and subscribes to events by subject. Subjects use
// dot-separated tokens; subscriptions may use NATS-style wildcards
// ("task.*.events", "task.>").
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Unsubscribe, error)
	Close() error
}
