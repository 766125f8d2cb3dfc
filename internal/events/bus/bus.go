// Package bus provides the kernel's event bus: typed pub/sub over dotted
// subjects with NATS-style wildcards. The in-memory implementation is the
// default; a NATS-backed implementation serves clustered deployments.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event represents a message on the event bus. Seq is a kernel-wide monotonic
// sequence stamped at emit time; clients see it as __eventId.
type Event struct {
	ID        string         `json:"id"`
	Seq       uint64         `json:"__eventId"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp. Seq is
// assigned by the bus on publish.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler handles one event. Errors are logged by the bus and never
// propagated to other handlers.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the kernel's only cross-component channel.
//
// Delivery contract: within one Publish call, handlers run in registration
// order; across Publish calls on the same goroutine, delivery order equals
// publish order.
type EventBus interface {
	// Publish sends an event to a subject (normally the event type).
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern. Patterns
	// support NATS wildcards: * (one token) and > (rest).
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Request sends a request and waits for a response. Used by cluster
	// routing; the in-memory bus services it locally.
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)

	// Close closes the bus.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}

// Emit is a convenience for the common publish-on-own-type case.
func Emit(ctx context.Context, b EventBus, source, eventType string, data map[string]any) {
	_ = b.Publish(ctx, eventType, NewEvent(eventType, source, data))
}
