// Package bus provides the in-process and NATS event bus used by the
// orchestrator. Every side-effecting operation publishes exactly one
// typed event; subscribers are isolated from each other and must not
// block the publisher.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pairdev/pairdev/internal/tracing"
)

// Event represents a message on the event bus. SessionID is set for
// every session-scoped event; TraceID/SpanID are stamped from the
// publishing context when a span is recording.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"` // component that produced the event
	SessionID string                 `json:"session_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	TraceID   string                 `json:"trace_id,omitempty"`
	SpanID    string                 `json:"span_id,omitempty"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// NewSessionEvent creates an event scoped to a session, carrying any
// trace context found in ctx.
func NewSessionEvent(ctx context.Context, eventType, source, sessionID string, data map[string]interface{}) *Event {
	e := NewEvent(eventType, source, data)
	e.SessionID = sessionID
	e.TraceID, e.SpanID = tracing.SpanContext(ctx)
	return e
}

// FailureData builds the standard failure payload for error events.
func FailureData(err error) map[string]interface{} {
	return map[string]interface{}{
		"exception.type":    "error",
		"exception.message": err.Error(),
	}
}

// EventHandler is a function that handles an event
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations
type EventBus interface {
	// Publish sends an event to a subject
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe creates a queue subscription for load balancing
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Request sends a request and waits for a response (with timeout)
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)

	// Close closes the connection
	Close()

	// IsConnected returns connection status
	IsConnected() bool
}
