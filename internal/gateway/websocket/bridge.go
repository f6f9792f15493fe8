package websocket

import (
	"context"
	"time"

	apperrors "github.com/pairdev/pairdev/internal/common/errors"
	"github.com/pairdev/pairdev/internal/common/logger"
	"github.com/pairdev/pairdev/internal/events/bus"
)

// bridgedSubjects are the event domains forwarded to session rooms.
var bridgedSubjects = []string{
	"multiplayer.>",
	"prompt.>",
	"client.>",
	"session.>",
	"snapshot.>",
	"background.>",
}

// Bridge forwards session-scoped bus events into hub rooms.
type Bridge struct {
	hub    *Hub
	bus    bus.EventBus
	logger *logger.Logger
	subs   []bus.Subscription
}

// NewBridge creates a bridge between the event bus and the hub.
func NewBridge(hub *Hub, eventBus bus.EventBus, log *logger.Logger) *Bridge {
	return &Bridge{
		hub:    hub,
		bus:    eventBus,
		logger: log.WithComponent("ws-bridge"),
	}
}

// Start subscribes to the bridged subjects.
func (b *Bridge) Start() error {
	for _, subject := range bridgedSubjects {
		sub, err := b.bus.Subscribe(subject, b.forward)
		if err != nil {
			b.Stop()
			return apperrors.Wrap(err, "failed to subscribe to "+subject)
		}
		b.subs = append(b.subs, sub)
	}
	return nil
}

// Stop removes the bus subscriptions. Connected clients are untouched.
func (b *Bridge) Stop() {
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = nil
}

func (b *Bridge) forward(_ context.Context, event *bus.Event) error {
	if event.SessionID == "" {
		return nil
	}
	b.hub.Broadcast(&Notification{
		Type:      event.Type,
		SessionID: event.SessionID,
		Timestamp: event.Timestamp.UTC().Format(time.RFC3339Nano),
		Data:      event.Data,
	})
	return nil
}
