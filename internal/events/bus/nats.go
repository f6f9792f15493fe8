package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/pairdev/pairdev/internal/common/config"
	"github.com/pairdev/pairdev/internal/common/logger"
)

const (
	natsReconnectWait = 2 * time.Second

	// Session events keep flowing to the other orchestrator nodes
	// while a reconnect is in progress; this bounds how much is
	// buffered before events are dropped.
	natsReconnectBufSize = 8 * 1024 * 1024
)

// NATSEventBus is the multi-node EventBus backend. Subjects mirror the
// event taxonomy one-to-one (subject == event type), so NATS wildcard
// subscriptions like "multiplayer.>" behave exactly as the in-memory
// bus does in a single-node deployment.
type NATSEventBus struct {
	conn *nats.Conn
	log  *logger.Logger
}

// NewNATSEventBus connects to the configured NATS server. The
// connection retries per cfg.MaxReconnects and logs every state change
// so a flapping broker is visible in the orchestrator's own logs.
func NewNATSEventBus(cfg config.NATSConfig, log *logger.Logger) (*NATSEventBus, error) {
	conn, err := nats.Connect(cfg.URL, connectOptions(cfg, log)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	log.Info("Connected to NATS",
		zap.String("url", cfg.URL),
		zap.String("client_id", cfg.ClientID))
	return &NATSEventBus{conn: conn, log: log}, nil
}

func connectOptions(cfg config.NATSConfig, log *logger.Logger) []nats.Option {
	return []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(natsReconnectWait),
		nats.ReconnectBufSize(natsReconnectBufSize),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
				return
			}
			log.Info("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
				return
			}
			log.Info("NATS connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("NATS subscription error",
				zap.String("subject", sub.Subject),
				zap.Error(err))
		}),
	}
}

// Publish marshals the event as JSON onto its subject.
func (b *NATSEventBus) Publish(_ context.Context, subject string, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", event.Type, err)
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe delivers every matching event to handler.
func (b *NATSEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	sub, err := b.conn.Subscribe(subject, b.decodeInto(handler))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	return &natsSubscription{sub: sub}, nil
}

// QueueSubscribe delivers each matching event to one member of the
// queue group, for work that must run once across orchestrator nodes.
func (b *NATSEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	sub, err := b.conn.QueueSubscribe(subject, queue, b.decodeInto(handler))
	if err != nil {
		return nil, fmt.Errorf("failed to queue subscribe to %s: %w", subject, err)
	}
	return &natsSubscription{sub: sub}, nil
}

// decodeInto adapts an EventHandler to a NATS message handler. The
// publisher's context does not cross the wire, so handlers run under
// a fresh background context; trace linkage travels in the event's
// TraceID/SpanID fields instead.
func (b *NATSEventBus) decodeInto(handler EventHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.log.Error("Dropping undecodable event",
				zap.String("subject", msg.Subject),
				zap.Error(err))
			return
		}
		if err := handler(context.Background(), &event); err != nil {
			b.log.Error("Event handler failed",
				zap.String("subject", msg.Subject),
				zap.String("event_id", event.ID),
				zap.String("session_id", event.SessionID),
				zap.Error(err))
		}
	}
}

// Request publishes and waits up to timeout for a single reply.
func (b *NATSEventBus) Request(_ context.Context, subject string, event *Event, timeout time.Duration) (*Event, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request %s: %w", event.Type, err)
	}
	msg, err := b.conn.Request(subject, data, timeout)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", subject, err)
	}
	var response Event
	if err := json.Unmarshal(msg.Data, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response from %s: %w", subject, err)
	}
	return &response, nil
}

// Close drains in-flight messages before closing the connection.
func (b *NATSEventBus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.log.Warn("Error draining NATS connection", zap.Error(err))
		b.conn.Close()
	}
}

// IsConnected reports whether the connection is currently up.
func (b *NATSEventBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// natsSubscription adapts nats.Subscription to the bus Subscription.
type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) IsValid() bool {
	return s.sub != nil && s.sub.IsValid()
}
