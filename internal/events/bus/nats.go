package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/unforced/thinking-space/internal/common/config"
	"github.com/unforced/thinking-space/internal/common/logger"
)

// defaultPendingMsgs bounds how many undelivered events a NATS subscription
// may hold before the server-side connection marks it a slow consumer.
const defaultPendingMsgs = 4096

// NATSOption configures a NATSEventBus.
type NATSOption func(*NATSEventBus)

// WithPendingLimit sets the per-subscription message backlog. Values <= 0 keep
// the default.
func WithPendingLimit(n int) NATSOption {
	return func(b *NATSEventBus) {
		if n > 0 {
			b.pendingMsgs = n
		}
	}
}

// NATSEventBus publishes observer events to NATS. A NATS subscription delivers
// its messages sequentially, so each subscriber sees one publisher's events in
// publish order.
type NATSEventBus struct {
	conn        *nats.Conn
	logger      *logger.Logger
	config      config.NATSConfig
	pendingMsgs int
}

// NewNATSEventBus connects to cfg.URL. Reconnects are handled by the client
// library; events published while disconnected are buffered up to 5MB.
func NewNATSEventBus(cfg config.NATSConfig, log *logger.Logger, opts ...NATSOption) (*NATSEventBus, error) {
	log = log.WithComponent("nats")
	b := &NATSEventBus{
		logger:      log,
		config:      cfg,
		pendingMsgs: defaultPendingMsgs,
	}
	for _, opt := range opts {
		opt(b)
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2*time.Second),
		nats.ReconnectBufSize(5*1024*1024),
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
			}
		}),
		nats.ErrorHandler(b.handleAsyncError),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	b.conn = conn
	log.Info("Connected to NATS", zap.String("url", cfg.URL))
	return b, nil
}

// handleAsyncError reports errors the client raises outside a call. A slow
// consumer means the subscriber has lost events and its stream has a gap.
func (b *NATSEventBus) handleAsyncError(_ *nats.Conn, sub *nats.Subscription, err error) {
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	if errors.Is(err, nats.ErrSlowConsumer) {
		dropped := 0
		if sub != nil {
			dropped, _ = sub.Dropped()
		}
		b.logger.Warn("NATS subscriber is dropping events",
			zap.String("subject", subject),
			zap.Int("dropped", dropped))
		return
	}
	b.logger.Error("NATS error", zap.Error(err), zap.String("subject", subject))
}

// Publish sends an event to a subject
func (b *NATSEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := b.conn.Publish(subject, data); err != nil {
		if b.conn.IsClosed() {
			return ErrBusClosed
		}
		return fmt.Errorf("failed to publish event: %w", err)
	}

	b.logger.Debug("Published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
	)
	return nil
}

// Subscribe delivers events published on subject to handler, one at a time.
func (b *NATSEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	if b.conn.IsClosed() {
		return nil, ErrBusClosed
	}
	sub, err := b.conn.Subscribe(subject, b.msgHandler(handler))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	// Bytes are bounded by the reconnect buffer; only the count matters here.
	if err := sub.SetPendingLimits(b.pendingMsgs, -1); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("failed to set pending limits on %s: %w", subject, err)
	}

	b.logger.Debug("Subscribed to subject",
		zap.String("subject", subject),
		zap.Int("pending_limit", b.pendingMsgs))
	return &natsSubscription{sub: sub}, nil
}

// msgHandler decodes a NATS message back into an Event. Data arrives as
// generic JSON (map[string]any), which is all observers need to re-encode it.
func (b *NATSEventBus) msgHandler(handler EventHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			b.logger.Error("Failed to unmarshal event",
				zap.String("subject", msg.Subject),
				zap.Error(err),
			)
			return
		}

		if err := handler(context.Background(), &event); err != nil {
			b.logger.Error("Event handler failed",
				zap.String("subject", msg.Subject),
				zap.String("event_id", event.ID),
				zap.String("event_type", event.Type),
				zap.Error(err),
			)
		}
	}
}

// Close drains the NATS connection, falling back to a hard close.
func (b *NATSEventBus) Close() {
	if b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn("Error draining NATS connection", zap.Error(err))
		b.conn.Close()
	}
}

// IsConnected returns whether the NATS connection is active
func (b *NATSEventBus) IsConnected() bool {
	if b.conn == nil {
		return false
	}
	return b.conn.IsConnected()
}
