package broadcast

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/tinywideclouds/go-relay-service/pkg/relay"
)

// DefaultNATSSubject is the subject shared by every gateway process.
const DefaultNATSSubject = "relay.broadcast"

// NATSChannel implements relay.BroadcastChannel over a NATS subject. Core
// NATS delivery is at-most-once, matching the relay's contract.
type NATSChannel struct {
	conn    *nats.Conn
	subject string
	codec   *Codec
	logger  *slog.Logger
}

// NewNATSChannel is the constructor for the NATSChannel.
func NewNATSChannel(conn *nats.Conn, subject string, codec *Codec, logger *slog.Logger) (*NATSChannel, error) {
	if conn == nil {
		return nil, fmt.Errorf("nats connection cannot be nil")
	}
	if codec == nil {
		return nil, fmt.Errorf("codec cannot be nil")
	}
	if subject == "" {
		subject = DefaultNATSSubject
	}
	return &NATSChannel{
		conn:    conn,
		subject: subject,
		codec:   codec,
		logger:  logger.With("component", "nats_broadcast", "subject", subject),
	}, nil
}

// Publish sends the envelope to every subscribed process.
func (c *NATSChannel) Publish(_ context.Context, env *relay.Envelope) error {
	frame, err := c.codec.Marshal(env)
	if err != nil {
		return err
	}
	if err := c.conn.Publish(c.subject, frame); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", c.subject, err)
	}
	return nil
}

// Subscribe registers the handler and flushes so the server has seen the
// interest before returning. NATS calls the handler serially.
func (c *NATSChannel) Subscribe(ctx context.Context, handler func(*relay.Envelope)) (relay.Subscription, error) {
	sub, err := c.conn.Subscribe(c.subject, func(msg *nats.Msg) {
		env, err := c.codec.Unmarshal(msg.Data)
		if err != nil {
			c.logger.Warn("Dropping unreadable broadcast frame", "err", err)
			return
		}
		handler(env)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", c.subject, err)
	}
	if err := c.conn.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("failed to confirm subscription to %s: %w", c.subject, err)
	}
	c.logger.Info("Subscribed to broadcast subject")

	// The callback runs on the NATS goroutine; the loop only waits for the
	// stop signal.
	run := func(ctx context.Context) { <-ctx.Done() }
	return startLoop(ctx, run, sub.Unsubscribe), nil
}

// Close is a no-op; the connection is owned by whoever created it.
func (c *NATSChannel) Close() error {
	return nil
}
