package broadcast

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/tinywideclouds/go-relay-service/pkg/relay"
)

// DefaultRedisChannel is the pub/sub channel shared by every gateway process.
const DefaultRedisChannel = "relay:broadcast"

// redisPubSubClient defines the interface we need from go-redis.
type redisPubSubClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// RedisChannel implements relay.BroadcastChannel with Redis PUBLISH/SUBSCRIBE
// on the same deployment that holds the presence table.
type RedisChannel struct {
	client  redisPubSubClient
	channel string
	codec   *Codec
	logger  *slog.Logger
}

// NewRedisChannel is the constructor for the RedisChannel.
func NewRedisChannel(client redisPubSubClient, channel string, codec *Codec, logger *slog.Logger) (*RedisChannel, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if codec == nil {
		return nil, fmt.Errorf("codec cannot be nil")
	}
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisChannel{
		client:  client,
		channel: channel,
		codec:   codec,
		logger:  logger.With("component", "redis_broadcast", "channel", channel),
	}, nil
}

// Publish sends the envelope to every subscribed process.
func (c *RedisChannel) Publish(ctx context.Context, env *relay.Envelope) error {
	frame, err := c.codec.Marshal(env)
	if err != nil {
		return err
	}
	if err := c.client.Publish(ctx, c.channel, frame).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", c.channel, err)
	}
	return nil
}

// Subscribe waits for the subscription confirmation, then hands every
// publication to handler from a single goroutine. go-redis re-subscribes
// on its own after a dropped connection.
func (c *RedisChannel) Subscribe(ctx context.Context, handler func(*relay.Envelope)) (relay.Subscription, error) {
	ps := c.client.Subscribe(ctx, c.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", c.channel, err)
	}
	c.logger.Info("Subscribed to broadcast channel")

	messages := ps.Channel()
	run := func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				env, err := c.codec.Unmarshal([]byte(msg.Payload))
				if err != nil {
					c.logger.Warn("Dropping unreadable broadcast frame", "err", err)
					continue
				}
				handler(env)
			}
		}
	}
	return startLoop(ctx, run, ps.Close), nil
}

// Close is a no-op; the client is owned by whoever created it.
func (c *RedisChannel) Close() error {
	return nil
}
