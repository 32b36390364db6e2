package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinywideclouds/go-relay-service/pkg/relay"
)

const memoryBuffer = 256

// MemoryChannel is an in-process broadcast channel. Every gateway sharing
// the same MemoryChannel value behaves as if it were a separate process on
// a shared bus. Used by tests and the local run mode.
type MemoryChannel struct {
	codec  *Codec
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[int]chan []byte
	nextID int
	closed bool
}

// NewMemoryChannel creates an empty in-process bus.
func NewMemoryChannel(logger *slog.Logger) *MemoryChannel {
	return &MemoryChannel{
		codec:  MustCodec(CompressionNone),
		logger: logger.With("component", "memory_broadcast"),
		subs:   make(map[int]chan []byte),
	}
}

// Publish copies the envelope to every subscriber. A subscriber whose
// buffer is full misses the publication, as a lossy bus would.
func (c *MemoryChannel) Publish(ctx context.Context, env *relay.Envelope) error {
	frame, err := c.codec.Marshal(env)
	if err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return fmt.Errorf("memory broadcast channel is closed")
	}
	for id, ch := range c.subs {
		select {
		case ch <- frame:
		case <-ctx.Done():
			return ctx.Err()
		default:
			c.logger.Warn("Subscriber buffer full, dropping publication", "subscriber", id)
		}
	}
	return nil
}

// Subscribe registers a new subscriber.
func (c *MemoryChannel) Subscribe(ctx context.Context, handler func(*relay.Envelope)) (relay.Subscription, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("memory broadcast channel is closed")
	}
	id := c.nextID
	c.nextID++
	frames := make(chan []byte, memoryBuffer)
	c.subs[id] = frames
	c.mu.Unlock()

	run := func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case frame := <-frames:
				env, err := c.codec.Unmarshal(frame)
				if err != nil {
					c.logger.Warn("Dropping unreadable broadcast frame", "err", err)
					continue
				}
				handler(env)
			}
		}
	}
	release := func() error {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		return nil
	}
	return startLoop(ctx, run, release), nil
}

// Close rejects further publications and subscriptions.
func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
