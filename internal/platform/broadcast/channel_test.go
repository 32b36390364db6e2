package broadcast_test

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-relay-service/internal/platform/broadcast"
	"github.com/tinywideclouds/go-relay-service/pkg/relay"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// collector records envelopes delivered to one subscriber.
type collector struct {
	mu   sync.Mutex
	envs []*relay.Envelope
}

func (c *collector) handle(env *relay.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

func (c *collector) last() *relay.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.envs[len(c.envs)-1]
}

// exerciseChannel checks the broadcast contract shared by every backend:
// every subscriber sees every publication, closed subscribers see nothing.
func exerciseChannel(t *testing.T, publisher relay.BroadcastChannel, subscribers ...relay.BroadcastChannel) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	collectors := make([]*collector, len(subscribers))
	subs := make([]relay.Subscription, len(subscribers))
	for i, ch := range subscribers {
		collectors[i] = &collector{}
		sub, err := ch.Subscribe(ctx, collectors[i].handle)
		require.NoError(t, err)
		subs[i] = sub
	}

	env := testEnvelope("hi")
	require.NoError(t, publisher.Publish(ctx, env))

	for i, c := range collectors {
		require.Eventually(t, func() bool { return c.count() == 1 }, 5*time.Second, 10*time.Millisecond,
			"subscriber %d did not receive the publication", i)
		got := c.last()
		assert.Equal(t, env.Target, got.Target)
		assert.Equal(t, env.Origin, got.Origin)
		assert.Equal(t, relay.EventPrivateMessage, got.Event)
		assert.JSONEq(t, string(env.Data), string(got.Data))
	}

	// Closing one subscription leaves the others receiving.
	require.NoError(t, subs[0].Close())
	require.NoError(t, subs[0].Close(), "close is idempotent")

	require.NoError(t, publisher.Publish(ctx, testEnvelope("again")))
	for i := 1; i < len(collectors); i++ {
		c := collectors[i]
		require.Eventually(t, func() bool { return c.count() == 2 }, 5*time.Second, 10*time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, collectors[0].count(), "closed subscriber must not receive")

	for _, sub := range subs[1:] {
		require.NoError(t, sub.Close())
	}
}

func TestMemoryChannel(t *testing.T) {
	bus := broadcast.NewMemoryChannel(testLogger)
	exerciseChannel(t, bus, bus, bus)

	require.NoError(t, bus.Close())
	assert.Error(t, bus.Publish(context.Background(), testEnvelope("late")))
	_, err := bus.Subscribe(context.Background(), func(*relay.Envelope) {})
	assert.Error(t, err)
}

func TestRedisChannel(t *testing.T) {
	mr := miniredis.RunT(t)

	newChannel := func(compression broadcast.Compression) *broadcast.RedisChannel {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		codec := broadcast.MustCodec(compression)
		t.Cleanup(codec.Close)
		ch, err := broadcast.NewRedisChannel(rdb, "", codec, testLogger)
		require.NoError(t, err)
		return ch
	}

	// Three "processes", each with its own client and codec setting.
	exerciseChannel(t,
		newChannel(broadcast.CompressionZstd),
		newChannel(broadcast.CompressionNone),
		newChannel(broadcast.CompressionSnappy),
	)
}

func TestRedisChannel_LargeCompressedPayload(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ch, err := broadcast.NewRedisChannel(rdb, "relay:test", broadcast.MustCodec(broadcast.CompressionSnappy), testLogger)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	c := &collector{}
	sub, err := ch.Subscribe(ctx, c.handle)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	body := strings.Repeat("payload ", 1000)
	require.NoError(t, ch.Publish(ctx, testEnvelope(body)))
	require.Eventually(t, func() bool { return c.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, string(c.last().Data), body)
}

func TestRedisChannel_Constructor(t *testing.T) {
	_, err := broadcast.NewRedisChannel(nil, "", broadcast.MustCodec(broadcast.CompressionNone), testLogger)
	assert.Error(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	t.Cleanup(func() { _ = rdb.Close() })
	_, err = broadcast.NewRedisChannel(rdb, "", nil, testLogger)
	assert.Error(t, err)
}

func TestNATSChannel(t *testing.T) {
	srv := natsserver.RunRandClientPortServer()
	t.Cleanup(srv.Shutdown)

	newChannel := func() *broadcast.NATSChannel {
		nc, err := nats.Connect(srv.ClientURL())
		require.NoError(t, err)
		t.Cleanup(nc.Close)
		ch, err := broadcast.NewNATSChannel(nc, "", broadcast.MustCodec(broadcast.CompressionZstd), testLogger)
		require.NoError(t, err)
		return ch
	}

	exerciseChannel(t, newChannel(), newChannel(), newChannel())
}
