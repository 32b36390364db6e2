package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/tinywideclouds/go-relay-service/internal/platform/broadcast"
	"github.com/tinywideclouds/go-relay-service/internal/platform/redisconn"
	"github.com/tinywideclouds/go-relay-service/internal/platform/store"
	"github.com/tinywideclouds/go-relay-service/pkg/relay"
	"github.com/tinywideclouds/go-relay-service/relayservice/config"
)

// dependencies is the service dependency container.
type dependencies struct {
	store   relay.PresenceStore
	channel relay.BroadcastChannel
	ready   func(ctx context.Context) error
	// closers run in order after the server and subscription have stopped.
	closers []io.Closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// newDependencies builds every backend named by cfg. On error, anything
// already opened is closed.
func newDependencies(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (_ *dependencies, err error) {
	deps := &dependencies{ready: func(context.Context) error { return nil }}
	var opened []io.Closer
	defer func() {
		if err != nil {
			for i := len(opened) - 1; i >= 0; i-- {
				_ = opened[i].Close()
			}
		}
	}()

	var rdb *redis.Client
	if cfg.UsesRedis() {
		var tracker *redisconn.Tracker
		rdb, tracker, err = newRedis(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		opened = append(opened, rdb, closerFunc(func() error { tracker.Close(); return nil }))
		deps.ready = func(context.Context) error {
			if s := tracker.State(); s != redisconn.StateConnected {
				return fmt.Errorf("presence store %s", s)
			}
			return nil
		}
	}

	var fsClient *firestore.Client
	var psClient *pubsub.Client
	if cfg.Presence.Backend == "firestore" {
		logger.Debug("Connecting to Firestore", "project_id", cfg.ProjectID)
		fsClient, err = firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to firestore: %w", err)
		}
		opened = append(opened, fsClient)
	}
	if cfg.Broadcast.Backend == "pubsub" {
		logger.Debug("Connecting to PubSub", "project_id", cfg.ProjectID)
		psClient, err = pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to pubsub: %w", err)
		}
		opened = append(opened, psClient)
	}

	deps.store, err = newPresenceStore(cfg, rdb, fsClient, logger)
	if err != nil {
		return nil, err
	}

	codec, err := broadcast.NewCodec(broadcast.Compression(cfg.Broadcast.Compression))
	if err != nil {
		return nil, err
	}
	opened = append(opened, closerFunc(func() error { codec.Close(); return nil }))

	var extra []io.Closer
	deps.channel, extra, err = newBroadcastChannel(ctx, cfg, rdb, psClient, codec, logger)
	if err != nil {
		return nil, err
	}

	// Channel first, then its transport, then the store and its clients.
	deps.closers = append([]io.Closer{deps.channel}, extra...)
	deps.closers = append(deps.closers, deps.store)
	for i := len(opened) - 1; i >= 0; i-- {
		deps.closers = append(deps.closers, opened[i])
	}
	logger.Debug("All dependencies initialized")
	return deps, nil
}

// newRedis creates the shared Redis client and bootstraps it under the
// reconnect policy. Exhausting the initial retries is fatal.
func newRedis(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*redis.Client, *redisconn.Tracker, error) {
	rdb, err := redisconn.NewClient(redisconn.Options{
		URL:            cfg.Redis.URL,
		Host:           cfg.Redis.Host,
		Port:           cfg.Redis.Port,
		Password:       cfg.Redis.Password,
		DB:             cfg.Redis.DB,
		ConnectTimeout: cfg.Redis.ConnectTimeout,
	})
	if err != nil {
		return nil, nil, err
	}

	// The reconnect block was validated with the rest of the config.
	policy := redisconn.DefaultPolicy()
	policy.InitialInterval = cfg.Reconnect.InitialInterval
	policy.MaxInterval = cfg.Reconnect.MaxInterval
	policy.Multiplier = cfg.Reconnect.Multiplier
	policy.MaxRetries = cfg.Reconnect.MaxRetries
	if cfg.Redis.ConnectTimeout > 0 {
		policy.AttemptTimeout = cfg.Redis.ConnectTimeout
	}
	tracker := redisconn.NewTracker(policy, logger)
	tracker.Attach(rdb)

	logger.Info("Connecting to Redis...", "addr", rdb.Options().Addr)
	if err := tracker.Connect(ctx); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", rdb.Options().Addr, err)
	}
	logger.Info("Connected to Redis", "addr", rdb.Options().Addr)
	return rdb, tracker, nil
}

// newPresenceStore creates the pluggable presence store based on config.
func newPresenceStore(cfg *config.AppConfig, rdb *redis.Client, fsClient *firestore.Client, logger *slog.Logger) (relay.PresenceStore, error) {
	backend := cfg.Presence.Backend
	logger.Info("Initializing presence store...", "type", backend, "reverse_index", cfg.Presence.ReverseIndex)

	switch backend {
	case "redis":
		var opts []store.RedisOption
		if cfg.Presence.ReverseIndex {
			opts = append(opts, store.WithReverseIndex())
		}
		return store.NewRedisPresenceStore(rdb, logger, opts...)
	case "firestore":
		collection := cfg.Presence.FirestoreCollection
		if collection == "" {
			collection = relay.PresenceTable
		}
		return store.NewFirestorePresenceStore(fsClient, collection, logger)
	default:
		return nil, fmt.Errorf("invalid presence backend: %s (must be 'redis' or 'firestore')", backend)
	}
}

// newBroadcastChannel creates the pluggable broadcast channel. Any extra
// closers it returns belong to connections opened only for the channel.
func newBroadcastChannel(
	ctx context.Context,
	cfg *config.AppConfig,
	rdb *redis.Client,
	psClient *pubsub.Client,
	codec *broadcast.Codec,
	logger *slog.Logger,
) (relay.BroadcastChannel, []io.Closer, error) {
	backend := cfg.Broadcast.Backend
	logger.Info("Initializing broadcast channel...", "type", backend, "compression", cfg.Broadcast.Compression)

	switch backend {
	case "redis":
		ch, err := broadcast.NewRedisChannel(rdb, cfg.Broadcast.RedisChannel, codec, logger)
		return ch, nil, err
	case "nats":
		nc, err := nats.Connect(cfg.Broadcast.NATSURL,
			nats.Name("relay-"+cfg.InstanceID),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to nats at %s: %w", cfg.Broadcast.NATSURL, err)
		}
		ch, err := broadcast.NewNATSChannel(nc, cfg.Broadcast.NATSSubject, codec, logger)
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		return ch, []io.Closer{closerFunc(func() error { nc.Close(); return nil })}, nil
	case "pubsub":
		ch, err := broadcast.NewPubSubChannel(ctx, psClient, cfg.ProjectID, cfg.Broadcast.PubSubTopicID, cfg.InstanceID, codec, logger)
		return ch, nil, err
	case "memory":
		logger.Warn("Memory broadcast only reaches connections on this process")
		return broadcast.NewMemoryChannel(logger), nil, nil
	default:
		return nil, nil, fmt.Errorf("invalid broadcast backend: %s", backend)
	}
}
