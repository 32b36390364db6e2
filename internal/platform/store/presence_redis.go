// Package store contains the shared presence store clients.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/tinywideclouds/go-relay-service/pkg/relay"
)

// IndexSuffix prefixes the reverse index sets kept next to the presence
// table. Each set holds the user ids registered to one locator.
const IndexSuffix = "_by_connection"

// maxSetAttempts bounds the optimistic retry of an indexed Set when the
// entry keeps changing between the read and the script.
const maxSetAttempts = 5

// redisClient defines the interface we need from go-redis.
type redisClient interface {
	redis.Scripter
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
}

// setWithIndex overwrites the forward entry and moves the user from the
// previous locator's set to the new one. It returns 0 without writing when
// the entry no longer holds the value the caller read.
//
// KEYS[1] presence table, KEYS[2] new locator set, KEYS[3] previous locator set
// ARGV[1] user id, ARGV[2] encoded locator, ARGV[3] expected previous value
var setWithIndex = redis.NewScript(`
local prev = redis.call('HGET', KEYS[1], ARGV[1]) or ''
if prev ~= ARGV[3] then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
if prev ~= '' and prev ~= ARGV[2] then
  redis.call('SREM', KEYS[3], ARGV[1])
end
redis.call('SADD', KEYS[2], ARGV[1])
return 1
`)

// deleteIfMatch removes the forward entry only while it still holds the
// given locator. With a reverse index the user also leaves the locator's
// set either way, since that connection is gone.
//
// KEYS[1] presence table, KEYS[2] locator set (only when indexed)
// ARGV[1] user id, ARGV[2] encoded locator
var deleteIfMatch = redis.NewScript(`
local removed = 0
if redis.call('HGET', KEYS[1], ARGV[1]) == ARGV[2] then
  redis.call('HDEL', KEYS[1], ARGV[1])
  removed = 1
end
if #KEYS > 1 then
  redis.call('SREM', KEYS[2], ARGV[1])
end
return removed
`)

// IndexKey names the reverse index set of an encoded locator.
func IndexKey(table, encodedLocator string) string {
	return table + IndexSuffix + ":" + encodedLocator
}

// RedisPresenceStore implements relay.PresenceStore on a single Redis hash.
// With the reverse index enabled it also implements relay.LocatorIndex.
type RedisPresenceStore struct {
	client  redisClient
	table   string
	indexed bool
	logger  *slog.Logger
}

// RedisOption configures a RedisPresenceStore.
type RedisOption func(*RedisPresenceStore)

// WithTable overrides the presence hash name.
func WithTable(name string) RedisOption {
	return func(s *RedisPresenceStore) { s.table = name }
}

// WithReverseIndex maintains a locator -> user ids set so closing a
// connection does not need to scan the whole table.
func WithReverseIndex() RedisOption {
	return func(s *RedisPresenceStore) { s.indexed = true }
}

// NewRedisPresenceStore is the constructor for the RedisPresenceStore.
func NewRedisPresenceStore(client redisClient, logger *slog.Logger, opts ...RedisOption) (*RedisPresenceStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	s := &RedisPresenceStore{
		client: client,
		table:  relay.PresenceTable,
		logger: logger.With("component", "redis_presence_store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Indexed reports whether the reverse index is maintained.
func (s *RedisPresenceStore) Indexed() bool {
	return s.indexed
}

// keys returns the script keys for a delete of an entry holding value.
func (s *RedisPresenceStore) keys(value string) []string {
	if !s.indexed {
		return []string{s.table}
	}
	return []string{s.table, IndexKey(s.table, value)}
}

// Set overwrites the presence entry for userID.
func (s *RedisPresenceStore) Set(ctx context.Context, userID string, loc relay.Locator) error {
	value, err := loc.Encode()
	if err != nil {
		return err
	}

	if s.indexed {
		err = s.setIndexed(ctx, userID, value)
	} else {
		err = s.client.HSet(ctx, s.table, userID, value).Err()
	}
	if err != nil {
		s.logger.Debug("Failed to set presence", "user", userID, "err", err)
		return storeErr("hset", err)
	}
	return nil
}

// setIndexed reads the previous value so the script can name the set the
// user leaves, then retries if another writer got in between.
func (s *RedisPresenceStore) setIndexed(ctx context.Context, userID, value string) error {
	for attempt := 0; attempt < maxSetAttempts; attempt++ {
		prev, err := s.client.HGet(ctx, s.table, userID).Result()
		if errors.Is(err, redis.Nil) {
			prev = ""
		} else if err != nil {
			return err
		}

		keys := []string{s.table, IndexKey(s.table, value), IndexKey(s.table, prev)}
		ok, err := setWithIndex.Run(ctx, s.client, keys, userID, value, prev).Int()
		if err != nil {
			return err
		}
		if ok == 1 {
			return nil
		}
	}
	return fmt.Errorf("presence entry for %s kept changing", userID)
}

// Fetch returns the locator registered for userID.
func (s *RedisPresenceStore) Fetch(ctx context.Context, userID string) (relay.Locator, error) {
	raw, err := s.client.HGet(ctx, s.table, userID).Result()
	if errors.Is(err, redis.Nil) {
		return relay.Locator{}, relay.ErrPresenceNotFound
	}
	if err != nil {
		return relay.Locator{}, storeErr("hget", err)
	}

	loc, err := relay.DecodeLocator(raw)
	if err != nil {
		// A value we cannot route to is as good as absent.
		s.logger.Warn("Unreadable presence entry", "user", userID, "err", err)
		return relay.Locator{}, relay.ErrPresenceNotFound
	}
	return loc, nil
}

// FetchAll returns every readable entry of the presence table.
func (s *RedisPresenceStore) FetchAll(ctx context.Context) (map[string]relay.Locator, error) {
	rows, err := s.client.HGetAll(ctx, s.table).Result()
	if err != nil {
		return nil, storeErr("hgetall", err)
	}

	entries := make(map[string]relay.Locator, len(rows))
	for userID, raw := range rows {
		loc, err := relay.DecodeLocator(raw)
		if err != nil {
			s.logger.Warn("Skipping unreadable presence entry", "user", userID, "err", err)
			continue
		}
		entries[userID] = loc
	}
	return entries, nil
}

// Delete removes the entry for userID regardless of its value.
func (s *RedisPresenceStore) Delete(ctx context.Context, userID string) error {
	if s.indexed {
		raw, err := s.client.HGet(ctx, s.table, userID).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return storeErr("hget", err)
		}
		if err := deleteIfMatch.Run(ctx, s.client, s.keys(raw), userID, raw).Err(); err != nil {
			return storeErr("hdel", err)
		}
		return nil
	}

	if err := s.client.HDel(ctx, s.table, userID).Err(); err != nil {
		return storeErr("hdel", err)
	}
	return nil
}

// DeleteIfMatch removes the entry for userID only while it points at loc.
func (s *RedisPresenceStore) DeleteIfMatch(ctx context.Context, userID string, loc relay.Locator) (bool, error) {
	value, err := loc.Encode()
	if err != nil {
		return false, err
	}
	removed, err := deleteIfMatch.Run(ctx, s.client, s.keys(value), userID, value).Int()
	if err != nil {
		return false, storeErr("hdel", err)
	}
	return removed == 1, nil
}

// FindByLocator returns every user id registered to loc through the
// reverse index. It returns relay.ErrPresenceNotFound when the index is
// disabled or holds nothing for loc.
func (s *RedisPresenceStore) FindByLocator(ctx context.Context, loc relay.Locator) ([]string, error) {
	if !s.indexed {
		return nil, relay.ErrPresenceNotFound
	}
	value, err := loc.Encode()
	if err != nil {
		return nil, err
	}
	userIDs, err := s.client.SMembers(ctx, IndexKey(s.table, value)).Result()
	if err != nil {
		return nil, storeErr("smembers", err)
	}
	if len(userIDs) == 0 {
		return nil, relay.ErrPresenceNotFound
	}
	return userIDs, nil
}

// Close is a no-op; the client is owned by whoever created it.
func (s *RedisPresenceStore) Close() error {
	return nil
}

func storeErr(op string, err error) error {
	if errors.Is(err, relay.ErrStoreUnreachable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, relay.ErrStoreUnreachable, err)
}
