// Package presence drives registration and deregistration of connections
// against the shared presence store.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinywideclouds/go-relay-service/pkg/relay"
)

// Manager is the per-process connection lifecycle manager. It owns the set
// of live local handles and keeps the presence store in step with it.
type Manager struct {
	store      relay.PresenceStore
	index      relay.LocatorIndex
	instanceID string
	logger     *slog.Logger

	live  sync.Map // handle -> struct{}
	count atomic.Int64
}

// indexed is implemented by stores whose reverse index can be switched off.
type indexed interface {
	Indexed() bool
}

// NewManager creates a lifecycle manager for the process identified by
// instanceID. Stores that implement relay.LocatorIndex (and have it
// enabled) are used for close-time lookups instead of a full scan.
func NewManager(store relay.PresenceStore, instanceID string, logger *slog.Logger) *Manager {
	m := &Manager{
		store:      store,
		instanceID: instanceID,
		logger:     logger.With("component", "presence"),
	}
	if idx, ok := store.(relay.LocatorIndex); ok {
		if ix, ok := store.(indexed); !ok || ix.Indexed() {
			m.index = idx
		}
	}
	return m
}

// InstanceID returns the process identity written into every locator.
func (m *Manager) InstanceID() string {
	return m.instanceID
}

// Locator builds the locator for a local connection handle.
func (m *Manager) Locator(handle string) relay.Locator {
	return relay.Locator{InstanceID: m.instanceID, Handle: handle}
}

// Track records a newly accepted connection as live on this process.
func (m *Manager) Track(handle string) {
	if _, loaded := m.live.LoadOrStore(handle, struct{}{}); !loaded {
		m.count.Add(1)
	}
}

// Forget removes a handle from the live set. It reports whether the handle
// was live.
func (m *Manager) Forget(handle string) bool {
	if _, loaded := m.live.LoadAndDelete(handle); loaded {
		m.count.Add(-1)
		return true
	}
	return false
}

// Owns reports whether loc names a live connection on this process.
func (m *Manager) Owns(loc relay.Locator) bool {
	if loc.InstanceID != m.instanceID {
		return false
	}
	_, ok := m.live.Load(loc.Handle)
	return ok
}

// Count returns the number of live local connections.
func (m *Manager) Count() int {
	return int(m.count.Load())
}

// OnRegister writes or overwrites the presence entry for userID. Calling it
// twice with the same arguments is the same as calling it once.
func (m *Manager) OnRegister(ctx context.Context, loc relay.Locator, userID string) error {
	if err := m.store.Set(ctx, userID, loc); err != nil {
		return fmt.Errorf("%w: user %s: %w", relay.ErrPresenceWriteFailed, userID, err)
	}
	m.logger.Debug("User registered", "user_id", userID, "locator", loc.String())
	return nil
}

// OnClose removes every presence entry that still points at loc. A
// connection that never registered is a no-op. When the store cannot be
// reached the entries are left in place and the error is returned for
// logging; a later register for the same user overwrites them.
func (m *Manager) OnClose(ctx context.Context, loc relay.Locator) error {
	userIDs, err := m.owners(ctx, loc)
	if err != nil {
		return err
	}

	var errs []error
	for _, userID := range userIDs {
		removed, err := m.store.DeleteIfMatch(ctx, userID, loc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if removed {
			m.logger.Debug("User deregistered", "user_id", userID, "locator", loc.String())
		} else {
			m.logger.Debug("Presence entry replaced before close, leaving it", "user_id", userID)
		}
	}
	return errors.Join(errs...)
}

// owners finds the user ids currently registered to loc.
func (m *Manager) owners(ctx context.Context, loc relay.Locator) ([]string, error) {
	if m.index != nil {
		userIDs, err := m.index.FindByLocator(ctx, loc)
		if errors.Is(err, relay.ErrPresenceNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reverse lookup for %s: %w", loc, err)
		}
		return userIDs, nil
	}

	entries, err := m.store.FetchAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("presence scan for %s: %w", loc, err)
	}
	var userIDs []string
	for userID, entry := range entries {
		if entry.Equal(loc) {
			userIDs = append(userIDs, userID)
		}
	}
	return userIDs, nil
}
