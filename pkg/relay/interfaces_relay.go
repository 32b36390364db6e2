package relay

import (
	"context"
	"encoding/json"
)

// PresenceStore is the narrow client the core needs from the shared store:
// a single logical table keyed by user id.
type PresenceStore interface {
	// Set writes or overwrites the entry for userID. Last write wins.
	Set(ctx context.Context, userID string, loc Locator) error

	// Fetch returns ErrPresenceNotFound when no entry exists.
	Fetch(ctx context.Context, userID string) (Locator, error)

	// FetchAll returns every entry in the table.
	FetchAll(ctx context.Context) (map[string]Locator, error)

	// Delete removes the entry for userID unconditionally.
	Delete(ctx context.Context, userID string) error

	// DeleteIfMatch removes the entry only while it still points at loc,
	// so a close never removes a registration that replaced it.
	DeleteIfMatch(ctx context.Context, userID string, loc Locator) (bool, error)

	Close() error
}

// LocatorIndex is implemented by stores that can resolve a locator back to
// the user ids registered to it without scanning the whole table. A
// connection may be registered under several user ids.
type LocatorIndex interface {
	FindByLocator(ctx context.Context, loc Locator) (userIDs []string, err error)
}

// Envelope is an event tagged with the connection it is addressed to,
// as carried by the broadcast channel.
type Envelope struct {
	Origin string          `json:"origin"`
	Target Locator         `json:"target"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
}

// BroadcastChannel fans an envelope out to every gateway process.
type BroadcastChannel interface {
	Publish(ctx context.Context, env *Envelope) error

	// Subscribe returns once the subscription is active. handler receives
	// every publication until ctx is done or the subscription is closed; it
	// may be called concurrently by some backends.
	Subscribe(ctx context.Context, handler func(*Envelope)) (Subscription, error)

	Close() error
}

// Subscription is an active broadcast subscription.
type Subscription interface {
	Close() error
}

// LocalEmitter delivers an event to a connection owned by this process.
// It reports false when the handle is not a live local connection.
type LocalEmitter interface {
	Emit(ctx context.Context, handle string, event string, data json.RawMessage) bool
}
