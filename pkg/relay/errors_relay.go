package relay

import "errors"

var (
	// ErrStoreUnreachable means the shared store connection is down or its
	// reconnect budget is exhausted. Callers treat it as "no delivery".
	ErrStoreUnreachable = errors.New("presence store unreachable")

	// ErrPresenceWriteFailed is returned when a registration could not be written.
	ErrPresenceWriteFailed = errors.New("presence write failed")

	// ErrPresenceNotFound is the normal offline outcome of a lookup.
	ErrPresenceNotFound = errors.New("presence not found")

	// ErrMalformedEvent is returned for inbound events that fail validation.
	ErrMalformedEvent = errors.New("malformed event")
)
