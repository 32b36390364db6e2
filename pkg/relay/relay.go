// Package relay contains the public domain models, wire contract and
// interfaces for the relay service. It defines what a gateway process needs
// from the shared presence store and the cross-instance broadcast channel.
package relay

import (
	"encoding/json"
	"fmt"
)

// PresenceTable is the logical name of the shared hash that maps a user id
// to the locator of the connection it is currently attached to.
const PresenceTable = "online_users"

// Locator identifies one live connection across the whole deployment.
// Handles are only unique within the owning instance, so both parts are needed.
type Locator struct {
	InstanceID string `json:"instanceId" firestore:"instanceId"`
	Handle     string `json:"handle" firestore:"handle"`
}

// IsZero reports whether the locator is unset.
func (l Locator) IsZero() bool {
	return l.InstanceID == "" && l.Handle == ""
}

// Equal reports whether both locators point at the same connection.
func (l Locator) Equal(other Locator) bool {
	return l.InstanceID == other.InstanceID && l.Handle == other.Handle
}

func (l Locator) String() string {
	return l.InstanceID + "/" + l.Handle
}

// Encode serializes the locator into the value stored in the presence table.
func (l Locator) Encode() (string, error) {
	b, err := json.Marshal(l)
	if err != nil {
		return "", fmt.Errorf("failed to encode locator: %w", err)
	}
	return string(b), nil
}

// DecodeLocator parses a presence table value.
func DecodeLocator(raw string) (Locator, error) {
	var l Locator
	if err := json.Unmarshal([]byte(raw), &l); err != nil {
		return Locator{}, fmt.Errorf("failed to decode locator %q: %w", raw, err)
	}
	if l.InstanceID == "" || l.Handle == "" {
		return Locator{}, fmt.Errorf("locator %q is incomplete", raw)
	}
	return l, nil
}
