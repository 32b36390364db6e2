package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Event names exchanged with clients over the transport.
const (
	EventRegister           = "register"
	EventSendPrivateMessage = "send-private-message"
	EventPrivateMessage     = "private-message"
	// EventRecipientOffline is only emitted when offline notices are enabled.
	EventRecipientOffline = "recipient-offline"
)

// Frame is the transport-level unit: a named event and its JSON payload.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SendPrivateMessage is the payload of an inbound send-private-message event.
type SendPrivateMessage struct {
	SenderID    string          `json:"senderId"`
	RecipientID string          `json:"recipientId"`
	Message     json.RawMessage `json:"message"`
}

// Validate rejects payloads that cannot be relayed.
func (m *SendPrivateMessage) Validate() error {
	if m.SenderID == "" {
		return fmt.Errorf("%w: senderId is required", ErrMalformedEvent)
	}
	if m.RecipientID == "" {
		return fmt.Errorf("%w: recipientId is required", ErrMalformedEvent)
	}
	if len(m.Message) == 0 || bytes.Equal(m.Message, []byte("null")) {
		return fmt.Errorf("%w: message is required", ErrMalformedEvent)
	}
	return nil
}

// PrivateMessage is what the recipient receives.
type PrivateMessage struct {
	SenderID string          `json:"senderId"`
	Message  json.RawMessage `json:"message"`
}

// RecipientOffline tells a sender that nobody is registered under the id.
type RecipientOffline struct {
	RecipientID string `json:"recipientId"`
}

// DecodeRegister accepts either a bare JSON string or {"userId": "..."}.
func DecodeRegister(data json.RawMessage) (string, error) {
	var userID string
	if err := json.Unmarshal(data, &userID); err == nil {
		if userID == "" {
			return "", fmt.Errorf("%w: empty user id", ErrMalformedEvent)
		}
		return userID, nil
	}

	var obj struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", fmt.Errorf("%w: register payload: %v", ErrMalformedEvent, err)
	}
	if obj.UserID == "" {
		return "", fmt.Errorf("%w: empty user id", ErrMalformedEvent)
	}
	return obj.UserID, nil
}

// DecodeSendPrivateMessage unmarshals and validates a send payload.
func DecodeSendPrivateMessage(data json.RawMessage) (*SendPrivateMessage, error) {
	var msg SendPrivateMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: send payload: %v", ErrMalformedEvent, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}
