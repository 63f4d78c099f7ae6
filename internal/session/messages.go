package session

import (
	"encoding/json"
	"fmt"
)

// MaxMessageSize is the ceiling for a single inbound frame.
const MaxMessageSize = 1 << 20 // 1 MiB

// MinSecretLength is the shortest secret a hello may present.
const MinSecretLength = 32

// Message kinds a device may send.
const (
	KindHello  = "hello"
	KindAck    = "ack"
	KindPing   = "ping"
	KindStatus = "status"
)

// Ack status values.
const (
	AckOK    = "ok"
	AckError = "error"
)

// Message is a validated inbound device frame. Fields not named here are
// stripped during decoding; only the fields relevant to the message's
// kind are validated.
type Message struct {
	Kind string `json:"kind"`

	// hello
	DeviceID string `json:"deviceId,omitempty"`
	Secret   string `json:"secret,omitempty"`

	// ack
	ID     string `json:"id,omitempty"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`

	// ping
	Timestamp int64 `json:"timestamp,omitempty"`

	// status report
	InstallID    string         `json:"installId,omitempty"`
	HardwareID   string         `json:"hardwareId,omitempty"`
	ClientInfo   map[string]any `json:"clientInfo,omitempty"`
	CurrentState map[string]any `json:"currentState,omitempty"`
}

// Parse decodes and validates a raw frame.
//
// Returns ErrMessageTooLarge past the size ceiling and ErrInvalidMessage
// (wrapped with detail) for malformed JSON, unknown kinds, or failed
// field validation.
func Parse(data []byte) (*Message, error) {
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: malformed JSON", ErrInvalidMessage)
	}

	if err := msg.validate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (m *Message) validate() error {
	switch m.Kind {
	case KindHello:
		if m.DeviceID == "" {
			return fmt.Errorf("%w: hello requires deviceId", ErrInvalidMessage)
		}
		if len(m.Secret) < MinSecretLength {
			return fmt.Errorf("%w: secret must be at least %d characters", ErrInvalidMessage, MinSecretLength)
		}
	case KindAck:
		if m.ID == "" {
			return fmt.Errorf("%w: ack requires id", ErrInvalidMessage)
		}
		if !validCommandID(m.ID) {
			return fmt.Errorf("%w: ack id must be alphanumeric", ErrInvalidMessage)
		}
		if m.Status != AckOK && m.Status != AckError {
			return fmt.Errorf("%w: ack status must be %q or %q", ErrInvalidMessage, AckOK, AckError)
		}
	case KindPing:
		if m.Timestamp < 0 {
			return fmt.Errorf("%w: ping timestamp must not be negative", ErrInvalidMessage)
		}
	case KindStatus:
		// All fields optional; an empty report still refreshes presence.
	case "":
		return fmt.Errorf("%w: kind is required", ErrInvalidMessage)
	default:
		return fmt.Errorf("%w: unknown kind %q (supported: %s, %s, %s, %s)",
			ErrInvalidMessage, m.Kind, KindHello, KindAck, KindPing, KindStatus)
	}
	return nil
}

// validCommandID accepts letters, digits, hyphens, and underscores, which
// covers UUIDs and client-minted identifiers.
func validCommandID(id string) bool {
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}
