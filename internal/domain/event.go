package domain

import (
	"encoding/json"
	"time"
)

// Event is an immutable, sequenced record of protocol-visible progress.
// Payload holds the JSON-encoded content of the event variant named by Type.
type Event struct {
	SessionID string          `json:"session_id"`
	Sequence  int64           `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"content"`
}

// StoredMessage is a serialized conversation turn.
type StoredMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
