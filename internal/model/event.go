package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType names an entry in the session ledger.
type EventType string

const (
	EventStart    EventType = "start"
	EventNavigate EventType = "navigate"
	EventAnswer   EventType = "answer"
	EventComplete EventType = "complete"
	EventExpire   EventType = "expire"
)

// Event is an immutable, sequence-numbered ledger entry.
type Event struct {
	SessionID       uuid.UUID       `json:"sessionId"`
	UserID          uuid.UUID       `json:"userId"`
	Type            EventType       `json:"eventType"`
	Payload         json.RawMessage `json:"payload"`
	Sequence        int64           `json:"sequence"`
	ClientTimestamp *time.Time      `json:"clientTimestamp,omitempty"`
	ServerTimestamp time.Time       `json:"serverTimestamp"`
}
