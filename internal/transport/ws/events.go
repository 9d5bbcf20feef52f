package ws

import (
	"encoding/json"
	"time"
)

// Event types - Client → Server
const (
	EventTypeTypingStart = "typing.start"
	EventTypeTypingStop  = "typing.stop"
	EventTypePing        = "ping"
)

// Event types - Server → Client
const (
	EventTypeStateChanged  = "state.changed"
	EventTypeSignalPending = "call.signal_pending"
	EventTypePresence      = "presence"
	EventTypePong          = "pong"
	EventTypeError         = "error"
)

// Event is the base envelope for all WebSocket messages.
type Event struct {
	Type      string          `json:"type"`
	ThreadID  string          `json:"thread_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"ts,omitempty"`
}

// --- Server → Client payloads ---

type StateChangedPayload struct {
	Marker int64 `json:"marker"`
}

type PresencePayload struct {
	UserID string `json:"user_id"`
	Status string `json:"status"` // "online" | "offline"
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewEvent creates a server→client event with the current timestamp.
func NewEvent(eventType string, payload any) (*Event, error) {
	evt := &Event{
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		evt.Payload = data
	}
	return evt, nil
}
