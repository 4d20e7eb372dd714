package chatrelay

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DefaultChannel is the broadcast channel all gateway instances subscribe to.
const DefaultChannel = "chat:events"

// Aggregate types carried in EventPayload. Routers ignore types they do not
// know so new aggregates can be added without breaking old gateways.
const (
	AggregateMessage = "message"
)

// Event types carried in the inner payload.
const (
	EventTypeMessageSent = "message.sent"
)

// EventPayload is the bus wire format. The byte layout is shared by every
// producer and consumer; changing a field name here is a protocol change.
//
// Payload stays raw so routers can forward the envelope without re-encoding
// an inner payload they only partially understand.
type EventPayload struct {
	EventID       string          `json:"event_id" msgpack:"event_id"`
	AggregateType string          `json:"aggregate_type" msgpack:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id" msgpack:"aggregate_id"`
	Payload       json.RawMessage `json:"payload" msgpack:"payload"`
	CreatedAt     int64           `json:"created_at" msgpack:"created_at"` // epoch milliseconds
}

// MessagePayload is the inner payload for AggregateMessage events.
// ReceiverIDs drives gateway-side filtering; Content rides along so gateways
// never read the database.
type MessagePayload struct {
	EventType      string   `json:"event_type"`
	MessageID      string   `json:"message_id"`
	ConversationID string   `json:"conversation_id"`
	SenderID       string   `json:"sender_id"`
	ReceiverIDs    []string `json:"receiver_ids"`
	Content        string   `json:"content"`
	CreatedAt      string   `json:"created_at"` // RFC3339
}

// NewMessageEvent wraps an encoded MessagePayload in the bus envelope.
func NewMessageEvent(messageID string, inner json.RawMessage) EventPayload {
	return EventPayload{
		EventID:       NewID(),
		AggregateType: AggregateMessage,
		AggregateID:   messageID,
		Payload:       inner,
		CreatedAt:     time.Now().UnixMilli(),
	}
}

// NewID returns a random identifier suitable for events and messages.
func NewID() string {
	return uuid.NewString()
}
