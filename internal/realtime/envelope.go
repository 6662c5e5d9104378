package realtime

import (
	"time"

	"concierge-sync/internal/domain"
)

const (
	// DefaultExchange is the topic exchange carrying message change events.
	DefaultExchange = "messages"
	// EventMessageInserted is the envelope type of a committed message row.
	EventMessageInserted = "messages.insert.v1"

	routingPrefix = "messages.insert."
)

// RoutingKey scopes insert events to one conversation.
func RoutingKey(conversationID string) string {
	return routingPrefix + conversationID
}

// Meta describes one change event.
type Meta struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Producer      string    `json:"producer,omitempty"`
	Time          time.Time `json:"time"`
	Type          string    `json:"type"`
}

// Envelope is the wire shape of a change event.
type Envelope struct {
	Meta Meta       `json:"meta"`
	Data MessageRow `json:"data"`
}

// MessageRow is the committed row snapshot carried by an insert event.
type MessageRow struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	Sender         string    `json:"sender"`
	Text           string    `json:"text"`
	CorrelationID  string    `json:"correlationId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

func rowFromMessage(m domain.Message) MessageRow {
	return MessageRow{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		UserID:         m.UserID,
		Sender:         string(m.Sender),
		Text:           m.Text,
		CorrelationID:  m.CorrelationID,
		CreatedAt:      m.CreatedAt,
	}
}

func (r MessageRow) message() domain.Message {
	return domain.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		UserID:         r.UserID,
		Sender:         domain.Sender(r.Sender),
		Text:           r.Text,
		CorrelationID:  r.CorrelationID,
		CreatedAt:      r.CreatedAt,
	}
}
