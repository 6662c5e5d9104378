package domain

import (
	"strings"
	"time"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationActive ConversationStatus = "active"
	ConversationClosed ConversationStatus = "closed"
)

// Sender identifies who authored a message.
type Sender string

const (
	SenderMember    Sender = "member"
	SenderConcierge Sender = "concierge"
)

// TempIDPrefix marks client-synthesized message ids that have not been
// acknowledged by the store.
const TempIDPrefix = "tmp-"

// LocalIDPrefix marks concierge messages synthesized on the client that are
// never persisted (fallback replies and apologies).
const LocalIDPrefix = "local-"

// Conversation is a message thread between one member and the concierge.
type Conversation struct {
	ID        string
	MemberID  string
	Status    ConversationStatus
	Context   ConversationContext
	CreatedAt time.Time
}

// Message is a single timeline entry. ID is either temporary (TempIDPrefix),
// local (LocalIDPrefix) or canonical (store-assigned).
type Message struct {
	ID             string
	ConversationID string
	UserID         string
	Sender         Sender
	Text           string
	CorrelationID  string
	CreatedAt      time.Time
}

// IsTemporary reports whether the message still carries a client-side id.
func (m Message) IsTemporary() bool {
	return strings.HasPrefix(m.ID, TempIDPrefix)
}

// IsLocal reports whether the message was synthesized on the client and will
// never be reconciled.
func (m Message) IsLocal() bool {
	return strings.HasPrefix(m.ID, LocalIDPrefix)
}

// IsCanonical reports whether the id was assigned by the store.
func (m Message) IsCanonical() bool {
	return m.ID != "" && !m.IsTemporary() && !m.IsLocal()
}

// ContextKind tags the variant held by ConversationContext.
type ContextKind string

const (
	ContextNone    ContextKind = "none"
	ContextVenue   ContextKind = "venue"
	ContextBooking ContextKind = "booking"
)

// ConversationContext is the screen context a conversation was opened from.
// Build values with NoContext, VenueContext or BookingContext.
type ConversationContext struct {
	kind      ContextKind
	venueID   string
	venueName string
	bookingID string
}

func NoContext() ConversationContext {
	return ConversationContext{kind: ContextNone}
}

func VenueContext(venueID, venueName string) ConversationContext {
	return ConversationContext{kind: ContextVenue, venueID: venueID, venueName: venueName}
}

func BookingContext(bookingID string) ConversationContext {
	return ConversationContext{kind: ContextBooking, bookingID: bookingID}
}

// Kind returns the variant tag; the zero value reports ContextNone.
func (c ConversationContext) Kind() ContextKind {
	if c.kind == "" {
		return ContextNone
	}
	return c.kind
}

func (c ConversationContext) VenueID() string   { return c.venueID }
func (c ConversationContext) VenueName() string { return c.venueName }
func (c ConversationContext) BookingID() string { return c.bookingID }

// Metadata flattens the context into the string map persisted with the
// conversation.
func (c ConversationContext) Metadata() map[string]string {
	md := map[string]string{"kind": string(c.Kind())}
	switch c.Kind() {
	case ContextVenue:
		md["venueId"] = c.venueID
		md["venueName"] = c.venueName
	case ContextBooking:
		md["bookingId"] = c.bookingID
	}
	return md
}

// ContextFromMetadata is the inverse of Metadata. Unknown kinds decode to
// NoContext.
func ContextFromMetadata(md map[string]string) ConversationContext {
	switch ContextKind(md["kind"]) {
	case ContextVenue:
		return VenueContext(md["venueId"], md["venueName"])
	case ContextBooking:
		return BookingContext(md["bookingId"])
	default:
		return NoContext()
	}
}
