package domain

import "time"

// RawStatus is the backend-owned booking status.
type RawStatus string

const (
	StatusDraft            RawStatus = "draft"
	StatusPending          RawStatus = "pending"
	StatusCounterOffer     RawStatus = "counter_offer"
	StatusAwaitingInfo     RawStatus = "awaiting_info"
	StatusConfirmed        RawStatus = "confirmed"
	StatusDepositPending   RawStatus = "deposit_pending"
	StatusDepositConfirmed RawStatus = "deposit_confirmed"
	StatusModified         RawStatus = "modified"
	StatusCompleted        RawStatus = "completed"
	StatusNoShow           RawStatus = "no_show"
	StatusCancelled        RawStatus = "cancelled"
	StatusRejected         RawStatus = "rejected"
	StatusEscalated        RawStatus = "escalated"
)

// AllRawStatuses lists every status the backend is known to emit.
var AllRawStatuses = []RawStatus{
	StatusDraft,
	StatusPending,
	StatusCounterOffer,
	StatusAwaitingInfo,
	StatusConfirmed,
	StatusDepositPending,
	StatusDepositConfirmed,
	StatusModified,
	StatusCompleted,
	StatusNoShow,
	StatusCancelled,
	StatusRejected,
	StatusEscalated,
}

// DisplayStatus is the UI-facing status derived from RawStatus. It is never
// stored.
type DisplayStatus string

const (
	DisplayConfirmed  DisplayStatus = "CONFIRMED"
	DisplayConfirming DisplayStatus = "CONFIRMING"
	DisplayCompleted  DisplayStatus = "COMPLETED"
	DisplayCancelled  DisplayStatus = "CANCELLED"
)

// Booking is a read-mostly projection of a backend booking row.
type Booking struct {
	ID                 string
	UserID             string
	VenueID            string
	RawStatus          RawStatus
	BookingDate        time.Time
	BookingTime        string
	PartySize          int
	DepositRequired    bool
	DepositConfirmed   bool
	PointsEarned       int
	CancellationReason string
}
