package booking

import (
	"time"

	"concierge-sync/internal/domain"
)

// displayByRaw is the only status table in the codebase. Every screen that
// labels, filters or partitions bookings goes through Project.
var displayByRaw = map[domain.RawStatus]domain.DisplayStatus{
	domain.StatusConfirmed:        domain.DisplayConfirmed,
	domain.StatusDepositConfirmed: domain.DisplayConfirmed,
	domain.StatusPending:          domain.DisplayConfirming,
	domain.StatusAwaitingInfo:     domain.DisplayConfirming,
	domain.StatusDepositPending:   domain.DisplayConfirming,
	domain.StatusCounterOffer:     domain.DisplayConfirming,
	domain.StatusCompleted:        domain.DisplayCompleted,
	domain.StatusCancelled:        domain.DisplayCancelled,
	domain.StatusRejected:         domain.DisplayCancelled,
}

// Project maps a raw status to its display status. Unmapped values fail open
// to CONFIRMING.
func Project(raw domain.RawStatus) domain.DisplayStatus {
	if ds, ok := displayByRaw[raw]; ok {
		return ds
	}
	return domain.DisplayConfirming
}

var labels = map[domain.DisplayStatus]string{
	domain.DisplayConfirmed:  "Confirmed",
	domain.DisplayConfirming: "Confirming",
	domain.DisplayCompleted:  "Completed",
	domain.DisplayCancelled:  "Cancelled",
}

// Label returns the badge text for a display status.
func Label(ds domain.DisplayStatus) string {
	if l, ok := labels[ds]; ok {
		return l
	}
	return labels[domain.DisplayConfirming]
}

// upcomingStatuses and pastStatuses work on the raw domain, not on the
// projected one: no_show is past but projects to CONFIRMING.
var upcomingStatuses = map[domain.RawStatus]bool{
	domain.StatusPending:          true,
	domain.StatusConfirmed:        true,
	domain.StatusDepositPending:   true,
	domain.StatusDepositConfirmed: true,
	domain.StatusAwaitingInfo:     true,
	domain.StatusCounterOffer:     true,
}

var pastStatuses = map[domain.RawStatus]bool{
	domain.StatusCompleted: true,
	domain.StatusCancelled: true,
	domain.StatusNoShow:    true,
	domain.StatusRejected:  true,
}

// IsPast reports whether b is dated before today or carries a terminal status.
// The status clause wins over the date clause.
func IsPast(b domain.Booking, today time.Time) bool {
	return beforeDay(b.BookingDate, today) || pastStatuses[b.RawStatus]
}

// IsUpcoming reports whether b is dated today or later with a live status.
func IsUpcoming(b domain.Booking, today time.Time) bool {
	if IsPast(b, today) {
		return false
	}
	return upcomingStatuses[b.RawStatus]
}

// Partition splits bookings into upcoming and past, preserving input order.
// Bookings matching neither predicate (a future draft, say) are dropped.
func Partition(bookings []domain.Booking, today time.Time) (upcoming, past []domain.Booking) {
	for _, b := range bookings {
		switch {
		case IsPast(b, today):
			past = append(past, b)
		case IsUpcoming(b, today):
			upcoming = append(upcoming, b)
		}
	}
	return upcoming, past
}

// beforeDay compares calendar dates. A booking date is a wall-calendar date,
// so it is read in its own location rather than converted.
func beforeDay(d, today time.Time) bool {
	dy, dm, dd := d.Date()
	ty, tm, td := today.Date()
	return time.Date(dy, dm, dd, 0, 0, 0, 0, time.UTC).Before(time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC))
}
