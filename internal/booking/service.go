package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"concierge-sync/internal/domain"
	"concierge-sync/internal/repository"
	"concierge-sync/internal/usecase"
)

// Store is the booking surface of the backend consumed by Service.
type Store interface {
	ListBookings(ctx context.Context, userID string) ([]domain.Booking, error)
	CancelBooking(ctx context.Context, bookingID, reason string) error
}

// Service holds the member's locally visible bookings and applies
// cancellations to them without a server round trip.
type Service struct {
	store Store
	log   *slog.Logger
	now   func() time.Time

	mu       sync.RWMutex
	bookings []domain.Booking
}

func NewService(store Store, logger *slog.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("booking: store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, log: logger, now: time.Now}, nil
}

// Refresh reloads the member's bookings. On failure the local list degrades to
// empty and the error is returned for the caller to render as an error state.
func (s *Service) Refresh(ctx context.Context, userID string) error {
	list, err := s.store.ListBookings(ctx, userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.bookings = nil
		return fmt.Errorf("booking: Refresh: %w", err)
	}
	s.bookings = list
	return nil
}

// Bookings returns a copy of the local list.
func (s *Service) Bookings() []domain.Booking {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Booking, len(s.bookings))
	copy(out, s.bookings)
	return out
}

// Partition splits the local list relative to the current day.
func (s *Service) Partition() (upcoming, past []domain.Booking) {
	return Partition(s.Bookings(), s.now())
}

// Cancel asks the backend to cancel the booking and, on success, relabels the
// local copy as cancelled.
func (s *Service) Cancel(ctx context.Context, bookingID, reason string) error {
	bookingID = strings.TrimSpace(bookingID)
	if bookingID == "" {
		return errors.New("booking: Cancel: booking id is required")
	}
	if err := s.store.CancelBooking(ctx, bookingID, strings.TrimSpace(reason)); err != nil {
		if errors.Is(err, repository.ErrBookingNotFound) {
			return usecase.NotFoundError("booking_not_found", err)
		}
		return usecase.PersistenceError("cancel_booking_error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.bookings {
		if s.bookings[i].ID == bookingID {
			s.bookings[i].RawStatus = domain.StatusCancelled
			s.bookings[i].CancellationReason = reason
		}
	}
	s.log.InfoContext(ctx, "booking cancelled", "booking_id", bookingID)
	return nil
}
