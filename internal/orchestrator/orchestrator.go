// Package orchestrator drives booking status transitions and their side
// effects: vehicle holds, notifications and ending the live trip.
//
// Lock side effects run before the new status is persisted, so a failed lock
// change leaves the booking untouched. Notifications run after and can only
// produce warnings.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/trip-coordinator/internal/dispatch"
	"github.com/example/trip-coordinator/internal/models"
	"github.com/example/trip-coordinator/internal/observability"
	"github.com/example/trip-coordinator/internal/storage"
	"github.com/example/trip-coordinator/internal/timeparse"
)

var ErrInvalidTransition = errors.New("invalid status transition")

const DefaultFallbackHold = 24 * time.Hour

type LockManager interface {
	Acquire(ctx context.Context, vehicleID string, until time.Time) (models.VehicleAvailability, error)
	Release(ctx context.Context, vehicleID string) (models.VehicleAvailability, bool, error)
}

type TripEnder interface {
	EndTrip(ctx context.Context, tripID string) (models.TripSummary, error)
}

// Transition is a status change, possibly already persisted elsewhere.
type Transition struct {
	BookingID string               `json:"booking_id"`
	From      models.BookingStatus `json:"from"`
	To        models.BookingStatus `json:"to"`
}

// Result reports what a transition did. Warnings list side effects that
// failed without failing the transition.
type Result struct {
	Booking      models.Booking              `json:"booking"`
	Previous     models.BookingStatus        `json:"previous_status"`
	Vehicle      *models.VehicleAvailability `json:"vehicle,omitempty"`
	LockReleased bool                        `json:"lock_released,omitempty"`
	Unchanged    bool                        `json:"unchanged,omitempty"`
	Warnings     []string                    `json:"warnings,omitempty"`
}

type Options struct {
	Bookings      storage.BookingStore
	Locks         LockManager
	Notifier      dispatch.Notifier
	Trips         TripEnder
	Parser        timeparse.Parser
	FallbackHold  time.Duration
	NotifyTimeout time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
}

type Service struct {
	bookings      storage.BookingStore
	locks         LockManager
	notifier      dispatch.Notifier
	trips         TripEnder
	parser        timeparse.Parser
	fallbackHold  time.Duration
	notifyTimeout time.Duration
	now           func() time.Time
	logger        *slog.Logger
	inflight      bookingLocks
}

// bookingLocks serializes status changes per booking id within this process.
// Entries are dropped once nobody holds or waits on them.
type bookingLocks struct {
	mu    sync.Mutex
	locks map[string]*bookingLock
}

type bookingLock struct {
	sync.Mutex
	refs int
}

func (l *bookingLocks) lock(id string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*bookingLock)
	}
	bl, ok := l.locks[id]
	if !ok {
		bl = &bookingLock{}
		l.locks[id] = bl
	}
	bl.refs++
	l.mu.Unlock()

	bl.Lock()
	return func() {
		bl.Unlock()
		l.mu.Lock()
		bl.refs--
		if bl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

func NewService(opts Options) *Service {
	if opts.FallbackHold <= 0 {
		opts.FallbackHold = DefaultFallbackHold
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Parser.Loc == nil {
		opts.Parser = timeparse.New(time.UTC)
	}
	return &Service{
		bookings:      opts.Bookings,
		locks:         opts.Locks,
		notifier:      opts.Notifier,
		trips:         opts.Trips,
		parser:        opts.Parser,
		fallbackHold:  opts.FallbackHold,
		notifyTimeout: opts.NotifyTimeout,
		now:           opts.Now,
		logger:        opts.Logger,
	}
}

// ChangeStatus validates and persists a transition, running its side effects.
// Setting the current status again is a no-op. The write only lands if the
// booking is still in the status that was validated; losing that race is
// reported as ErrInvalidTransition.
func (s *Service) ChangeStatus(ctx context.Context, bookingID string, to models.BookingStatus) (Result, error) {
	if !to.IsValid() {
		return Result{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	unlock := s.inflight.lock(bookingID)
	defer unlock()

	b, err := s.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return Result{}, err
	}
	from := b.Status
	if from == to {
		return Result{Booking: *b, Previous: from, Unchanged: true}, nil
	}
	if !from.CanTransitionTo(to) {
		return Result{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	res := Result{Previous: from}
	if err := s.applyLock(ctx, b, to, &res); err != nil {
		return Result{}, err
	}
	at := s.now().UTC()
	if err := s.bookings.UpdateBookingStatus(ctx, bookingID, from, to, at); err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			s.logger.Warn("booking changed concurrently", "booking_id", bookingID, "from", from, "to", to, "error", err)
			return Result{}, fmt.Errorf("%w: booking %s changed concurrently: %v", ErrInvalidTransition, bookingID, err)
		}
		return Result{}, fmt.Errorf("persist status of booking %s: %w", bookingID, err)
	}
	b.Status = to
	b.UpdatedAt = at
	res.Booking = *b
	s.afterTransition(ctx, b, from, to, &res)
	return res, nil
}

// Apply runs the side effects of a transition another process already
// persisted. The booking is re-read for its vehicle and drop time.
func (s *Service) Apply(ctx context.Context, tr Transition) (Result, error) {
	if !tr.From.CanTransitionTo(tr.To) {
		return Result{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, tr.From, tr.To)
	}
	b, err := s.bookings.GetBooking(ctx, tr.BookingID)
	if err != nil {
		return Result{}, err
	}
	res := Result{Previous: tr.From}
	if err := s.applyLock(ctx, b, tr.To, &res); err != nil {
		return Result{}, err
	}
	res.Booking = *b
	s.afterTransition(ctx, b, tr.From, tr.To, &res)
	return res, nil
}

func (s *Service) applyLock(ctx context.Context, b *models.Booking, to models.BookingStatus, res *Result) error {
	switch to {
	case models.StatusConfirmed:
		until := s.dropInstant(b, res)
		rec, err := s.locks.Acquire(ctx, b.VehicleID, until)
		if err != nil {
			return fmt.Errorf("lock vehicle %s for booking %s: %w", b.VehicleID, b.ID, err)
		}
		res.Vehicle = &rec
	case models.StatusRejected, models.StatusCancelled:
		rec, released, err := s.locks.Release(ctx, b.VehicleID)
		if err != nil {
			return fmt.Errorf("release vehicle %s for booking %s: %w", b.VehicleID, b.ID, err)
		}
		res.Vehicle = &rec
		res.LockReleased = released
	}
	return nil
}

// dropInstant falls back to now+FallbackHold when the drop time cannot be
// parsed; over-holding is preferred to failing the confirmation.
func (s *Service) dropInstant(b *models.Booking, res *Result) time.Time {
	t, err := s.parser.Parse(b.DropDate, b.DropTime)
	if err == nil {
		return t
	}
	until := s.now().Add(s.fallbackHold)
	s.logger.Warn("drop time unparseable, using fallback hold", "booking_id", b.ID, "error", err, "locked_until", until)
	res.Warnings = append(res.Warnings, fmt.Sprintf("drop time unparseable, vehicle held until %s", until.UTC().Format(time.RFC3339)))
	return until
}

func (s *Service) afterTransition(ctx context.Context, b *models.Booking, from, to models.BookingStatus, res *Result) {
	observability.StatusTransitions.WithLabelValues(string(to)).Inc()
	s.logger.Info("booking status changed", "booking_id", b.ID, "vehicle_id", b.VehicleID, "from", from, "to", to)

	if to == models.StatusCancelled && s.trips != nil {
		if _, err := s.trips.EndTrip(ctx, b.ID); err != nil {
			s.logger.Warn("ending trip of cancelled booking failed", "booking_id", b.ID, "error", err)
			res.Warnings = append(res.Warnings, "trip end failed: "+err.Error())
		}
	}

	if s.notifier == nil {
		return
	}
	n := dispatch.Notification{
		Kind:       dispatch.KindBookingStatusChanged,
		BookingID:  b.ID,
		VehicleID:  b.VehicleID,
		RenterID:   b.RenterID,
		From:       from,
		To:         to,
		OccurredAt: s.now().UTC(),
	}
	if res.Vehicle != nil {
		n.LockedUntil = res.Vehicle.LockedUntil
	}
	nctx, cancel := context.WithTimeout(ctx, s.notifyTimeout)
	defer cancel()
	if err := s.notifier.Notify(nctx, n); err != nil {
		observability.NotifyFailures.Inc()
		s.logger.Warn("notification failed", "booking_id", b.ID, "error", err)
		res.Warnings = append(res.Warnings, "notification failed: "+err.Error())
	}
}
