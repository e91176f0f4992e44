package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/trip-coordinator/internal/dispatch"
	"github.com/example/trip-coordinator/internal/locks"
	"github.com/example/trip-coordinator/internal/models"
	"github.com/example/trip-coordinator/internal/storage"
	"github.com/example/trip-coordinator/internal/timeparse"
)

var now = time.Date(2025, 12, 20, 12, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []dispatch.Notification
	err  error
}

func (r *recordingNotifier) Notify(ctx context.Context, n dispatch.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.err
}

type fakeTrips struct {
	mu    sync.Mutex
	ended []string
}

func (f *fakeTrips) EndTrip(ctx context.Context, tripID string) (models.TripSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, tripID)
	return models.TripSummary{TripID: tripID, Ended: true}, nil
}

type failingLocks struct{}

func (failingLocks) Acquire(ctx context.Context, vehicleID string, until time.Time) (models.VehicleAvailability, error) {
	return models.VehicleAvailability{}, errors.New("store down")
}

func (failingLocks) Release(ctx context.Context, vehicleID string) (models.VehicleAvailability, bool, error) {
	return models.VehicleAvailability{}, false, errors.New("store down")
}

type fixture struct {
	svc      *Service
	bookings *storage.MemoryBookingStore
	vehicles *storage.MemoryVehicleStore
	notifier *recordingNotifier
	trips    *fakeTrips
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		bookings: storage.NewMemoryBookingStore(),
		vehicles: storage.NewMemoryVehicleStore(),
		notifier: &recordingNotifier{},
		trips:    &fakeTrips{},
	}
	require.NoError(t, f.vehicles.RegisterVehicle(ctx, "v1"))
	clock := func() time.Time { return now }
	f.svc = NewService(Options{
		Bookings: f.bookings,
		Locks:    locks.NewManager(f.vehicles, clock, nil),
		Notifier: f.notifier,
		Trips:    f.trips,
		Parser:   timeparse.New(time.UTC),
		Now:      clock,
	})
	return f
}

func (f *fixture) addBooking(t *testing.T, id, dropDate, dropTime string, status models.BookingStatus) {
	t.Helper()
	require.NoError(t, f.bookings.SaveBooking(context.Background(), &models.Booking{
		ID:         id,
		VehicleID:  "v1",
		RenterID:   "r-" + id,
		PickupDate: "20/12/2025",
		PickupTime: "14:00",
		DropDate:   dropDate,
		DropTime:   dropTime,
		Status:     status,
	}))
}

func TestConfirmLocksVehicleUntilDrop(t *testing.T) {
	f := newFixture(t)
	f.addBooking(t, "a", "23/12/2025", "10:30", models.StatusPending)

	res, err := f.svc.ChangeStatus(context.Background(), "a", models.StatusConfirmed)
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, models.StatusPending, res.Previous)
	assert.Equal(t, models.StatusConfirmed, res.Booking.Status)
	require.NotNil(t, res.Vehicle)
	assert.False(t, res.Vehicle.Available)
	assert.Equal(t, time.Date(2025, 12, 23, 10, 30, 0, 0, time.UTC), *res.Vehicle.LockedUntil)

	stored, err := f.bookings.GetBooking(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, stored.Status)
	assert.Equal(t, now, stored.UpdatedAt)
	assert.Equal(t, stored.UpdatedAt, res.Booking.UpdatedAt)

	require.Len(t, f.notifier.sent, 1)
	n := f.notifier.sent[0]
	assert.Equal(t, dispatch.KindBookingStatusChanged, n.Kind)
	assert.Equal(t, models.StatusPending, n.From)
	assert.Equal(t, models.StatusConfirmed, n.To)
	require.NotNil(t, n.LockedUntil)
}

func TestConfirmWithUnparseableDropUsesFallbackHold(t *testing.T) {
	f := newFixture(t)
	f.addBooking(t, "a", "someday", "soon", models.StatusPending)

	res, err := f.svc.ChangeStatus(context.Background(), "a", models.StatusConfirmed)
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "drop time unparseable")
	require.NotNil(t, res.Vehicle.LockedUntil)
	assert.Equal(t, now.Add(DefaultFallbackHold), *res.Vehicle.LockedUntil)
}

func TestOverlappingBookingsKeepLaterHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addBooking(t, "a", "23/12/2025", "12:00", models.StatusPending)
	f.addBooking(t, "b", "21/12/2025", "12:00", models.StatusPending)
	d1 := time.Date(2025, 12, 23, 12, 0, 0, 0, time.UTC)

	_, err := f.svc.ChangeStatus(ctx, "a", models.StatusConfirmed)
	require.NoError(t, err)
	res, err := f.svc.ChangeStatus(ctx, "b", models.StatusConfirmed)
	require.NoError(t, err)
	assert.Equal(t, d1, *res.Vehicle.LockedUntil)

	res, err = f.svc.ChangeStatus(ctx, "a", models.StatusCancelled)
	require.NoError(t, err)
	assert.False(t, res.LockReleased)
	assert.False(t, res.Vehicle.Available)
	assert.Equal(t, d1, *res.Vehicle.LockedUntil)

	rec, err := f.vehicles.GetVehicle(ctx, "v1")
	require.NoError(t, err)
	assert.False(t, rec.Available)
}

func TestRejectPendingReleasesFreeVehicle(t *testing.T) {
	f := newFixture(t)
	f.addBooking(t, "a", "23/12/2025", "12:00", models.StatusPending)

	res, err := f.svc.ChangeStatus(context.Background(), "a", models.StatusRejected)
	require.NoError(t, err)
	assert.True(t, res.LockReleased)
	assert.True(t, res.Vehicle.Available)
	assert.Nil(t, res.Vehicle.LockedUntil)
}

func TestInvalidTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addBooking(t, "done", "23/12/2025", "12:00", models.StatusCancelled)
	f.addBooking(t, "conf", "23/12/2025", "12:00", models.StatusConfirmed)

	_, err := f.svc.ChangeStatus(ctx, "done", models.StatusPending)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.svc.ChangeStatus(ctx, "conf", models.StatusRejected)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.svc.ChangeStatus(ctx, "conf", models.BookingStatus("teleported"))
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.svc.ChangeStatus(ctx, "missing", models.StatusConfirmed)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.Empty(t, f.notifier.sent)
}

func TestSameStatusIsNoop(t *testing.T) {
	f := newFixture(t)
	f.addBooking(t, "a", "23/12/2025", "12:00", models.StatusConfirmed)

	res, err := f.svc.ChangeStatus(context.Background(), "a", models.StatusConfirmed)
	require.NoError(t, err)
	assert.True(t, res.Unchanged)
	assert.Nil(t, res.Vehicle)
	assert.Empty(t, f.notifier.sent)
}

func TestNotifierFailureIsWarning(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("webhook 503")
	f.addBooking(t, "a", "23/12/2025", "12:00", models.StatusPending)

	res, err := f.svc.ChangeStatus(context.Background(), "a", models.StatusConfirmed)
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "webhook 503")

	stored, err := f.bookings.GetBooking(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusConfirmed, stored.Status)
}

func TestLockFailureLeavesStatusUntouched(t *testing.T) {
	f := newFixture(t)
	f.svc.locks = failingLocks{}
	f.addBooking(t, "a", "23/12/2025", "12:00", models.StatusPending)

	_, err := f.svc.ChangeStatus(context.Background(), "a", models.StatusConfirmed)
	require.Error(t, err)

	stored, err := f.bookings.GetBooking(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.Empty(t, f.notifier.sent)
}

func TestCancelEndsTrip(t *testing.T) {
	f := newFixture(t)
	f.addBooking(t, "a", "23/12/2025", "12:00", models.StatusConfirmed)

	_, err := f.svc.ChangeStatus(context.Background(), "a", models.StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, f.trips.ended)
}

func TestApplyRunsSideEffectsOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addBooking(t, "a", "23/12/2025", "12:00", models.StatusConfirmed)

	res, err := f.svc.Apply(ctx, Transition{BookingID: "a", From: models.StatusPending, To: models.StatusConfirmed})
	require.NoError(t, err)
	require.NotNil(t, res.Vehicle)
	assert.False(t, res.Vehicle.Available)
	require.Len(t, f.notifier.sent, 1)

	_, err = f.svc.Apply(ctx, Transition{BookingID: "a", From: models.StatusCancelled, To: models.StatusConfirmed})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestConcurrentDecisionsOnPendingBookingOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for round := 0; round < 20; round++ {
		id := fmt.Sprintf("b%d", round)
		f.addBooking(t, id, "23/12/2025", "12:00", models.StatusPending)

		targets := []models.BookingStatus{models.StatusConfirmed, models.StatusRejected}
		errs := make([]error, len(targets))
		var wg sync.WaitGroup
		for i, to := range targets {
			wg.Add(1)
			go func(i int, to models.BookingStatus) {
				defer wg.Done()
				_, errs[i] = f.svc.ChangeStatus(ctx, id, to)
			}(i, to)
		}
		wg.Wait()

		var winner models.BookingStatus
		wins := 0
		for i, err := range errs {
			if err == nil {
				wins++
				winner = targets[i]
				continue
			}
			assert.ErrorIs(t, err, ErrInvalidTransition)
		}
		require.Equal(t, 1, wins, "round %d", round)
		stored, err := f.bookings.GetBooking(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, winner, stored.Status)
	}
}

func TestConcurrentConfirmAndCancelEndsCancelled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addBooking(t, "a", "23/12/2025", "12:00", models.StatusPending)

	var wg sync.WaitGroup
	for _, to := range []models.BookingStatus{models.StatusConfirmed, models.StatusCancelled} {
		wg.Add(1)
		go func(to models.BookingStatus) {
			defer wg.Done()
			_, _ = f.svc.ChangeStatus(ctx, "a", to)
		}(to)
	}
	wg.Wait()

	stored, err := f.bookings.GetBooking(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, stored.Status)
}

// staleStore lets another writer cancel the booking between the read and the
// status write.
type staleStore struct {
	*storage.MemoryBookingStore
}

func (s staleStore) UpdateBookingStatus(ctx context.Context, id string, from, to models.BookingStatus, at time.Time) error {
	if err := s.MemoryBookingStore.UpdateBookingStatus(ctx, id, from, models.StatusCancelled, at); err != nil {
		return err
	}
	return s.MemoryBookingStore.UpdateBookingStatus(ctx, id, from, to, at)
}

func TestStatusChangedByAnotherWriterIsInvalidTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addBooking(t, "a", "23/12/2025", "12:00", models.StatusPending)
	f.svc.bookings = staleStore{f.bookings}

	_, err := f.svc.ChangeStatus(ctx, "a", models.StatusConfirmed)
	require.ErrorIs(t, err, ErrInvalidTransition)

	stored, err := f.bookings.GetBooking(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, stored.Status)
	assert.Empty(t, f.notifier.sent)
}
