package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/trip-coordinator/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStatusConflict means the booking was no longer in the expected
	// status when the write landed.
	ErrStatusConflict = errors.New("status conflict")
)

// BookingStore is the persistence contract for booking records.
type BookingStore interface {
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	SaveBooking(ctx context.Context, b *models.Booking) error
	// UpdateBookingStatus moves a booking from one status to another and
	// stamps updated_at. It fails with ErrStatusConflict when the stored
	// status is not from.
	UpdateBookingStatus(ctx context.Context, id string, from, to models.BookingStatus, at time.Time) error
}

// UpdateFunc mutates a vehicle record inside the store's per-vehicle
// critical section. Returning an error aborts the write.
type UpdateFunc func(v *models.VehicleAvailability) error

// VehicleStore holds per-vehicle availability. Update must be atomic for a
// single vehicle id and must not block updates to other vehicles.
type VehicleStore interface {
	RegisterVehicle(ctx context.Context, vehicleID string) error
	GetVehicle(ctx context.Context, vehicleID string) (models.VehicleAvailability, error)
	UpdateVehicle(ctx context.Context, vehicleID string, fn UpdateFunc) (models.VehicleAvailability, error)
	ListVehicles(ctx context.Context) ([]models.VehicleAvailability, error)
}
