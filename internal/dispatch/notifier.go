package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/trip-coordinator/internal/models"
)

const KindBookingStatusChanged = "booking.status_changed"

// Notification is an outbound message about a booking.
type Notification struct {
	Kind        string               `json:"kind"`
	BookingID   string               `json:"booking_id"`
	VehicleID   string               `json:"vehicle_id"`
	RenterID    string               `json:"renter_id"`
	From        models.BookingStatus `json:"from"`
	To          models.BookingStatus `json:"to"`
	LockedUntil *time.Time           `json:"locked_until,omitempty"`
	OccurredAt  time.Time            `json:"occurred_at"`
}

// Notifier delivers notifications best-effort.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log and never fails.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(ctx context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification", "kind", n.Kind, "booking_id", n.BookingID, "vehicle_id", n.VehicleID, "from", n.From, "to", n.To)
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, nt := range m {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
