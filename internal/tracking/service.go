package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/example/trip-coordinator/internal/geo"
	"github.com/example/trip-coordinator/internal/models"
	"github.com/example/trip-coordinator/internal/observability"
	"github.com/example/trip-coordinator/internal/storage"
)

// BookingReader is the subset of the booking store the pipeline needs.
type BookingReader interface {
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
}

// PositionSink receives accepted samples outside the trip's critical section.
type PositionSink interface {
	PublishPosition(ctx context.Context, tripID string, p models.Position) error
}

// Sample is an incoming position report as sent by a device.
type Sample struct {
	Lat   float64
	Lng   float64
	Speed *float64
	// ReportedAt is the device clock; kept for reference only, never used for gating.
	ReportedAt *time.Time
}

// Service validates, gates, records and broadcasts position reports.
type Service struct {
	registry *Registry
	bookings BookingReader
	sink     PositionSink
	now      func() time.Time
	logger   *slog.Logger
}

func NewService(registry *Registry, bookings BookingReader, sink PositionSink, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{registry: registry, bookings: bookings, sink: sink, now: registry.now, logger: logger}
}

func (s *Service) Registry() *Registry { return s.registry }

func normalizeSpeed(v *float64) float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) || *v < 0 {
		return 0
	}
	return *v
}

// SubmitPosition runs one report through validation, the booking readiness
// check, the pickup gate, then appends and broadcasts it.
func (s *Service) SubmitPosition(ctx context.Context, tripID string, in Sample) (models.Position, error) {
	pos, err := s.submit(ctx, tripID, in)
	if err != nil {
		observability.PositionsRejected.WithLabelValues(ErrorCode(err)).Inc()
		return models.Position{}, err
	}
	observability.PositionsAccepted.Inc()
	if s.sink != nil {
		if err := s.sink.PublishPosition(ctx, tripID, pos); err != nil {
			s.logger.Warn("position mirror publish failed", "trip_id", tripID, "error", err)
		}
	}
	return pos, nil
}

func (s *Service) submit(ctx context.Context, tripID string, in Sample) (models.Position, error) {
	if tripID == "" {
		return models.Position{}, fmt.Errorf("%w: missing trip id", ErrInvalidSample)
	}
	if !geo.ValidCoord(in.Lat, in.Lng) {
		return models.Position{}, fmt.Errorf("%w: lat=%v lng=%v", ErrInvalidSample, in.Lat, in.Lng)
	}

	b, err := s.bookings.GetBooking(ctx, tripID)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Position{}, fmt.Errorf("trip %s: %w: no booking", tripID, ErrTripNotReady)
	}
	if err != nil {
		return models.Position{}, fmt.Errorf("load booking %s: %w", tripID, err)
	}
	if !b.Status.Trackable() {
		return models.Position{}, fmt.Errorf("trip %s: %w: booking is %s", tripID, ErrTripNotReady, b.Status)
	}
	if s.registry.Ended(tripID) {
		return models.Position{}, fmt.Errorf("trip %s: %w", tripID, ErrTripEnded)
	}

	gate, err := s.registry.ComputeGate(tripID, b.PickupDate, b.PickupTime)
	if err != nil {
		return models.Position{}, fmt.Errorf("trip %s gate: %w", tripID, err)
	}
	now := s.now()
	if now.Before(gate) {
		return models.Position{}, &NotStartedError{TripID: tripID, Gate: gate, Wait: gate.Sub(now)}
	}

	pos := models.Position{Lat: in.Lat, Lng: in.Lng, Speed: normalizeSpeed(in.Speed), Ts: now, ReportedAt: in.ReportedAt}
	if err := s.registry.Append(tripID, pos); err != nil {
		return models.Position{}, err
	}
	return pos, nil
}

// Subscribe registers sub for live events after replaying the trip's history.
// An unknown trip is not an error; the subscriber simply starts with no history.
func (s *Service) Subscribe(ctx context.Context, tripID string, sub Subscriber) error {
	if err := s.registry.Subscribe(tripID, sub); err != nil {
		return err
	}
	s.logger.Debug("subscriber joined", "trip_id", tripID, "subscriber_id", sub.ID())
	return nil
}

func (s *Service) Unsubscribe(tripID, subscriberID string) {
	if s.registry.Unsubscribe(tripID, subscriberID) {
		s.logger.Debug("subscriber left", "trip_id", tripID, "subscriber_id", subscriberID)
	}
}

// EndTrip is idempotent: the terminal event goes out once.
func (s *Service) EndTrip(ctx context.Context, tripID string) (models.TripSummary, error) {
	if tripID == "" {
		return models.TripSummary{}, fmt.Errorf("%w: missing trip id", ErrInvalidSample)
	}
	sum, first := s.registry.End(tripID)
	if first {
		s.logger.Info("trip ended", "trip_id", tripID, "samples", sum.Samples, "distance_m", sum.DistanceMeters)
	}
	return sum, nil
}

// History dumps the current buffer; an unknown trip yields an empty slice.
func (s *Service) History(ctx context.Context, tripID string) ([]models.Position, error) {
	out, err := s.registry.History(tripID)
	if errors.Is(err, ErrTripNotFound) {
		return []models.Position{}, nil
	}
	return out, err
}

func (s *Service) Summary(ctx context.Context, tripID string) (models.TripSummary, error) {
	sum, err := s.registry.Summary(tripID)
	if errors.Is(err, ErrTripNotFound) {
		return models.TripSummary{TripID: tripID, Ended: s.registry.Ended(tripID)}, nil
	}
	return sum, err
}
