package tracking

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/example/trip-coordinator/internal/timeparse"
)

var (
	ErrInvalidSample  = errors.New("invalid sample")
	ErrTripNotReady   = errors.New("trip not ready")
	ErrTripNotStarted = errors.New("trip not started")
	ErrTripEnded      = errors.New("trip ended")
	ErrTripNotFound   = errors.New("trip not found")
)

// NotStartedError is returned when a report arrives before the trip's gate.
// errors.Is(err, ErrTripNotStarted) holds.
type NotStartedError struct {
	TripID string
	Gate   time.Time
	Wait   time.Duration
}

func (e *NotStartedError) Error() string {
	return fmt.Sprintf("trip %s not started: opens at %s (in %ds)", e.TripID, e.Gate.Format(time.RFC3339), e.SecondsToStart())
}

func (e *NotStartedError) Is(target error) bool { return target == ErrTripNotStarted }

// SecondsToStart rounds the wait up to whole seconds.
func (e *NotStartedError) SecondsToStart() int64 {
	return int64(math.Ceil(e.Wait.Seconds()))
}

// ErrorCode maps a tracking error to the short code used on the wire.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidSample):
		return "invalid_sample"
	case errors.Is(err, ErrTripNotReady):
		return "trip_not_ready"
	case errors.Is(err, ErrTripNotStarted):
		return "trip_not_started"
	case errors.Is(err, ErrTripEnded):
		return "trip_ended"
	case errors.Is(err, timeparse.ErrUnparseableTime):
		return "unparseable_time"
	case errors.Is(err, ErrTripNotFound):
		return "trip_not_found"
	default:
		return "internal"
	}
}
