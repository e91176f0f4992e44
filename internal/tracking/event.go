package tracking

import "github.com/example/trip-coordinator/internal/models"

type EventType string

const (
	EventLocation EventType = "locationUpdate"
	EventEnded    EventType = "tripEnded"
)

// Event is one message fanned out to a trip's subscribers.
type Event struct {
	Type     EventType
	TripID   string
	Position *models.Position
	Summary  *models.TripSummary
}

// Subscriber is one connected observer of a trip's live feed.
type Subscriber interface {
	ID() string
	// Deliver queues ev without blocking and reports whether it was queued.
	Deliver(ev Event) bool
	// Close must not block; it is called with the trip's lock held.
	Close()
}
