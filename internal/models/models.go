package models

import "time"

type BookingStatus string

const (
	StatusPending   BookingStatus = "pending"
	StatusConfirmed BookingStatus = "confirmed"
	StatusRejected  BookingStatus = "rejected"
	StatusCancelled BookingStatus = "cancelled"
	StatusOngoing   BookingStatus = "ongoing"
)

// transitions is the booking state machine. rejected and cancelled are
// terminal; ongoing is entered by the unlock step outside this service.
var transitions = map[BookingStatus][]BookingStatus{
	StatusPending:   {StatusConfirmed, StatusRejected, StatusCancelled},
	StatusConfirmed: {StatusCancelled, StatusOngoing},
	StatusOngoing:   {},
	StatusRejected:  {},
	StatusCancelled: {},
}

func (s BookingStatus) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransitionTo reports whether s -> next is an allowed edge.
func (s BookingStatus) CanTransitionTo(next BookingStatus) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// IsTerminal is true for rejected and cancelled.
func (s BookingStatus) IsTerminal() bool {
	return s == StatusRejected || s == StatusCancelled
}

// Trackable reports whether position reports are accepted for a booking in this status.
func (s BookingStatus) Trackable() bool {
	return s == StatusConfirmed || s == StatusOngoing
}

func (s BookingStatus) String() string { return string(s) }

// Booking carries the fields of a booking record the coordinator needs.
// Dates and times are kept as the free-form strings the booking form stored.
type Booking struct {
	ID         string        `json:"id"`
	VehicleID  string        `json:"vehicle_id"`
	RenterID   string        `json:"renter_id"`
	PickupDate string        `json:"pickup_date"`
	PickupTime string        `json:"pickup_time"`
	DropDate   string        `json:"drop_date"`
	DropTime   string        `json:"drop_time"`
	Status     BookingStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// VehicleAvailability is the per-vehicle lock record.
type VehicleAvailability struct {
	VehicleID   string     `json:"vehicle_id"`
	Available   bool       `json:"available"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
}

// Expired reports whether the record holds a lock whose hold time has passed.
func (v VehicleAvailability) Expired(now time.Time) bool {
	return v.LockedUntil != nil && v.LockedUntil.Before(now)
}

// ActiveHold reports whether the record holds a lock still in force at now.
func (v VehicleAvailability) ActiveHold(now time.Time) bool {
	return v.LockedUntil != nil && !v.LockedUntil.Before(now)
}

// Position is one accepted location sample. Ts is the server receipt time.
type Position struct {
	Lat        float64    `json:"lat"`
	Lng        float64    `json:"lng"`
	Speed      float64    `json:"speed"`
	Ts         time.Time  `json:"ts"`
	ReportedAt *time.Time `json:"reported_at,omitempty"`
}

// TripSummary describes the buffered history of a trip.
type TripSummary struct {
	TripID         string     `json:"trip_id"`
	Samples        int        `json:"samples"`
	FirstAt        *time.Time `json:"first_at,omitempty"`
	LastAt         *time.Time `json:"last_at,omitempty"`
	DistanceMeters float64    `json:"distance_meters"`
	MaxSpeedKmh    float64    `json:"max_speed_kmh"`
	AvgSpeedKmh    float64    `json:"avg_speed_kmh"`
	Ended          bool       `json:"ended"`
}
