package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/trip-coordinator/internal/models"
)

type MemoryBookingStore struct {
	mu       sync.RWMutex
	bookings map[string]models.Booking
}

func NewMemoryBookingStore() *MemoryBookingStore {
	return &MemoryBookingStore{bookings: make(map[string]models.Booking)}
}

// GetBooking returns a copy so callers never share the stored record.
func (m *MemoryBookingStore) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, fmt.Errorf("booking %s: %w", id, ErrNotFound)
	}
	return &b, nil
}

func (m *MemoryBookingStore) SaveBooking(ctx context.Context, b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bookings[b.ID] = *b
	return nil
}

func (m *MemoryBookingStore) UpdateBookingStatus(ctx context.Context, id string, from, to models.BookingStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return fmt.Errorf("booking %s: %w", id, ErrNotFound)
	}
	if b.Status != from {
		return fmt.Errorf("booking %s is %s, not %s: %w", id, b.Status, from, ErrStatusConflict)
	}
	b.Status = to
	b.UpdatedAt = at
	m.bookings[id] = b
	return nil
}

type vehicleEntry struct {
	mu  sync.Mutex
	rec models.VehicleAvailability
}

// MemoryVehicleStore keeps one mutex per vehicle; the map lock is only held
// to find the entry.
type MemoryVehicleStore struct {
	mu       sync.RWMutex
	vehicles map[string]*vehicleEntry
}

func NewMemoryVehicleStore() *MemoryVehicleStore {
	return &MemoryVehicleStore{vehicles: make(map[string]*vehicleEntry)}
}

func (m *MemoryVehicleStore) RegisterVehicle(ctx context.Context, vehicleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vehicles[vehicleID]; ok {
		return nil
	}
	m.vehicles[vehicleID] = &vehicleEntry{rec: models.VehicleAvailability{VehicleID: vehicleID, Available: true}}
	return nil
}

func (m *MemoryVehicleStore) entry(vehicleID string) (*vehicleEntry, error) {
	m.mu.RLock()
	e, ok := m.vehicles[vehicleID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("vehicle %s: %w", vehicleID, ErrNotFound)
	}
	return e, nil
}

func (m *MemoryVehicleStore) GetVehicle(ctx context.Context, vehicleID string) (models.VehicleAvailability, error) {
	e, err := m.entry(vehicleID)
	if err != nil {
		return models.VehicleAvailability{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyRecord(e.rec), nil
}

func (m *MemoryVehicleStore) UpdateVehicle(ctx context.Context, vehicleID string, fn UpdateFunc) (models.VehicleAvailability, error) {
	e, err := m.entry(vehicleID)
	if err != nil {
		return models.VehicleAvailability{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := copyRecord(e.rec)
	if err := fn(&rec); err != nil {
		return copyRecord(e.rec), err
	}
	rec.VehicleID = vehicleID
	e.rec = rec
	return copyRecord(rec), nil
}

func (m *MemoryVehicleStore) ListVehicles(ctx context.Context) ([]models.VehicleAvailability, error) {
	m.mu.RLock()
	entries := make([]*vehicleEntry, 0, len(m.vehicles))
	for _, e := range m.vehicles {
		entries = append(entries, e)
	}
	m.mu.RUnlock()
	out := make([]models.VehicleAvailability, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, copyRecord(e.rec))
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VehicleID < out[j].VehicleID })
	return out, nil
}

func copyRecord(v models.VehicleAvailability) models.VehicleAvailability {
	if v.LockedUntil != nil {
		t := *v.LockedUntil
		v.LockedUntil = &t
	}
	return v
}
