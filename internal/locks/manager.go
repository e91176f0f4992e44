// Package locks owns vehicle availability holds created by confirmed bookings.
//
// A vehicle carries a single lockedUntil timestamp rather than one hold per
// booking. Holds only ever grow; a release is ignored while a hold is still
// in force, and expired holds are cleared lazily whenever the record is read.
package locks

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/trip-coordinator/internal/models"
	"github.com/example/trip-coordinator/internal/observability"
	"github.com/example/trip-coordinator/internal/storage"
)

type Manager struct {
	store  storage.VehicleStore
	now    func() time.Time
	logger *slog.Logger
}

func NewManager(store storage.VehicleStore, now func() time.Time, logger *slog.Logger) *Manager {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, now: now, logger: logger}
}

// Acquire marks the vehicle unavailable until candidateUntil, keeping an
// existing later hold.
func (m *Manager) Acquire(ctx context.Context, vehicleID string, candidateUntil time.Time) (models.VehicleAvailability, error) {
	rec, err := m.store.UpdateVehicle(ctx, vehicleID, func(v *models.VehicleAvailability) error {
		v.Available = false
		if v.LockedUntil != nil && v.LockedUntil.After(candidateUntil) {
			return nil
		}
		until := candidateUntil
		v.LockedUntil = &until
		return nil
	})
	if err != nil {
		observability.LockOperations.WithLabelValues("acquire", "error").Inc()
		return rec, err
	}
	observability.LockOperations.WithLabelValues("acquire", "ok").Inc()
	m.logger.Debug("vehicle lock acquired", "vehicle_id", vehicleID, "locked_until", rec.LockedUntil, "candidate_until", candidateUntil)
	return rec, nil
}

// Release frees the vehicle unless a hold is still active. The returned bool
// reports whether the vehicle was freed.
func (m *Manager) Release(ctx context.Context, vehicleID string) (models.VehicleAvailability, bool, error) {
	now := m.now()
	released := false
	rec, err := m.store.UpdateVehicle(ctx, vehicleID, func(v *models.VehicleAvailability) error {
		if v.ActiveHold(now) {
			return nil
		}
		v.Available = true
		v.LockedUntil = nil
		released = true
		return nil
	})
	if err != nil {
		observability.LockOperations.WithLabelValues("release", "error").Inc()
		return rec, false, err
	}
	if released {
		observability.LockOperations.WithLabelValues("release", "ok").Inc()
	} else {
		observability.LockOperations.WithLabelValues("release", "held").Inc()
		m.logger.Info("vehicle release skipped, hold still active", "vehicle_id", vehicleID, "locked_until", rec.LockedUntil)
	}
	return rec, released, nil
}

// Reconcile clears an expired hold on one vehicle.
func (m *Manager) Reconcile(ctx context.Context, vehicleID string) (models.VehicleAvailability, error) {
	rec, err := m.store.GetVehicle(ctx, vehicleID)
	if err != nil {
		return rec, err
	}
	now := m.now()
	if !rec.Expired(now) {
		return rec, nil
	}
	rec, err = m.store.UpdateVehicle(ctx, vehicleID, func(v *models.VehicleAvailability) error {
		if v.Expired(now) {
			v.Available = true
			v.LockedUntil = nil
		}
		return nil
	})
	if err == nil {
		observability.LockOperations.WithLabelValues("expire", "ok").Inc()
	}
	return rec, err
}

// Availability is the read path for a single vehicle; it always reconciles first.
func (m *Manager) Availability(ctx context.Context, vehicleID string) (models.VehicleAvailability, error) {
	return m.Reconcile(ctx, vehicleID)
}

// ReconcileAll clears every expired hold and returns how many were cleared.
func (m *Manager) ReconcileAll(ctx context.Context) (int, error) {
	list, err := m.store.ListVehicles(ctx)
	if err != nil {
		return 0, err
	}
	now := m.now()
	cleared := 0
	for _, v := range list {
		if !v.Expired(now) {
			continue
		}
		if _, err := m.Reconcile(ctx, v.VehicleID); err != nil {
			return cleared, err
		}
		cleared++
	}
	return cleared, nil
}

// List reconciles every vehicle and then returns them, optionally only the
// available ones.
func (m *Manager) List(ctx context.Context, onlyAvailable bool) ([]models.VehicleAvailability, error) {
	if _, err := m.ReconcileAll(ctx); err != nil {
		return nil, err
	}
	list, err := m.store.ListVehicles(ctx)
	if err != nil {
		return nil, err
	}
	if !onlyAvailable {
		return list, nil
	}
	out := list[:0]
	for _, v := range list {
		if v.Available {
			out = append(out, v)
		}
	}
	return out, nil
}

// RunSweeper calls ReconcileAll every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n, err := m.ReconcileAll(ctx); err != nil {
				m.logger.Warn("lock sweep failed", "error", err)
			} else if n > 0 {
				m.logger.Info("expired vehicle locks cleared", "count", n)
			}
		}
	}
}
