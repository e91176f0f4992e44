package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/trip-coordinator/internal/models"
)

const (
	vehicleSetKey    = "vehicles"
	maxWatchAttempts = 10
)

// RedisVehicleStore keeps each vehicle in a hash and uses WATCH/MULTI on the
// vehicle key, so concurrent writers from several processes stay atomic per
// vehicle.
type RedisVehicleStore struct {
	client *redis.Client
}

func NewRedisVehicleStore(addr, password string) *RedisVehicleStore {
	return &RedisVehicleStore{client: redis.NewClient(&redis.Options{Addr: addr, Password: password})}
}

func NewRedisVehicleStoreFromClient(c *redis.Client) *RedisVehicleStore {
	return &RedisVehicleStore{client: c}
}

func (r *RedisVehicleStore) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisVehicleStore) Close() error { return r.client.Close() }

func vehicleKey(id string) string { return "vehicle:avail:" + id }

func (r *RedisVehicleStore) RegisterVehicle(ctx context.Context, vehicleID string) error {
	key := vehicleKey(vehicleID)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, "available", "true")
		pipe.SAdd(ctx, vehicleSetKey, vehicleID)
		return nil
	})
	return err
}

func (r *RedisVehicleStore) GetVehicle(ctx context.Context, vehicleID string) (models.VehicleAvailability, error) {
	m, err := r.client.HGetAll(ctx, vehicleKey(vehicleID)).Result()
	if err != nil {
		return models.VehicleAvailability{}, err
	}
	return decodeVehicle(vehicleID, m)
}

func (r *RedisVehicleStore) UpdateVehicle(ctx context.Context, vehicleID string, fn UpdateFunc) (models.VehicleAvailability, error) {
	key := vehicleKey(vehicleID)
	var out models.VehicleAvailability
	txf := func(tx *redis.Tx) error {
		m, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		rec, err := decodeVehicle(vehicleID, m)
		if err != nil {
			return err
		}
		out = copyRecord(rec)
		if err := fn(&rec); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "available", strconv.FormatBool(rec.Available))
			if rec.LockedUntil != nil {
				pipe.HSet(ctx, key, "locked_until", rec.LockedUntil.UTC().Format(time.RFC3339Nano))
			} else {
				pipe.HDel(ctx, key, "locked_until")
			}
			return nil
		})
		if err == nil {
			rec.VehicleID = vehicleID
			out = rec
		}
		return err
	}
	for i := 0; i < maxWatchAttempts; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return out, err
	}
	return out, fmt.Errorf("vehicle %s: too much contention", vehicleID)
}

func (r *RedisVehicleStore) ListVehicles(ctx context.Context) ([]models.VehicleAvailability, error) {
	ids, err := r.client.SMembers(ctx, vehicleSetKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]models.VehicleAvailability, 0, len(ids))
	for _, id := range ids {
		v, err := r.GetVehicle(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func decodeVehicle(vehicleID string, m map[string]string) (models.VehicleAvailability, error) {
	if len(m) == 0 {
		return models.VehicleAvailability{}, fmt.Errorf("vehicle %s: %w", vehicleID, ErrNotFound)
	}
	v := models.VehicleAvailability{VehicleID: vehicleID, Available: m["available"] == "true"}
	if s, ok := m["locked_until"]; ok && s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return models.VehicleAvailability{}, fmt.Errorf("vehicle %s: bad locked_until %q: %w", vehicleID, s, err)
		}
		v.LockedUntil = &t
	}
	return v, nil
}
