package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/trip-coordinator/internal/models"
)

// OpenPostgres opens and pings a lib/pq connection pool.
func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate executes a plain SQL migration file.
func Migrate(ctx context.Context, db *sql.DB, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply migration %s: %w", path, err)
	}
	return nil
}

type PostgresBookingStore struct {
	db *sql.DB
}

func NewPostgresBookingStore(db *sql.DB) *PostgresBookingStore {
	return &PostgresBookingStore{db: db}
}

func (p *PostgresBookingStore) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	var b models.Booking
	var status string
	err := p.db.QueryRowContext(ctx,
		`SELECT id, vehicle_id, renter_id, pickup_date, pickup_time, drop_date, drop_time, status, created_at, updated_at
		 FROM bookings WHERE id=$1`, id).
		Scan(&b.ID, &b.VehicleID, &b.RenterID, &b.PickupDate, &b.PickupTime, &b.DropDate, &b.DropTime, &status, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("booking %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	b.Status = models.BookingStatus(status)
	return &b, nil
}

func (p *PostgresBookingStore) SaveBooking(ctx context.Context, b *models.Booking) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO bookings(id, vehicle_id, renter_id, pickup_date, pickup_time, drop_date, drop_time, status, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 ON CONFLICT (id) DO UPDATE SET vehicle_id=EXCLUDED.vehicle_id, renter_id=EXCLUDED.renter_id,
		   pickup_date=EXCLUDED.pickup_date, pickup_time=EXCLUDED.pickup_time, drop_date=EXCLUDED.drop_date,
		   drop_time=EXCLUDED.drop_time, status=EXCLUDED.status, updated_at=EXCLUDED.updated_at`,
		b.ID, b.VehicleID, b.RenterID, b.PickupDate, b.PickupTime, b.DropDate, b.DropTime, string(b.Status), b.CreatedAt, b.UpdatedAt)
	return err
}

func (p *PostgresBookingStore) UpdateBookingStatus(ctx context.Context, id string, from, to models.BookingStatus, at time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE bookings SET status=$1, updated_at=$2 WHERE id=$3 AND status=$4`,
		string(to), at, id, string(from))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	// no row matched: either the booking is gone or someone moved it first
	var current string
	err = p.db.QueryRowContext(ctx, `SELECT status FROM bookings WHERE id=$1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("booking %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("booking %s is %s, not %s: %w", id, current, from, ErrStatusConflict)
}

// PostgresVehicleStore serializes per-vehicle updates with SELECT ... FOR UPDATE.
type PostgresVehicleStore struct {
	db *sql.DB
}

func NewPostgresVehicleStore(db *sql.DB) *PostgresVehicleStore {
	return &PostgresVehicleStore{db: db}
}

func (p *PostgresVehicleStore) RegisterVehicle(ctx context.Context, vehicleID string) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO vehicles(id, available) VALUES($1, TRUE) ON CONFLICT (id) DO NOTHING`, vehicleID)
	return err
}

func (p *PostgresVehicleStore) GetVehicle(ctx context.Context, vehicleID string) (models.VehicleAvailability, error) {
	return scanVehicle(p.db.QueryRowContext(ctx, `SELECT id, available, locked_until FROM vehicles WHERE id=$1`, vehicleID), vehicleID)
}

func (p *PostgresVehicleStore) UpdateVehicle(ctx context.Context, vehicleID string, fn UpdateFunc) (models.VehicleAvailability, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return models.VehicleAvailability{}, err
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := scanVehicle(tx.QueryRowContext(ctx, `SELECT id, available, locked_until FROM vehicles WHERE id=$1 FOR UPDATE`, vehicleID), vehicleID)
	if err != nil {
		return models.VehicleAvailability{}, err
	}
	prev := copyRecord(rec)
	if err := fn(&rec); err != nil {
		return prev, err
	}
	var until sql.NullTime
	if rec.LockedUntil != nil {
		until = sql.NullTime{Time: *rec.LockedUntil, Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE vehicles SET available=$1, locked_until=$2 WHERE id=$3`, rec.Available, until, vehicleID); err != nil {
		return models.VehicleAvailability{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.VehicleAvailability{}, err
	}
	rec.VehicleID = vehicleID
	return rec, nil
}

func (p *PostgresVehicleStore) ListVehicles(ctx context.Context) ([]models.VehicleAvailability, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, available, locked_until FROM vehicles ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.VehicleAvailability
	for rows.Next() {
		var v models.VehicleAvailability
		var until sql.NullTime
		if err := rows.Scan(&v.VehicleID, &v.Available, &until); err != nil {
			return nil, err
		}
		if until.Valid {
			t := until.Time
			v.LockedUntil = &t
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanVehicle(row *sql.Row, vehicleID string) (models.VehicleAvailability, error) {
	var v models.VehicleAvailability
	var until sql.NullTime
	err := row.Scan(&v.VehicleID, &v.Available, &until)
	if errors.Is(err, sql.ErrNoRows) {
		return models.VehicleAvailability{}, fmt.Errorf("vehicle %s: %w", vehicleID, ErrNotFound)
	}
	if err != nil {
		return models.VehicleAvailability{}, err
	}
	if until.Valid {
		t := until.Time
		v.LockedUntil = &t
	}
	return v, nil
}
