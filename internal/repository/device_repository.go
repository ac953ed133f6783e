package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/kioskfleet/fleet/internal/models"
)

// DeviceRepository implements DeviceRepo for PostgreSQL/SQLite
type DeviceRepository struct {
	db *sql.DB
}

// NewDeviceRepository creates a new DeviceRepository
func NewDeviceRepository(db *sql.DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

func (r *DeviceRepository) GetByID(ctx context.Context, id string) (*models.Device, error) {
	query := `SELECT id, model, os_version, description, registered_at, last_seen_at
			  FROM devices WHERE id = $1`

	var device models.Device
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&device.ID, &device.Model, &device.OSVersion, &device.Description,
		&device.RegisteredAt, &device.LastSeenAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &device, nil
}

func (r *DeviceRepository) GetAll(ctx context.Context) ([]*models.Device, error) {
	query := `SELECT id, model, os_version, description, registered_at, last_seen_at
			  FROM devices ORDER BY registered_at DESC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	devices := []*models.Device{}
	for rows.Next() {
		var device models.Device
		if err := rows.Scan(&device.ID, &device.Model, &device.OSVersion, &device.Description,
			&device.RegisteredAt, &device.LastSeenAt); err != nil {
			return nil, err
		}
		devices = append(devices, &device)
	}
	return devices, rows.Err()
}

func (r *DeviceRepository) Add(ctx context.Context, device *models.Device) error {
	return insertDevice(ctx, r.db, device)
}

func (r *DeviceRepository) UpdateLastSeen(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE devices SET last_seen_at = $1 WHERE id = $2`, at.UTC(), id)
	return err
}

func insertDevice(ctx context.Context, q dbtx, device *models.Device) error {
	query := `INSERT INTO devices (id, model, os_version, description, registered_at, last_seen_at)
			  VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := q.ExecContext(ctx, query,
		device.ID, device.Model, device.OSVersion, device.Description,
		device.RegisteredAt.UTC(), device.LastSeenAt.UTC())
	return err
}

// upsertDevice re-enrolls a client-identified device, keeping its row and assignment
func upsertDevice(ctx context.Context, q dbtx, device *models.Device) error {
	query := `INSERT INTO devices (id, model, os_version, description, registered_at, last_seen_at)
			  VALUES ($1, $2, $3, $4, $5, $6)
			  ON CONFLICT (id) DO UPDATE SET
				model = excluded.model,
				os_version = excluded.os_version,
				description = excluded.description,
				registered_at = excluded.registered_at,
				last_seen_at = excluded.last_seen_at`
	_, err := q.ExecContext(ctx, query,
		device.ID, device.Model, device.OSVersion, device.Description,
		device.RegisteredAt.UTC(), device.LastSeenAt.UTC())
	return err
}
