package repository

import (
	"context"
	"database/sql"

	"github.com/kioskfleet/fleet/internal/models"
)

// TelemetryRepository implements TelemetryRepo for PostgreSQL/SQLite
type TelemetryRepository struct {
	db *sql.DB
}

// NewTelemetryRepository creates a new TelemetryRepository
func NewTelemetryRepository(db *sql.DB) *TelemetryRepository {
	return &TelemetryRepository{db: db}
}

// AddBatch stores all events or none of them
func (r *TelemetryRepository) AddBatch(ctx context.Context, events []*models.TelemetryEvent) error {
	if len(events) == 0 {
		return nil
	}

	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO telemetry_events
			(id, device_id, user_id, type, data, occurred_at, received_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, e := range events {
			var userID sql.NullString
			if e.UserID != nil {
				userID = sql.NullString{String: *e.UserID, Valid: true}
			}
			if _, err := stmt.ExecContext(ctx, e.ID, e.DeviceID, userID, e.Type, string(e.Data),
				e.OccurredAt.UTC(), e.ReceivedAt.UTC()); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetByDevice returns the most recent events of a device, newest first
func (r *TelemetryRepository) GetByDevice(ctx context.Context, deviceID string, limit int) ([]*models.TelemetryEvent, error) {
	query := `SELECT id, device_id, user_id, type, data, occurred_at, received_at
			  FROM telemetry_events WHERE device_id = $1
			  ORDER BY occurred_at DESC LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []*models.TelemetryEvent{}
	for rows.Next() {
		var e models.TelemetryEvent
		var userID sql.NullString
		var data string
		if err := rows.Scan(&e.ID, &e.DeviceID, &userID, &e.Type, &data, &e.OccurredAt, &e.ReceivedAt); err != nil {
			return nil, err
		}
		if userID.Valid {
			u := userID.String
			e.UserID = &u
		}
		e.Data = []byte(data)
		events = append(events, &e)
	}
	return events, rows.Err()
}
