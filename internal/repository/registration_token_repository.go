package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/kioskfleet/fleet/internal/models"
)

// RegistrationTokenRepository implements RegistrationTokenRepo for PostgreSQL/SQLite
type RegistrationTokenRepository struct {
	db *sql.DB
}

// NewRegistrationTokenRepository creates a new RegistrationTokenRepository
func NewRegistrationTokenRepository(db *sql.DB) *RegistrationTokenRepository {
	return &RegistrationTokenRepository{db: db}
}

// Add stores a new token. A duplicate code surfaces as a unique violation.
func (r *RegistrationTokenRepository) Add(ctx context.Context, token *models.RegistrationToken) error {
	query := `INSERT INTO registration_tokens (id, code, description, expires_at, created_at)
			  VALUES ($1, $2, $3, $4, $5)`
	_, err := r.db.ExecContext(ctx, query,
		token.ID, token.Code, token.Description, token.ExpiresAt.UTC(), token.CreatedAt.UTC())
	return err
}

// ExistsUnexpired reports whether a token with code is still redeemable at now
func (r *RegistrationTokenRepository) ExistsUnexpired(ctx context.Context, code string, now time.Time) (bool, error) {
	query := `SELECT COUNT(*) FROM registration_tokens WHERE code = $1 AND expires_at >= $2`

	var count int
	err := r.db.QueryRowContext(ctx, query, code, now.UTC()).Scan(&count)
	return count > 0, err
}

// DeleteExpired removes every token that expired before now
func (r *RegistrationTokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM registration_tokens WHERE expires_at < $1`, now.UTC())
	if err != nil {
		return 0, err
	}

	rows, err := result.RowsAffected()
	return int(rows), err
}

// Redeem consumes the unexpired token for code and saves the device built from
// it, all in one transaction. The conditional delete is the single point of
// truth: a concurrent redeemer of the same code deletes zero rows. Returns
// nil, nil when there was no redeemable token.
func (r *RegistrationTokenRepository) Redeem(ctx context.Context, code string, now time.Time, build DeviceBuilder, upsert bool) (*models.Device, error) {
	var device *models.Device

	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		query := `SELECT id, code, description, expires_at, created_at
				  FROM registration_tokens WHERE code = $1 AND expires_at >= $2`

		var token models.RegistrationToken
		err := tx.QueryRowContext(ctx, query, code, now.UTC()).Scan(
			&token.ID, &token.Code, &token.Description, &token.ExpiresAt, &token.CreatedAt,
		)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx,
			`DELETE FROM registration_tokens WHERE id = $1 AND expires_at >= $2`, token.ID, now.UTC())
		if err != nil {
			return err
		}
		consumed, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if consumed == 0 {
			return nil
		}

		d := build(&token)
		if upsert {
			err = upsertDevice(ctx, tx, d)
		} else {
			err = insertDevice(ctx, tx, d)
		}
		if err != nil {
			return err
		}
		device = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return device, nil
}
