package repository

import (
	"context"
	"database/sql"

	"github.com/kioskfleet/fleet/internal/models"
)

// PolicyRepository implements PolicyRepo for PostgreSQL/SQLite
type PolicyRepository struct {
	db *sql.DB
}

// NewPolicyRepository creates a new PolicyRepository
func NewPolicyRepository(db *sql.DB) *PolicyRepository {
	return &PolicyRepository{db: db}
}

func (r *PolicyRepository) Add(ctx context.Context, policy *models.Policy) error {
	query := `INSERT INTO policies (id, name, config, created_at) VALUES ($1, $2, $3, $4)`
	_, err := r.db.ExecContext(ctx, query, policy.ID, policy.Name, policy.Config, policy.CreatedAt.UTC())
	return err
}

func (r *PolicyRepository) GetByID(ctx context.Context, id string) (*models.Policy, error) {
	query := `SELECT id, name, config, created_at FROM policies WHERE id = $1`

	var policy models.Policy
	err := r.db.QueryRowContext(ctx, query, id).Scan(&policy.ID, &policy.Name, &policy.Config, &policy.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	fillAllowedApps(&policy)
	return &policy, nil
}

// GetAll returns every policy, newest first
func (r *PolicyRepository) GetAll(ctx context.Context) ([]*models.Policy, error) {
	query := `SELECT id, name, config, created_at FROM policies ORDER BY created_at DESC, id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	policies := []*models.Policy{}
	for rows.Next() {
		var policy models.Policy
		if err := rows.Scan(&policy.ID, &policy.Name, &policy.Config, &policy.CreatedAt); err != nil {
			return nil, err
		}
		fillAllowedApps(&policy)
		policies = append(policies, &policy)
	}
	return policies, rows.Err()
}

// Assign replaces the device's assignment in a single transaction. The
// primary key on device_id rejects a racing insert, reported as
// models.ErrAssignmentConflict.
func (r *PolicyRepository) Assign(ctx context.Context, assignment *models.PolicyAssignment) error {
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM device_policies WHERE device_id = $1`, assignment.DeviceID); err != nil {
			return err
		}

		query := `INSERT INTO device_policies (device_id, policy_id, assigned_at) VALUES ($1, $2, $3)`
		_, err := tx.ExecContext(ctx, query, assignment.DeviceID, assignment.PolicyID, assignment.AssignedAt.UTC())
		return err
	})
	if IsUniqueViolation(err) {
		return models.ErrAssignmentConflict
	}
	return err
}

func (r *PolicyRepository) GetAssignment(ctx context.Context, deviceID string) (*models.PolicyAssignment, error) {
	query := `SELECT device_id, policy_id, assigned_at FROM device_policies WHERE device_id = $1`

	var a models.PolicyAssignment
	err := r.db.QueryRowContext(ctx, query, deviceID).Scan(&a.DeviceID, &a.PolicyID, &a.AssignedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAssigned returns the config blob of the device's policy, or nil when none is assigned
func (r *PolicyRepository) GetAssigned(ctx context.Context, deviceID string) (*models.AssignedPolicy, error) {
	query := `SELECT p.id, p.config, p.created_at
			  FROM device_policies dp
			  JOIN policies p ON p.id = dp.policy_id
			  WHERE dp.device_id = $1`

	var assigned models.AssignedPolicy
	err := r.db.QueryRowContext(ctx, query, deviceID).Scan(&assigned.PolicyID, &assigned.Config, &assigned.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &assigned, nil
}

func fillAllowedApps(policy *models.Policy) {
	cfg, err := models.ParsePolicyConfig([]byte(policy.Config))
	if err != nil {
		policy.AllowedApps = []string{}
		return
	}
	policy.AllowedApps = cfg.AllowedApps
}
