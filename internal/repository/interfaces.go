package repository

import (
	"context"
	"time"

	"github.com/kioskfleet/fleet/internal/models"
)

// RegistrationTokenRepo defines persistence for enrollment codes
type RegistrationTokenRepo interface {
	Add(ctx context.Context, token *models.RegistrationToken) error
	ExistsUnexpired(ctx context.Context, code string, now time.Time) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	Redeem(ctx context.Context, code string, now time.Time, build DeviceBuilder, upsert bool) (*models.Device, error)
}

// DeviceBuilder turns a consumed token into the device to persist
type DeviceBuilder func(token *models.RegistrationToken) *models.Device

// DeviceRepo defines persistence for enrolled devices
type DeviceRepo interface {
	GetByID(ctx context.Context, id string) (*models.Device, error)
	GetAll(ctx context.Context) ([]*models.Device, error)
	Add(ctx context.Context, device *models.Device) error
	UpdateLastSeen(ctx context.Context, id string, at time.Time) error
}

// PolicyRepo defines persistence for policies and their assignments
type PolicyRepo interface {
	Add(ctx context.Context, policy *models.Policy) error
	GetByID(ctx context.Context, id string) (*models.Policy, error)
	GetAll(ctx context.Context) ([]*models.Policy, error)
	Assign(ctx context.Context, assignment *models.PolicyAssignment) error
	GetAssignment(ctx context.Context, deviceID string) (*models.PolicyAssignment, error)
	GetAssigned(ctx context.Context, deviceID string) (*models.AssignedPolicy, error)
}

// TelemetryRepo defines persistence for ingested telemetry
type TelemetryRepo interface {
	AddBatch(ctx context.Context, events []*models.TelemetryEvent) error
	GetByDevice(ctx context.Context, deviceID string, limit int) ([]*models.TelemetryEvent, error)
}

// UserRepo defines persistence for users
type UserRepo interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	GetAll(ctx context.Context) ([]*models.User, error)
	GetCount(ctx context.Context) (int, error)
	Add(ctx context.Context, user *models.User) error
	Delete(ctx context.Context, id string) (bool, error)
}
