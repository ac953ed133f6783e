package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kioskfleet/fleet/internal/models"
)

// failingTelemetryRepo rejects every write
type failingTelemetryRepo struct{}

func (failingTelemetryRepo) AddBatch(context.Context, []*models.TelemetryEvent) error {
	return errors.New("disk full")
}

func (failingTelemetryRepo) GetByDevice(context.Context, string, int) ([]*models.TelemetryEvent, error) {
	return nil, nil
}

func TestTelemetryService_Ingest(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, models.DeviceIDModeServer)
	svc := NewTelemetryService(env.telemetry, nil)
	svc.SetClock(env.clock.Now)

	t.Run("applies device and timestamp defaults", func(t *testing.T) {
		at := env.clock.Now().Add(-5 * time.Minute)
		count, err := svc.Ingest(ctx, models.IngestTelemetryRequest{
			UserID: "u1",
			Events: []models.TelemetryEventInput{
				{Type: "location", Data: json.RawMessage(`{"lat":1,"lng":2,"acc":3}`), Timestamp: at.UnixMilli()},
				{Type: models.EventAppUsage, Data: json.RawMessage(`[{"packageName":"com.a","totalTime":10}]`)},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		events, err := svc.DeviceEvents(ctx, models.UnknownDeviceID, 10)
		require.NoError(t, err)
		require.Len(t, events, 2)

		byType := map[string]*models.TelemetryEvent{}
		for _, e := range events {
			byType[e.Type] = e
		}
		require.Contains(t, byType, models.EventLocation)
		assert.True(t, at.Equal(byType[models.EventLocation].OccurredAt))
		assert.True(t, env.clock.Now().Equal(byType[models.EventAppUsage].OccurredAt))
		assert.Equal(t, "u1", *byType[models.EventAppUsage].UserID)
	})

	t.Run("empty batch is accepted", func(t *testing.T) {
		count, err := svc.Ingest(ctx, models.IngestTelemetryRequest{UserID: "u1", Events: []models.TelemetryEventInput{}})
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("missing user id is rejected", func(t *testing.T) {
		_, err := svc.Ingest(ctx, models.IngestTelemetryRequest{Events: []models.TelemetryEventInput{{Type: "X"}}})
		assert.ErrorIs(t, err, models.ErrInvalidTelemetryPayload)
	})
}

func TestAuthService(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*testEnv, *AuthService) {
		env := newTestEnv(t, models.DeviceIDModeServer)
		telemetry := NewTelemetryService(env.telemetry, nil)
		telemetry.SetClock(env.clock.Now)
		return env, NewAuthService(env.users, telemetry, nil)
	}

	t.Run("seed admin only once", func(t *testing.T) {
		_, svc := setup(t)

		created, err := svc.SeedAdmin(ctx, "change-me-now")
		require.NoError(t, err)
		assert.True(t, created)

		created, err = svc.SeedAdmin(ctx, "change-me-now")
		require.NoError(t, err)
		assert.False(t, created)
	})

	t.Run("login records a LOGIN event", func(t *testing.T) {
		env, svc := setup(t)
		_, err := svc.CreateUser(ctx, "kid", "crayons-123", models.RoleChild)
		require.NoError(t, err)

		user, err := svc.Login(ctx, "kid", "crayons-123", "dev-1")
		require.NoError(t, err)
		assert.Equal(t, models.RoleChild, user.Role)

		events, err := env.telemetry.GetByDevice(ctx, "dev-1", 10)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, models.EventLogin, events[0].Type)
		assert.Equal(t, user.ID, *events[0].UserID)
	})

	t.Run("bad credentials", func(t *testing.T) {
		_, svc := setup(t)
		_, err := svc.CreateUser(ctx, "kid", "crayons-123", "")
		require.NoError(t, err)

		_, err = svc.Login(ctx, "kid", "wrong-password", "dev-1")
		assert.ErrorIs(t, err, models.ErrInvalidCredentials)

		_, err = svc.Login(ctx, "nobody", "crayons-123", "dev-1")
		assert.ErrorIs(t, err, models.ErrInvalidCredentials)

		_, err = svc.Login(ctx, "", "", "dev-1")
		assert.ErrorIs(t, err, models.ErrMissingCredentials)
	})

	t.Run("telemetry failure does not fail login or logout", func(t *testing.T) {
		env := newTestEnv(t, models.DeviceIDModeServer)
		svc := NewAuthService(env.users, NewTelemetryService(failingTelemetryRepo{}, nil), nil)
		_, err := svc.CreateUser(ctx, "kid", "crayons-123", "")
		require.NoError(t, err)

		user, err := svc.Login(ctx, "kid", "crayons-123", "dev-1")
		require.NoError(t, err)
		assert.NoError(t, svc.Logout(ctx, user.ID, "dev-1"))
	})

	t.Run("manage accounts", func(t *testing.T) {
		_, svc := setup(t)
		user, err := svc.CreateUser(ctx, "nurse", "ward-three-1", models.RoleParent)
		require.NoError(t, err)

		_, err = svc.CreateUser(ctx, " nurse ", "another-pass", "")
		assert.ErrorIs(t, err, models.ErrUsernameExists)
		assert.Equal(t, models.KindConflict, models.KindOf(err))

		users, err := svc.ListUsers(ctx)
		require.NoError(t, err)
		require.Len(t, users, 1)
		assert.Equal(t, user.ID, users[0].ID)

		require.NoError(t, svc.DeleteUser(ctx, user.ID))
		assert.ErrorIs(t, svc.DeleteUser(ctx, user.ID), models.ErrUserNotFound)

		_, err = svc.Login(ctx, "nurse", "ward-three-1", "dev-1")
		assert.ErrorIs(t, err, models.ErrInvalidCredentials)
	})

	t.Run("logout requires a user id", func(t *testing.T) {
		_, svc := setup(t)
		assert.ErrorIs(t, svc.Logout(ctx, "", "dev-1"), models.ErrMissingUserID)
	})
}
