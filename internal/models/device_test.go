package models

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterDeviceRequest(t *testing.T) {
	valid := func() RegisterDeviceRequest {
		return RegisterDeviceRequest{RegistrationCode: "ABCDE", Model: "Pixel 7", OSVersion: "14"}
	}

	t.Run("server mode accepts request without device id", func(t *testing.T) {
		req := valid()
		req.Normalize()
		assert.NoError(t, req.Validate(DeviceIDModeServer))
	})

	t.Run("server mode rejects a client supplied id", func(t *testing.T) {
		req := valid()
		req.DeviceID = "dev-1"
		req.Normalize()
		assert.ErrorIs(t, req.Validate(DeviceIDModeServer), ErrDeviceIDNotAllowed)
	})

	t.Run("client mode requires an id", func(t *testing.T) {
		req := valid()
		req.Normalize()
		assert.ErrorIs(t, req.Validate(DeviceIDModeClient), ErrDeviceIDRequired)

		req.DeviceID = " dev-1 "
		req.Normalize()
		assert.NoError(t, req.Validate(DeviceIDModeClient))
		assert.Equal(t, "dev-1", req.DeviceID)
	})

	t.Run("legacy androidVersion fills osVersion", func(t *testing.T) {
		req := RegisterDeviceRequest{RegistrationCode: "ABCDE", Model: "Tab", AndroidVersion: "12"}
		req.Normalize()
		assert.Equal(t, "12", req.OSVersion)
		assert.NoError(t, req.Validate(DeviceIDModeServer))
	})

	t.Run("missing fields", func(t *testing.T) {
		req := RegisterDeviceRequest{Model: "x", OSVersion: "1"}
		assert.ErrorIs(t, req.Validate(DeviceIDModeServer), ErrEmptyRegistrationCode)

		req = RegisterDeviceRequest{RegistrationCode: "ABCDE", OSVersion: "1"}
		assert.ErrorIs(t, req.Validate(DeviceIDModeServer), ErrEmptyModel)

		req = RegisterDeviceRequest{RegistrationCode: "ABCDE", Model: "x"}
		assert.ErrorIs(t, req.Validate(DeviceIDModeServer), ErrEmptyOSVersion)
	})
}

func TestNewDevice(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	generated := NewDevice("", "Pixel", "14", "lab", now)
	assert.NotEmpty(t, generated.ID)
	assert.Equal(t, now, generated.RegisteredAt)
	assert.Equal(t, now, generated.LastSeenAt)

	declared := NewDevice("dev-1", "Pixel", "14", "lab", now)
	assert.Equal(t, "dev-1", declared.ID)

	resp := declared.ToRegisterResponse()
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, "dev-1", resp.DeviceID)
	assert.Equal(t, "lab", resp.Description)
}

func TestAppErrorKinds(t *testing.T) {
	wrapped := fmt.Errorf("redeem: %w", ErrInvalidOrExpiredCode)

	assert.ErrorIs(t, wrapped, ErrInvalidOrExpiredCode)
	assert.Equal(t, KindAuth, KindOf(wrapped))
	assert.Equal(t, KindInternal, KindOf(fmt.Errorf("boom")))
	assert.Equal(t, KindNotFound, KindOf(ErrNoPolicyAssigned))
	assert.Equal(t, "conflict", KindConflict.String())
}

func TestNewTelemetryEvent(t *testing.T) {
	received := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("defaults device id and timestamp", func(t *testing.T) {
		ev := NewTelemetryEvent("", nil, "login", nil, 0, received)

		assert.Equal(t, UnknownDeviceID, ev.DeviceID)
		assert.Equal(t, EventLogin, ev.Type)
		assert.Equal(t, received, ev.OccurredAt)
		assert.JSONEq(t, `null`, string(ev.Data))
	})

	t.Run("uses client timestamp in milliseconds", func(t *testing.T) {
		at := received.Add(-time.Hour)
		ev := NewTelemetryEvent("dev-1", nil, EventLocation, json.RawMessage(`{"lat":1}`), at.UnixMilli(), received)

		assert.Equal(t, at, ev.OccurredAt)
		assert.Equal(t, received, ev.ReceivedAt)
		assert.JSONEq(t, `{"lat":1}`, string(ev.Data))
	})
}

func TestIngestTelemetryRequestValidate(t *testing.T) {
	req := IngestTelemetryRequest{UserID: "u1", Events: []TelemetryEventInput{{Type: "LOGIN"}}}
	require.NoError(t, req.Validate())

	req.Events = nil
	assert.ErrorIs(t, req.Validate(), ErrInvalidTelemetryPayload)

	req = IngestTelemetryRequest{Events: []TelemetryEventInput{}}
	assert.ErrorIs(t, req.Validate(), ErrInvalidTelemetryPayload)

	req = IngestTelemetryRequest{UserID: "u1", Events: []TelemetryEventInput{{Type: " "}}}
	assert.ErrorIs(t, req.Validate(), ErrEmptyEventType)
}

func TestNewUser(t *testing.T) {
	user, err := NewUser(" alice ", "correct horse", "")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, RoleChild, user.Role)
	assert.True(t, user.VerifyPassword("correct horse"))
	assert.False(t, user.VerifyPassword("wrong"))

	_, err = NewUser("bob", "short", RoleParent)
	assert.ErrorIs(t, err, ErrPasswordTooShort)

	_, err = NewUser("bob", "long enough", "admin")
	assert.ErrorIs(t, err, ErrInvalidRole)
}
