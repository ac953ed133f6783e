package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Telemetry event types emitted by agents and the auth endpoints
const (
	EventLogin         = "LOGIN"
	EventLogout        = "LOGOUT"
	EventLocation      = "LOCATION"
	EventAppUsage      = "APP_USAGE"
	EventKioskEnter    = "KIOSK_ENTER"
	EventKioskExit     = "KIOSK_EXIT"
	EventPolicyApplied = "POLICY_APPLIED"
)

// UnknownDeviceID is recorded when a client omits its device id
const UnknownDeviceID = "unknown"

// TelemetryEvent is an append-only server-side telemetry record
type TelemetryEvent struct {
	ID         string          `json:"id"`
	DeviceID   string          `json:"deviceId"`
	UserID     *string         `json:"userId,omitempty"`
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
	OccurredAt time.Time       `json:"occurredAt"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// TelemetryEventInput is a single event as submitted by an agent.
// Timestamp is epoch milliseconds.
type TelemetryEventInput struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// IngestTelemetryRequest is the request body of the telemetry endpoint
type IngestTelemetryRequest struct {
	UserID   string                `json:"userId"`
	DeviceID string                `json:"deviceId"`
	Events   []TelemetryEventInput `json:"events"`
}

// IngestTelemetryResponse acknowledges an ingested batch
type IngestTelemetryResponse struct {
	Success bool `json:"success"`
	Count   int  `json:"count"`
}

// Validate checks the batch envelope and every event type
func (r *IngestTelemetryRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" || r.Events == nil {
		return ErrInvalidTelemetryPayload
	}
	for _, e := range r.Events {
		if strings.TrimSpace(e.Type) == "" {
			return ErrEmptyEventType
		}
	}
	return nil
}

// NewTelemetryEvent builds a server record. A zero timestamp falls back to receivedAt.
func NewTelemetryEvent(deviceID string, userID *string, eventType string, data json.RawMessage, timestampMillis int64, receivedAt time.Time) *TelemetryEvent {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		deviceID = UnknownDeviceID
	}
	if len(data) == 0 {
		data = json.RawMessage("null")
	}

	receivedAt = receivedAt.UTC()
	occurredAt := receivedAt
	if timestampMillis > 0 {
		occurredAt = time.UnixMilli(timestampMillis).UTC()
	}

	return &TelemetryEvent{
		ID:         uuid.New().String(),
		DeviceID:   deviceID,
		UserID:     userID,
		Type:       strings.ToUpper(strings.TrimSpace(eventType)),
		Data:       data,
		OccurredAt: occurredAt,
		ReceivedAt: receivedAt,
	}
}

// Telemetry errors
var (
	ErrInvalidTelemetryPayload = NewValidationError("Invalid payload")
	ErrEmptyEventType          = NewValidationError("event type is required")
)
