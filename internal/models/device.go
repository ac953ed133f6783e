package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Device id modes. A deployment picks exactly one.
const (
	DeviceIDModeServer = "server"
	DeviceIDModeClient = "client"
)

// Device represents an enrolled kiosk device
type Device struct {
	ID           string    `json:"id"`
	Model        string    `json:"model"`
	OSVersion    string    `json:"osVersion"`
	Description  string    `json:"description"`
	RegisteredAt time.Time `json:"registeredAt"`
	LastSeenAt   time.Time `json:"lastSeenAt"`
}

// RegisterDeviceRequest is the request body for redeeming an enrollment code.
// DeviceID is only honoured when the server runs in client id mode.
type RegisterDeviceRequest struct {
	RegistrationCode string `json:"registrationCode"`
	Model            string `json:"model"`
	OSVersion        string `json:"osVersion"`
	AndroidVersion   string `json:"androidVersion,omitempty"` // older agents
	DeviceID         string `json:"deviceId,omitempty"`
}

// RegisterDeviceResponse is returned after a successful redemption
type RegisterDeviceResponse struct {
	Status       string    `json:"status"`
	DeviceID     string    `json:"deviceId"`
	Description  string    `json:"description"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// StatusErrorResponse is the failure shape of the registration endpoint
type StatusErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Normalize trims fields and folds the legacy version field into OSVersion
func (r *RegisterDeviceRequest) Normalize() {
	r.Model = strings.TrimSpace(r.Model)
	r.OSVersion = strings.TrimSpace(r.OSVersion)
	if r.OSVersion == "" {
		r.OSVersion = strings.TrimSpace(r.AndroidVersion)
	}
	r.DeviceID = strings.TrimSpace(r.DeviceID)
}

// Validate checks the request against the deployment's id mode
func (r *RegisterDeviceRequest) Validate(idMode string) error {
	if strings.TrimSpace(r.RegistrationCode) == "" {
		return ErrEmptyRegistrationCode
	}
	if r.Model == "" {
		return ErrEmptyModel
	}
	if r.OSVersion == "" {
		return ErrEmptyOSVersion
	}
	switch idMode {
	case DeviceIDModeClient:
		if r.DeviceID == "" {
			return ErrDeviceIDRequired
		}
	default:
		if r.DeviceID != "" {
			return ErrDeviceIDNotAllowed
		}
	}
	return nil
}

// NewDevice creates a device record. An empty id gets a server-generated one.
func NewDevice(id, model, osVersion, description string, now time.Time) *Device {
	if id == "" {
		id = uuid.New().String()
	}
	now = now.UTC()
	return &Device{
		ID:           id,
		Model:        model,
		OSVersion:    osVersion,
		Description:  description,
		RegisteredAt: now,
		LastSeenAt:   now,
	}
}

// ToRegisterResponse converts a device to the registration response
func (d *Device) ToRegisterResponse() RegisterDeviceResponse {
	return RegisterDeviceResponse{
		Status:       "success",
		DeviceID:     d.ID,
		Description:  d.Description,
		RegisteredAt: d.RegisteredAt,
	}
}

// Device errors
var (
	ErrEmptyRegistrationCode = NewValidationError("registrationCode is required")
	ErrEmptyModel            = NewValidationError("model is required")
	ErrEmptyOSVersion        = NewValidationError("osVersion is required")
	ErrDeviceIDRequired      = NewValidationError("deviceId is required")
	ErrDeviceIDNotAllowed    = NewValidationError("deviceId is assigned by the server")
)
