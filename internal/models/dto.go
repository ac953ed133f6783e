package models

import "time"

// HealthResponse is returned by health check
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// SuccessResponse is returned by endpoints with nothing else to report
type SuccessResponse struct {
	Success bool `json:"success"`
}

// NotificationMessage is pushed to devices over the websocket hub
type NotificationMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// PolicyAssignedPayload tells a device its policy changed
type PolicyAssignedPayload struct {
	DeviceID string `json:"deviceId"`
	PolicyID string `json:"policyId"`
}

// Notification types
const (
	NotificationPolicyAssigned = "policy_assigned"
)

// DeviceTopic is the hub topic a device subscribes to
func DeviceTopic(deviceID string) string {
	return "device:" + deviceID
}
