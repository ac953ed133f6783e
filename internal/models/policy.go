package models

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Policy is a named allow-list that can be assigned to devices.
// Config holds the JSON object exactly as the operator submitted it (compacted).
type Policy struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Config      string    `json:"config"`
	AllowedApps []string  `json:"allowedApps"`
	CreatedAt   time.Time `json:"createdAt"`
}

// PolicyConfig is the typed view of a policy's config blob.
// A missing allowedApps field means an empty allow-list.
type PolicyConfig struct {
	Name        string   `json:"name,omitempty"`
	AllowedApps []string `json:"allowedApps"`
}

// PolicyAssignment binds a device to exactly one policy
type PolicyAssignment struct {
	DeviceID   string    `json:"deviceId"`
	PolicyID   string    `json:"policyId"`
	AssignedAt time.Time `json:"assignedAt"`
}

// AssignedPolicy is what a device receives from the sync endpoint.
// UpdatedAt is the policy creation time and serves as a version marker.
type AssignedPolicy struct {
	PolicyID  string    `json:"-"`
	Config    string    `json:"config"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CreatePolicyRequest is the request body for creating a policy
type CreatePolicyRequest struct {
	Name   string          `json:"name"`
	Config json.RawMessage `json:"config"`
}

// CreatePolicyResponse is returned after creating a policy
type CreatePolicyResponse struct {
	Success   bool            `json:"success"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Config    json.RawMessage `json:"config"`
	CreatedAt time.Time       `json:"createdAt"`
}

// AssignPolicyRequest is the request body for assigning a policy to a device
type AssignPolicyRequest struct {
	PolicyID string `json:"policyId"`
}

// NewPolicy validates name and config and creates a policy
func NewPolicy(name string, rawConfig []byte, now time.Time) (*Policy, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyPolicyName
	}

	cfg, err := ParsePolicyConfig(rawConfig)
	if err != nil {
		return nil, err
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, rawConfig); err != nil {
		return nil, ErrInvalidPolicyConfig
	}

	return &Policy{
		ID:          uuid.New().String(),
		Name:        name,
		Config:      compact.String(),
		AllowedApps: cfg.AllowedApps,
		CreatedAt:   now.UTC(),
	}, nil
}

// ParsePolicyConfig decodes and validates a config blob. The blob must be a
// JSON object; allowedApps, when present, must be an array of non-empty
// strings. Entries are trimmed and deduplicated keeping first-seen order.
func ParsePolicyConfig(raw []byte) (PolicyConfig, error) {
	var cfg PolicyConfig

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return cfg, ErrInvalidPolicyConfig
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return cfg, ErrInvalidPolicyConfig
	}

	if rawName, ok := fields["name"]; ok {
		if err := json.Unmarshal(rawName, &cfg.Name); err != nil {
			return cfg, ErrInvalidPolicyConfig
		}
	}

	cfg.AllowedApps = []string{}
	rawApps, ok := fields["allowedApps"]
	if !ok {
		return cfg, nil
	}

	var apps []string
	if err := json.Unmarshal(rawApps, &apps); err != nil {
		return cfg, ErrInvalidAllowedApps
	}

	seen := make(map[string]bool, len(apps))
	for _, app := range apps {
		app = strings.TrimSpace(app)
		if app == "" {
			return cfg, ErrInvalidAllowedApps
		}
		if seen[app] {
			continue
		}
		seen[app] = true
		cfg.AllowedApps = append(cfg.AllowedApps, app)
	}
	return cfg, nil
}

// Policy errors
var (
	ErrEmptyPolicyName     = NewValidationError("Missing name or config")
	ErrInvalidPolicyConfig = NewValidationError("config must be a JSON object")
	ErrInvalidAllowedApps  = NewValidationError("allowedApps must be an array of non-empty strings")
	ErrEmptyPolicyID       = NewValidationError("Missing deviceId or policyId")
)
