package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kioskfleet/fleet/internal/models"
	"github.com/kioskfleet/fleet/internal/observability"
	"github.com/kioskfleet/fleet/internal/repository"
)

// DeviceNotifier pushes a message to a single device's live connections
type DeviceNotifier interface {
	NotifyDevice(deviceID string, msg models.NotificationMessage)
}

// PolicyService stores policies, assigns them to devices and serves them back
type PolicyService struct {
	policyRepo repository.PolicyRepo
	deviceRepo repository.DeviceRepo
	notifier   DeviceNotifier
	now        Clock
	metrics    *observability.FleetMetrics
}

// NewPolicyService creates a new PolicyService
func NewPolicyService(
	policyRepo repository.PolicyRepo,
	deviceRepo repository.DeviceRepo,
	metrics *observability.FleetMetrics,
) *PolicyService {
	return &PolicyService{
		policyRepo: policyRepo,
		deviceRepo: deviceRepo,
		now:        time.Now,
		metrics:    metrics,
	}
}

// SetNotifier sets where assignment notifications go
func (s *PolicyService) SetNotifier(notifier DeviceNotifier) {
	s.notifier = notifier
}

// SetClock replaces the time source
func (s *PolicyService) SetClock(now Clock) {
	s.now = now
}

// CreatePolicy validates and stores a new policy
func (s *PolicyService) CreatePolicy(ctx context.Context, name string, config json.RawMessage) (*models.Policy, error) {
	ctx, span := observability.StartServiceSpan(ctx, "PolicyService", "CreatePolicy")
	defer span.End()

	trimmed := bytes.TrimSpace(config)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, models.ErrEmptyPolicyName
	}

	policy, err := models.NewPolicy(name, trimmed, s.now())
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	if err := s.policyRepo.Add(ctx, policy); err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("failed to store policy: %w", err)
	}

	span.SetAttributes(observability.PolicyID(policy.ID))
	observability.SetSuccess(span)
	observability.WithContext(ctx).WithField("policy_id", policy.ID).
		Infof("Created policy %q with %d allowed apps", policy.Name, len(policy.AllowedApps))
	return policy, nil
}

// ListPolicies returns all policies, newest first
func (s *PolicyService) ListPolicies(ctx context.Context) ([]*models.Policy, error) {
	policies, err := s.policyRepo.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	return policies, nil
}

// ListDevices returns all enrolled devices
func (s *PolicyService) ListDevices(ctx context.Context) ([]*models.Device, error) {
	devices, err := s.deviceRepo.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

// AssignPolicy makes policyID the device's only policy. A concurrent
// assignment that loses the race yields models.ErrAssignmentConflict.
func (s *PolicyService) AssignPolicy(ctx context.Context, deviceID, policyID string) error {
	ctx, span := observability.StartServiceSpan(ctx, "PolicyService", "AssignPolicy")
	defer span.End()

	deviceID = strings.TrimSpace(deviceID)
	policyID = strings.TrimSpace(policyID)
	if deviceID == "" || policyID == "" {
		return models.ErrEmptyPolicyID
	}
	span.SetAttributes(observability.DeviceID(deviceID), observability.PolicyID(policyID))

	device, err := s.deviceRepo.GetByID(ctx, deviceID)
	if err != nil {
		observability.RecordError(span, err)
		return fmt.Errorf("failed to get device: %w", err)
	}
	if device == nil {
		s.metrics.RecordAssignment(ctx, "device_not_found")
		return models.ErrDeviceNotFound
	}

	policy, err := s.policyRepo.GetByID(ctx, policyID)
	if err != nil {
		observability.RecordError(span, err)
		return fmt.Errorf("failed to get policy: %w", err)
	}
	if policy == nil {
		s.metrics.RecordAssignment(ctx, "policy_not_found")
		return models.ErrPolicyNotFound
	}

	assignment := &models.PolicyAssignment{
		DeviceID:   deviceID,
		PolicyID:   policyID,
		AssignedAt: s.now().UTC(),
	}
	if err := s.policyRepo.Assign(ctx, assignment); err != nil {
		observability.RecordError(span, err)
		if errors.Is(err, models.ErrAssignmentConflict) {
			s.metrics.RecordAssignment(ctx, "conflict")
			return err
		}
		return fmt.Errorf("failed to assign policy: %w", err)
	}

	s.metrics.RecordAssignment(ctx, "assigned")
	observability.SetSuccess(span)
	observability.WithContext(ctx).WithFields(map[string]interface{}{
		"device_id": deviceID,
		"policy_id": policyID,
	}).Info("Policy assigned")

	if s.notifier != nil {
		s.notifier.NotifyDevice(deviceID, models.NotificationMessage{
			Type:    models.NotificationPolicyAssigned,
			Payload: models.PolicyAssignedPayload{DeviceID: deviceID, PolicyID: policyID},
		})
	}
	return nil
}

// GetAssignedPolicy returns the config blob assigned to a device and marks
// the device as seen. No assignment yields models.ErrNoPolicyAssigned.
func (s *PolicyService) GetAssignedPolicy(ctx context.Context, deviceID string) (*models.AssignedPolicy, error) {
	ctx, span := observability.StartServiceSpan(ctx, "PolicyService", "GetAssignedPolicy")
	defer span.End()
	span.SetAttributes(observability.DeviceID(deviceID))

	assigned, err := s.policyRepo.GetAssigned(ctx, deviceID)
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("failed to get assigned policy: %w", err)
	}
	s.metrics.RecordSyncFetch(ctx, assigned != nil)
	if assigned == nil {
		return nil, models.ErrNoPolicyAssigned
	}

	if err := s.deviceRepo.UpdateLastSeen(ctx, deviceID, s.now()); err != nil {
		observability.WithContext(ctx).WithField("device_id", deviceID).
			Warnf("Failed to update last seen: %v", err)
	}

	observability.SetSuccess(span)
	return assigned, nil
}
