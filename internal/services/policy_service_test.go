package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kioskfleet/fleet/internal/models"
)

type recordingNotifier struct {
	mu       sync.Mutex
	messages map[string][]models.NotificationMessage
}

func (n *recordingNotifier) NotifyDevice(deviceID string, msg models.NotificationMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.messages == nil {
		n.messages = make(map[string][]models.NotificationMessage)
	}
	n.messages[deviceID] = append(n.messages[deviceID], msg)
}

func newPolicyService(t *testing.T) (*testEnv, *PolicyService, *recordingNotifier) {
	t.Helper()
	env := newTestEnv(t, models.DeviceIDModeServer)
	svc := NewPolicyService(env.policies, env.devices, nil)
	svc.SetClock(env.clock.Now)
	notifier := &recordingNotifier{}
	svc.SetNotifier(notifier)
	return env, svc, notifier
}

func TestPolicyService_CreatePolicy(t *testing.T) {
	ctx := context.Background()
	_, svc, _ := newPolicyService(t)

	t.Run("stores config and derives allow-list", func(t *testing.T) {
		policy, err := svc.CreatePolicy(ctx, "Field", json.RawMessage(`{"allowedApps":["com.whatsapp","com.whatsapp"]}`))
		require.NoError(t, err)
		assert.Equal(t, []string{"com.whatsapp"}, policy.AllowedApps)
		assert.Equal(t, `{"allowedApps":["com.whatsapp","com.whatsapp"]}`, policy.Config)
	})

	t.Run("missing config", func(t *testing.T) {
		_, err := svc.CreatePolicy(ctx, "Field", nil)
		assert.ErrorIs(t, err, models.ErrEmptyPolicyName)

		_, err = svc.CreatePolicy(ctx, "Field", json.RawMessage(`null`))
		assert.ErrorIs(t, err, models.ErrEmptyPolicyName)
	})

	t.Run("invalid allow-list", func(t *testing.T) {
		_, err := svc.CreatePolicy(ctx, "Field", json.RawMessage(`{"allowedApps":[""]}`))
		assert.Equal(t, models.KindValidation, models.KindOf(err))
	})

	t.Run("lists newest first", func(t *testing.T) {
		env, svc, _ := newPolicyService(t)
		_, err := svc.CreatePolicy(ctx, "old", json.RawMessage(`{}`))
		require.NoError(t, err)
		env.clock.Advance(time.Minute)
		_, err = svc.CreatePolicy(ctx, "new", json.RawMessage(`{}`))
		require.NoError(t, err)

		policies, err := svc.ListPolicies(ctx)
		require.NoError(t, err)
		require.Len(t, policies, 2)
		assert.Equal(t, "new", policies[0].Name)
		assert.Equal(t, "old", policies[1].Name)
	})
}

func TestPolicyService_AssignPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("reassignment replaces the previous policy", func(t *testing.T) {
		env, svc, notifier := newPolicyService(t)
		require.NoError(t, env.devices.Add(ctx, models.NewDevice("dev-1", "Pixel", "14", "", env.clock.Now())))

		a, err := svc.CreatePolicy(ctx, "A", json.RawMessage(`{"allowedApps":["com.a"]}`))
		require.NoError(t, err)
		env.clock.Advance(time.Second)
		b, err := svc.CreatePolicy(ctx, "B", json.RawMessage(`{"allowedApps":["com.b"]}`))
		require.NoError(t, err)

		require.NoError(t, svc.AssignPolicy(ctx, "dev-1", a.ID))
		require.NoError(t, svc.AssignPolicy(ctx, "dev-1", b.ID))

		assignment, err := env.policies.GetAssignment(ctx, "dev-1")
		require.NoError(t, err)
		assert.Equal(t, b.ID, assignment.PolicyID)

		assigned, err := svc.GetAssignedPolicy(ctx, "dev-1")
		require.NoError(t, err)
		assert.Equal(t, b.Config, assigned.Config)
		assert.True(t, b.CreatedAt.Equal(assigned.UpdatedAt))

		require.Len(t, notifier.messages["dev-1"], 2)
		last := notifier.messages["dev-1"][1]
		assert.Equal(t, models.NotificationPolicyAssigned, last.Type)
		assert.Equal(t, models.PolicyAssignedPayload{DeviceID: "dev-1", PolicyID: b.ID}, last.Payload)
	})

	t.Run("concurrent assignment leaves a single row", func(t *testing.T) {
		env, svc, _ := newPolicyService(t)
		require.NoError(t, env.devices.Add(ctx, models.NewDevice("dev-1", "Pixel", "14", "", env.clock.Now())))

		const n = 8
		policyIDs := make([]string, n)
		for i := range policyIDs {
			p, err := svc.CreatePolicy(ctx, fmt.Sprintf("P%d", i), json.RawMessage(`{"allowedApps":[]}`))
			require.NoError(t, err)
			policyIDs[i] = p.ID
		}

		errs := make([]error, n)
		var wg sync.WaitGroup
		for i := range policyIDs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = svc.AssignPolicy(ctx, "dev-1", policyIDs[i])
			}(i)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.ErrorIs(t, err, models.ErrAssignmentConflict)
		}
		assert.Positive(t, succeeded)

		assignment, err := env.policies.GetAssignment(ctx, "dev-1")
		require.NoError(t, err)
		require.NotNil(t, assignment)
		assert.Contains(t, policyIDs, assignment.PolicyID)

		assigned, err := svc.GetAssignedPolicy(ctx, "dev-1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"allowedApps":[]}`, assigned.Config)
	})

	t.Run("unknown device or policy", func(t *testing.T) {
		env, svc, notifier := newPolicyService(t)
		require.NoError(t, env.devices.Add(ctx, models.NewDevice("dev-1", "Pixel", "14", "", env.clock.Now())))
		p, err := svc.CreatePolicy(ctx, "A", json.RawMessage(`{}`))
		require.NoError(t, err)

		assert.ErrorIs(t, svc.AssignPolicy(ctx, "ghost", p.ID), models.ErrDeviceNotFound)
		assert.ErrorIs(t, svc.AssignPolicy(ctx, "dev-1", "ghost"), models.ErrPolicyNotFound)
		assert.ErrorIs(t, svc.AssignPolicy(ctx, "dev-1", " "), models.ErrEmptyPolicyID)
		assert.Empty(t, notifier.messages)
	})

	t.Run("sync without assignment is not found", func(t *testing.T) {
		env, svc, _ := newPolicyService(t)
		require.NoError(t, env.devices.Add(ctx, models.NewDevice("dev-1", "Pixel", "14", "", env.clock.Now())))

		_, err := svc.GetAssignedPolicy(ctx, "dev-1")
		assert.ErrorIs(t, err, models.ErrNoPolicyAssigned)
	})

	t.Run("successful sync updates last seen", func(t *testing.T) {
		env, svc, _ := newPolicyService(t)
		require.NoError(t, env.devices.Add(ctx, models.NewDevice("dev-1", "Pixel", "14", "", env.clock.Now())))
		p, err := svc.CreatePolicy(ctx, "A", json.RawMessage(`{}`))
		require.NoError(t, err)
		require.NoError(t, svc.AssignPolicy(ctx, "dev-1", p.ID))

		env.clock.Advance(time.Hour)
		_, err = svc.GetAssignedPolicy(ctx, "dev-1")
		require.NoError(t, err)

		device, err := env.devices.GetByID(ctx, "dev-1")
		require.NoError(t, err)
		assert.True(t, env.clock.Now().Equal(device.LastSeenAt))
	})
}
