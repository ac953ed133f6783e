package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kioskfleet/fleet/internal/models"
)

type countingCollector struct {
	calls   atomic.Int32
	removed int
	err     error
}

func (c *countingCollector) CollectExpired(context.Context) (int, error) {
	c.calls.Add(1)
	return c.removed, c.err
}

func TestMaintenanceService(t *testing.T) {
	t.Run("run now records the outcome", func(t *testing.T) {
		collector := &countingCollector{removed: 3}
		svc := NewMaintenanceService(collector, time.Hour)

		svc.RunNow()

		status := svc.GetStatus()
		assert.Equal(t, 3, status.TokensRemoved)
		assert.Empty(t, status.Errors)
		assert.False(t, status.LastRun.IsZero())
	})

	t.Run("errors are surfaced in status", func(t *testing.T) {
		collector := &countingCollector{err: errors.New("locked")}
		svc := NewMaintenanceService(collector, time.Hour)

		svc.RunNow()

		require.Len(t, svc.GetStatus().Errors, 1)
		assert.Contains(t, svc.GetStatus().Errors[0], "locked")
	})

	t.Run("start runs immediately and stop waits", func(t *testing.T) {
		collector := &countingCollector{}
		svc := NewMaintenanceService(collector, time.Hour)

		svc.Start()
		svc.Start()
		assert.Eventually(t, func() bool { return collector.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
		assert.True(t, svc.IsEnabled())

		svc.Stop()
		svc.Stop()
		assert.False(t, svc.IsEnabled())
		assert.EqualValues(t, 1, collector.calls.Load())
	})
}

func TestWebSocketHub_NotifyDevice(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewWebSocketHub()
	go hub.Run(ctx)

	target := hub.NewClient("c1", "dev-1", nil)
	other := hub.NewClient("c2", "dev-2", nil)
	hub.Register(target)
	hub.Register(other)
	hub.Subscribe(target, models.DeviceTopic("dev-1"))
	hub.Subscribe(other, models.DeviceTopic("dev-2"))

	assert.Equal(t, 1, hub.GetTopicSubscriberCount(models.DeviceTopic("dev-1")))

	hub.NotifyDevice("dev-1", models.NotificationMessage{
		Type:    models.NotificationPolicyAssigned,
		Payload: models.PolicyAssignedPayload{DeviceID: "dev-1", PolicyID: "p1"},
	})

	select {
	case raw := <-target.Send:
		var msg struct {
			Type    string                       `json:"type"`
			Payload models.PolicyAssignedPayload `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(raw, &msg))
		assert.Equal(t, models.NotificationPolicyAssigned, msg.Type)
		assert.Equal(t, "p1", msg.Payload.PolicyID)
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}

	select {
	case <-other.Send:
		t.Fatal("notification leaked to another device")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	_, open := <-target.Send
	assert.False(t, open)
}
