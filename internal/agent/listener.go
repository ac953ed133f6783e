package agent

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kioskfleet/fleet/internal/models"
	"github.com/kioskfleet/fleet/internal/observability"
)

// ListenerOptions tunes the notification subscription
type ListenerOptions struct {
	// ReconnectDelay is the wait after a dropped or refused connection
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
}

// ListenForNotifications holds a websocket subscription to url until ctx is
// done and syncs the policy whenever the server announces an assignment.
// Dropped connections are retried after the reconnect delay.
func (a *Agent) ListenForNotifications(ctx context.Context, url string, opts ListenerOptions) error {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 30 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}

	for {
		err := a.listenOnce(ctx, url, opts.Dialer)
		if ctx.Err() != nil {
			return nil
		}
		observability.Warnf("Notification channel closed: %v", err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(opts.ReconnectDelay):
		}
	}
}

func (a *Agent) listenOnce(ctx context.Context, url string, dialer *websocket.Dialer) error {
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	observability.Debug("Notification channel connected")
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			observability.Debugf("Ignoring malformed notification: %v", err)
			continue
		}
		if msg.Type != models.NotificationPolicyAssigned {
			continue
		}

		if _, err := a.SyncPolicy(ctx); err != nil && !errors.Is(err, context.Canceled) {
			observability.Warnf("Policy sync after notification failed: %v", err)
		}
	}
}
