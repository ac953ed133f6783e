// Package gateway is the agent's HTTP client for the fleet server.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kioskfleet/fleet/internal/models"
	"github.com/kioskfleet/fleet/internal/observability"
)

// DefaultTimeout bounds every request to the server
const DefaultTimeout = 30 * time.Second

var (
	// ErrTransient marks failures worth retrying on the next cycle:
	// network errors, timeouts and 5xx responses.
	ErrTransient = errors.New("transient network error")
	// ErrNoPolicyAssigned is returned by FetchPolicy on a 404
	ErrNoPolicyAssigned = errors.New("no policy assigned")
)

// APIError is a non-transient rejection by the server
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// IsTransient reports whether err should only lead to a retry next cycle
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Client talks to the fleet server
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for baseURL. A non-positive timeout uses DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Register redeems an enrollment code
func (c *Client) Register(ctx context.Context, req models.RegisterDeviceRequest) (*models.RegisterDeviceResponse, error) {
	var resp models.RegisterDeviceResponse
	if err := c.do(ctx, http.MethodPost, "/api/devices/register", "/api/devices/register", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Login verifies a user's credentials for this device
func (c *Client) Login(ctx context.Context, req models.LoginRequest) (*models.UserResponse, error) {
	var resp models.LoginResponse
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", "/api/auth/login", req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, &APIError{StatusCode: http.StatusOK, Message: "login was not successful"}
	}
	return &resp.User, nil
}

// Logout tells the server the user left the device
func (c *Client) Logout(ctx context.Context, req models.LogoutRequest) error {
	var resp models.SuccessResponse
	return c.do(ctx, http.MethodPost, "/api/auth/logout", "/api/auth/logout", req, &resp)
}

// FetchPolicy returns the policy assigned to the device
func (c *Client) FetchPolicy(ctx context.Context, deviceID string) (*models.AssignedPolicy, error) {
	var resp models.AssignedPolicy
	err := c.do(ctx, http.MethodGet, "/api/sync/"+url.PathEscape(deviceID), "/api/sync/{deviceId}", nil, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil, ErrNoPolicyAssigned
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendTelemetry uploads one batch and returns the count the server stored
func (c *Client) SendTelemetry(ctx context.Context, req models.IngestTelemetryRequest) (int, error) {
	var resp models.IngestTelemetryResponse
	if err := c.do(ctx, http.MethodPost, "/api/telemetry", "/api/telemetry", req, &resp); err != nil {
		return 0, err
	}
	if !resp.Success {
		return 0, fmt.Errorf("%w: telemetry not acknowledged", ErrTransient)
	}
	return resp.Count, nil
}

// NotificationURL is the websocket endpoint for deviceID
func (c *Client) NotificationURL(deviceID string) string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/ws?deviceId=" + url.QueryEscape(deviceID)
}

func (c *Client) do(ctx context.Context, method, path, route string, body, out interface{}) error {
	ctx, span := observability.StartClientSpan(ctx, method, route)
	defer span.End()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		observability.RecordError(span, err)
		return fmt.Errorf("%w: %s %s: %v", ErrTransient, method, route, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		observability.RecordError(span, err)
		return fmt.Errorf("%w: reading response: %v", ErrTransient, err)
	}

	if resp.StatusCode >= 500 {
		err := fmt.Errorf("%w: %s %s returned %d", ErrTransient, method, route, resp.StatusCode)
		observability.RecordError(span, err)
		return err
	}
	if resp.StatusCode >= 400 {
		err := &APIError{StatusCode: resp.StatusCode, Message: errorMessage(raw)}
		observability.RecordError(span, err)
		return err
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	observability.SetSuccess(span)
	return nil
}

// errorMessage extracts the message from either error shape the server uses
func errorMessage(raw []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return strings.TrimSpace(string(raw))
}
