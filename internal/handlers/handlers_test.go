package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kioskfleet/fleet/internal/models"
	"github.com/kioskfleet/fleet/internal/repository"
	"github.com/kioskfleet/fleet/internal/services"
)

const testAPIKey = "operator-test-key"

type testServer struct {
	router http.Handler
	auth   *services.AuthService
	hub    *services.WebSocketHub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	db, err := repository.NewSQLiteDB(filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tokenRepo := repository.NewRegistrationTokenRepository(db)
	deviceRepo := repository.NewDeviceRepository(db)
	policyRepo := repository.NewPolicyRepository(db)
	telemetryRepo := repository.NewTelemetryRepository(db)
	userRepo := repository.NewUserRepository(db)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := services.NewWebSocketHub()
	go hub.Run(ctx)

	telemetry := services.NewTelemetryService(telemetryRepo, nil)
	policies := services.NewPolicyService(policyRepo, deviceRepo, nil)
	policies.SetNotifier(hub)
	auth := services.NewAuthService(userRepo, telemetry, nil)

	return &testServer{
		router: NewRouter(RouterConfig{
			APIKey:     testAPIKey,
			Enrollment: services.NewEnrollmentService(tokenRepo, models.DefaultCodeTTL, models.DeviceIDModeServer, nil),
			Policies:   policies,
			Telemetry:  telemetry,
			Auth:       auth,
			Hub:        hub,
		}),
		auth: auth,
		hub:  hub,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, operator bool) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if operator {
		req.Header.Set("X-API-Key", testAPIKey)
	}

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) generateCode(t *testing.T) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/devices/register/generate-code", map[string]string{"description": "Ward 3"}, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp models.GenerateCodeResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp.Code
}

func (s *testServer) register(t *testing.T) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/devices/register", map[string]string{
		"registrationCode": s.generateCode(t),
		"model":            "Pixel 7",
		"osVersion":        "14",
	}, false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp models.RegisterDeviceResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp.DeviceID
}

func (s *testServer) createPolicy(t *testing.T, name, config string) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/policies", map[string]interface{}{
		"name":   name,
		"config": json.RawMessage(config),
	}, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp models.CreatePolicyResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp.ID
}

func TestEnrollmentEndpoints(t *testing.T) {
	t.Run("generate then redeem twice", func(t *testing.T) {
		srv := newTestServer(t)
		code := srv.generateCode(t)
		assert.Len(t, code, models.CodeLength)

		body := map[string]string{"registrationCode": code, "model": "Pixel 7", "osVersion": "14"}

		rec := srv.do(t, http.MethodPost, "/api/devices/register", body, false)
		require.Equal(t, http.StatusOK, rec.Code)
		var ok map[string]interface{}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&ok))
		assert.Equal(t, "success", ok["status"])
		assert.Equal(t, "Ward 3", ok["description"])
		assert.NotEmpty(t, ok["deviceId"])
		assert.NotEmpty(t, ok["registeredAt"])

		rec = srv.do(t, http.MethodPost, "/api/devices/register", body, false)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"status":"error","message":"Invalid or expired registration code"}`, rec.Body.String())
	})

	t.Run("missing fields use the status error shape", func(t *testing.T) {
		srv := newTestServer(t)
		rec := srv.do(t, http.MethodPost, "/api/devices/register", map[string]string{"registrationCode": "ABCDE"}, false)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		var resp models.StatusErrorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, "error", resp.Status)
		assert.Equal(t, models.ErrEmptyModel.Message, resp.Message)
	})

	t.Run("malformed body", func(t *testing.T) {
		srv := newTestServer(t)
		rec := srv.do(t, http.MethodPost, "/api/devices/register", "{", false)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"error"`)
	})

	t.Run("generate accepts an empty body", func(t *testing.T) {
		srv := newTestServer(t)
		req := httptest.NewRequest(http.MethodPost, "/api/devices/register/generate-code", nil)
		req.Header.Set("X-API-Key", testAPIKey)
		rec := httptest.NewRecorder()
		srv.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("generate requires the operator key", func(t *testing.T) {
		srv := newTestServer(t)
		rec := srv.do(t, http.MethodPost, "/api/devices/register/generate-code", nil, false)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestPolicyEndpoints(t *testing.T) {
	t.Run("assign then sync returns the latest policy", func(t *testing.T) {
		srv := newTestServer(t)
		deviceID := srv.register(t)

		rec := srv.do(t, http.MethodGet, "/api/sync/"+deviceID, nil, false)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.JSONEq(t, `{"error":"No policy assigned"}`, rec.Body.String())

		first := srv.createPolicy(t, "A", `{"allowedApps":["com.a"]}`)
		second := srv.createPolicy(t, "B", `{"allowedApps":["com.b"]}`)

		for _, id := range []string{first, second} {
			rec = srv.do(t, http.MethodPost, "/api/devices/"+deviceID+"/policy", map[string]string{"policyId": id}, true)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.JSONEq(t, `{"success":true}`, rec.Body.String())
		}

		rec = srv.do(t, http.MethodGet, "/api/sync/"+deviceID, nil, false)
		require.Equal(t, http.StatusOK, rec.Code)
		var synced struct {
			Config    string    `json:"config"`
			UpdatedAt time.Time `json:"updatedAt"`
		}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&synced))
		assert.JSONEq(t, `{"allowedApps":["com.b"]}`, synced.Config)
		assert.False(t, synced.UpdatedAt.IsZero())
	})

	t.Run("list policies", func(t *testing.T) {
		srv := newTestServer(t)

		rec := srv.do(t, http.MethodGet, "/api/policies", nil, true)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[]`, rec.Body.String())

		srv.createPolicy(t, "A", `{}`)
		rec = srv.do(t, http.MethodGet, "/api/policies", nil, true)
		var policies []models.Policy
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&policies))
		require.Len(t, policies, 1)
		assert.Equal(t, []string{}, policies[0].AllowedApps)
	})

	t.Run("create validation", func(t *testing.T) {
		srv := newTestServer(t)

		rec := srv.do(t, http.MethodPost, "/api/policies", map[string]string{"name": "A"}, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"error":"Missing name or config"}`, rec.Body.String())

		rec = srv.do(t, http.MethodPost, "/api/policies", map[string]interface{}{
			"name":   "A",
			"config": map[string]interface{}{"allowedApps": "com.a"},
		}, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("assign to unknown device or policy", func(t *testing.T) {
		srv := newTestServer(t)
		deviceID := srv.register(t)
		policyID := srv.createPolicy(t, "A", `{}`)

		rec := srv.do(t, http.MethodPost, "/api/devices/ghost/policy", map[string]string{"policyId": policyID}, true)
		assert.Equal(t, http.StatusNotFound, rec.Code)

		rec = srv.do(t, http.MethodPost, "/api/devices/"+deviceID+"/policy", map[string]string{"policyId": "ghost"}, true)
		assert.Equal(t, http.StatusNotFound, rec.Code)

		rec = srv.do(t, http.MethodPost, "/api/devices/"+deviceID+"/policy", map[string]string{}, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("list devices is operator only", func(t *testing.T) {
		srv := newTestServer(t)
		deviceID := srv.register(t)

		assert.Equal(t, http.StatusUnauthorized, srv.do(t, http.MethodGet, "/api/devices", nil, false).Code)

		rec := srv.do(t, http.MethodGet, "/api/devices", nil, true)
		require.Equal(t, http.StatusOK, rec.Code)
		var devices []models.Device
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&devices))
		require.Len(t, devices, 1)
		assert.Equal(t, deviceID, devices[0].ID)
	})
}

func TestTelemetryAndAuthEndpoints(t *testing.T) {
	t.Run("ingest a batch and read it back", func(t *testing.T) {
		srv := newTestServer(t)
		deviceID := srv.register(t)

		rec := srv.do(t, http.MethodPost, "/api/telemetry", map[string]interface{}{
			"userId":   "u1",
			"deviceId": deviceID,
			"events": []map[string]interface{}{
				{"type": "LOCATION", "data": map[string]float64{"lat": 1, "lng": 2, "acc": 5}, "timestamp": 1714564800000},
				{"type": "APP_USAGE", "data": []interface{}{}},
			},
		}, false)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.JSONEq(t, `{"success":true,"count":2}`, rec.Body.String())

		rec = srv.do(t, http.MethodGet, "/api/devices/"+deviceID+"/telemetry", nil, true)
		require.Equal(t, http.StatusOK, rec.Code)
		var events []models.TelemetryEvent
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&events))
		assert.Len(t, events, 2)
	})

	t.Run("invalid telemetry payload", func(t *testing.T) {
		srv := newTestServer(t)
		rec := srv.do(t, http.MethodPost, "/api/telemetry", map[string]interface{}{"deviceId": "d"}, false)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"error":"Invalid payload"}`, rec.Body.String())
	})

	t.Run("login and logout", func(t *testing.T) {
		srv := newTestServer(t)
		_, err := srv.auth.CreateUser(context.Background(), "kid", "crayons-123", models.RoleChild)
		require.NoError(t, err)

		rec := srv.do(t, http.MethodPost, "/api/auth/login", models.LoginRequest{Username: "kid", Password: "crayons-123", DeviceID: "dev-1"}, false)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp models.LoginResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.True(t, resp.Success)
		assert.Equal(t, "kid", resp.User.Username)
		assert.Equal(t, models.RoleChild, resp.User.Role)
		assert.NotContains(t, rec.Body.String(), "password")

		rec = srv.do(t, http.MethodPost, "/api/auth/login", models.LoginRequest{Username: "kid", Password: "nope-nope", DeviceID: "dev-1"}, false)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		rec = srv.do(t, http.MethodPost, "/api/auth/login", models.LoginRequest{DeviceID: "dev-1"}, false)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = srv.do(t, http.MethodPost, "/api/auth/logout", models.LogoutRequest{UserID: resp.User.ID, DeviceID: "dev-1"}, false)
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = srv.do(t, http.MethodPost, "/api/auth/logout", models.LogoutRequest{DeviceID: "dev-1"}, false)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestUserEndpoints(t *testing.T) {
	t.Run("create, sign in and delete", func(t *testing.T) {
		srv := newTestServer(t)

		rec := srv.do(t, http.MethodPost, "/api/users", models.CreateUserRequest{Username: "nurse", Password: "ward-three-1"}, true)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		var created models.UserResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
		assert.Equal(t, "nurse", created.Username)
		assert.Equal(t, models.RoleChild, created.Role)
		assert.NotContains(t, rec.Body.String(), "password")

		rec = srv.do(t, http.MethodPost, "/api/auth/login", models.LoginRequest{Username: "nurse", Password: "ward-three-1", DeviceID: "dev-1"}, false)
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = srv.do(t, http.MethodGet, "/api/users", nil, true)
		require.Equal(t, http.StatusOK, rec.Code)
		var users []models.UserResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&users))
		require.Len(t, users, 1)
		assert.Equal(t, created.ID, users[0].ID)

		rec = srv.do(t, http.MethodDelete, "/api/users/"+created.ID, nil, true)
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = srv.do(t, http.MethodPost, "/api/auth/login", models.LoginRequest{Username: "nurse", Password: "ward-three-1", DeviceID: "dev-1"}, false)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		rec = srv.do(t, http.MethodDelete, "/api/users/"+created.ID, nil, true)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.JSONEq(t, `{"error":"User not found"}`, rec.Body.String())
	})

	t.Run("duplicate username conflicts", func(t *testing.T) {
		srv := newTestServer(t)
		body := models.CreateUserRequest{Username: "nurse", Password: "ward-three-1", Role: models.RoleParent}

		rec := srv.do(t, http.MethodPost, "/api/users", body, true)
		require.Equal(t, http.StatusCreated, rec.Code)

		rec = srv.do(t, http.MethodPost, "/api/users", body, true)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.JSONEq(t, `{"error":"username already exists"}`, rec.Body.String())
	})

	t.Run("validation", func(t *testing.T) {
		srv := newTestServer(t)

		rec := srv.do(t, http.MethodPost, "/api/users", models.CreateUserRequest{Username: "nurse", Password: "short"}, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = srv.do(t, http.MethodPost, "/api/users", models.CreateUserRequest{Username: "nurse", Password: "ward-three-1", Role: "admin"}, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = srv.do(t, http.MethodPost, "/api/users", "{", true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("operator only", func(t *testing.T) {
		srv := newTestServer(t)
		rec := srv.do(t, http.MethodPost, "/api/users", models.CreateUserRequest{Username: "nurse", Password: "ward-three-1"}, false)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		rec = srv.do(t, http.MethodDelete, "/api/users/some-id", nil, false)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)
	for _, path := range []string{"/health", "/api/health"} {
		rec := srv.do(t, http.MethodGet, path, nil, false)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
	}
}

func TestWebSocketNotifications(t *testing.T) {
	srv := newTestServer(t)
	httpSrv := httptest.NewServer(srv.router)
	defer httpSrv.Close()

	t.Run("requires a device id", func(t *testing.T) {
		rec := srv.do(t, http.MethodGet, "/api/ws", nil, false)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("pushes policy assignments to the device", func(t *testing.T) {
		deviceID := srv.register(t)
		policyID := srv.createPolicy(t, "A", `{"allowedApps":["com.a"]}`)

		url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/api/ws?deviceId=" + deviceID
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		defer conn.Close()
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))

		var msg struct {
			Type    string                       `json:"type"`
			Payload models.PolicyAssignedPayload `json:"payload"`
		}
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, services.WSTypeConnected, msg.Type)

		require.NoError(t, conn.WriteJSON(models.NotificationMessage{Type: services.WSTypePing}))
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, services.WSTypePong, msg.Type)

		require.Eventually(t, func() bool {
			return srv.hub.GetTopicSubscriberCount(models.DeviceTopic(deviceID)) == 1
		}, time.Second, 10*time.Millisecond)

		rec := srv.do(t, http.MethodPost, "/api/devices/"+deviceID+"/policy", map[string]string{"policyId": policyID}, true)
		require.Equal(t, http.StatusOK, rec.Code)

		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, models.NotificationPolicyAssigned, msg.Type)
		assert.Equal(t, policyID, msg.Payload.PolicyID)
	})
}
