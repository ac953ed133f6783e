package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	custommw "github.com/kioskfleet/fleet/internal/middleware"
	"github.com/kioskfleet/fleet/internal/observability"
	"github.com/kioskfleet/fleet/internal/services"
)

// RouterConfig holds everything the HTTP surface needs
type RouterConfig struct {
	ServiceName  string
	APIKey       string
	APIKeyHeader string
	AccessLog    bool
	HTTPMetrics  *observability.HTTPMetrics

	Enrollment *services.EnrollmentService
	Policies   *services.PolicyService
	Telemetry  *services.TelemetryService
	Auth       *services.AuthService
	Hub        *services.WebSocketHub
}

// NewRouter builds the chi router for the fleet server
func NewRouter(cfg RouterConfig) http.Handler {
	enrollmentHandler := NewEnrollmentHandler(cfg.Enrollment)
	policyHandler := NewPolicyHandler(cfg.Policies, cfg.Telemetry)
	syncHandler := NewSyncHandler(cfg.Policies)
	telemetryHandler := NewTelemetryHandler(cfg.Telemetry)
	authHandler := NewAuthHandler(cfg.Auth)
	userHandler := NewUserHandler(cfg.Auth)
	healthHandler := NewHealthHandler()
	wsHandler := NewWebSocketHandler(cfg.Hub)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if cfg.AccessLog {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	if cfg.ServiceName != "" {
		r.Use(observability.TracingMiddleware(cfg.ServiceName))
	}
	if cfg.HTTPMetrics != nil {
		r.Use(observability.MetricsMiddleware(cfg.HTTPMetrics))
	}

	r.Get("/health", healthHandler.HealthCheck)
	r.Get("/api/health", healthHandler.HealthCheck)

	// Device endpoints
	r.Post("/api/devices/register", enrollmentHandler.RegisterDevice)
	r.Get("/api/sync/{deviceId}", syncHandler.GetPolicy)
	r.Post("/api/telemetry", telemetryHandler.Ingest)
	r.Post("/api/auth/login", authHandler.Login)
	r.Post("/api/auth/logout", authHandler.Logout)
	r.Get("/api/ws", wsHandler.HandleConnection)

	// Operator endpoints
	r.Group(func(r chi.Router) {
		r.Use(custommw.OperatorAuth(cfg.APIKey, cfg.APIKeyHeader))

		r.Post("/api/devices/register/generate-code", enrollmentHandler.GenerateCode)
		r.Get("/api/devices", policyHandler.ListDevices)
		r.Post("/api/devices/{id}/policy", policyHandler.AssignPolicy)
		r.Get("/api/devices/{id}/telemetry", policyHandler.ListDeviceTelemetry)
		r.Get("/api/policies", policyHandler.ListPolicies)
		r.Post("/api/policies", policyHandler.CreatePolicy)
		r.Get("/api/users", userHandler.ListUsers)
		r.Post("/api/users", userHandler.CreateUser)
		r.Delete("/api/users/{id}", userHandler.DeleteUser)
	})

	return r
}
