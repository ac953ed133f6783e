package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kioskfleet/fleet/internal/models"
	"github.com/kioskfleet/fleet/internal/services"
)

// PolicyHandler handles operator endpoints for policies and devices
type PolicyHandler struct {
	policyService    *services.PolicyService
	telemetryService *services.TelemetryService
}

// NewPolicyHandler creates a new PolicyHandler
func NewPolicyHandler(policyService *services.PolicyService, telemetryService *services.TelemetryService) *PolicyHandler {
	return &PolicyHandler{
		policyService:    policyService,
		telemetryService: telemetryService,
	}
}

// ListPolicies returns every policy
// @Summary List policies
// @Description List all policies, newest first
// @Tags policies
// @Produce json
// @Success 200 {array} models.Policy
// @Failure 500 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/policies [get]
func (h *PolicyHandler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.policyService.ListPolicies(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if policies == nil {
		policies = []*models.Policy{}
	}
	writeJSON(w, http.StatusOK, policies)
}

// CreatePolicy stores a new policy
// @Summary Create policy
// @Description Create a named policy. The config object must carry an allowedApps array when present.
// @Tags policies
// @Accept json
// @Produce json
// @Param request body models.CreatePolicyRequest true "Policy"
// @Success 200 {object} models.CreatePolicyResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/policies [post]
func (h *PolicyHandler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req models.CreatePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "Invalid request body")
		return
	}

	policy, err := h.policyService.CreatePolicy(r.Context(), req.Name, req.Config)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, models.CreatePolicyResponse{
		Success:   true,
		ID:        policy.ID,
		Name:      policy.Name,
		Config:    json.RawMessage(policy.Config),
		CreatedAt: policy.CreatedAt,
	})
}

// AssignPolicy binds a policy to a device, replacing any previous one
// @Summary Assign policy
// @Description Make a policy the device's only policy. The device is notified over its websocket when connected.
// @Tags policies
// @Accept json
// @Produce json
// @Param id path string true "Device ID"
// @Param request body models.AssignPolicyRequest true "Policy to assign"
// @Success 200 {object} models.SuccessResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/devices/{id}/policy [post]
func (h *PolicyHandler) AssignPolicy(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")

	var req models.AssignPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "Invalid request body")
		return
	}

	if err := h.policyService.AssignPolicy(r.Context(), deviceID, req.PolicyID); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, models.SuccessResponse{Success: true})
}

// ListDevices returns every enrolled device
// @Summary List devices
// @Tags devices
// @Produce json
// @Success 200 {array} models.Device
// @Failure 500 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/devices [get]
func (h *PolicyHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.policyService.ListDevices(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if devices == nil {
		devices = []*models.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

// ListDeviceTelemetry returns a device's most recent telemetry events
// @Summary List device telemetry
// @Tags devices
// @Produce json
// @Param id path string true "Device ID"
// @Param limit query int false "Max events (default 100, max 500)"
// @Success 200 {array} models.TelemetryEvent
// @Failure 500 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/devices/{id}/telemetry [get]
func (h *PolicyHandler) ListDeviceTelemetry(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	events, err := h.telemetryService.DeviceEvents(r.Context(), deviceID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if events == nil {
		events = []*models.TelemetryEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}
