package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kioskfleet/fleet/internal/services"
)

// SyncHandler serves policy sync to devices
type SyncHandler struct {
	policyService *services.PolicyService
}

// NewSyncHandler creates a new SyncHandler
func NewSyncHandler(policyService *services.PolicyService) *SyncHandler {
	return &SyncHandler{policyService: policyService}
}

// GetPolicy returns the policy assigned to a device
// @Summary Sync policy
// @Description Fetch the config blob currently assigned to the device. updatedAt changes whenever a different policy is assigned.
// @Tags sync
// @Produce json
// @Param deviceId path string true "Device ID"
// @Success 200 {object} models.AssignedPolicy
// @Failure 404 {object} models.ErrorResponse "No policy assigned"
// @Failure 500 {object} models.ErrorResponse
// @Router /api/sync/{deviceId} [get]
func (h *SyncHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceId")

	assigned, err := h.policyService.GetAssignedPolicy(r.Context(), deviceID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, assigned)
}
