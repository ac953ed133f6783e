package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/kioskfleet/fleet/internal/models"
	"github.com/kioskfleet/fleet/internal/services"
)

// AuthHandler handles user login and logout on kiosk devices
type AuthHandler struct {
	authService *services.AuthService
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(authService *services.AuthService) *AuthHandler {
	return &AuthHandler{authService: authService}
}

// Login authenticates a user on a device
// @Summary Device user login
// @Description Verify credentials and record a LOGIN event for the device
// @Tags auth
// @Accept json
// @Produce json
// @Param request body models.LoginRequest true "Credentials"
// @Success 200 {object} models.LoginResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 401 {object} models.ErrorResponse
// @Router /api/auth/login [post]
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "Invalid request body")
		return
	}

	user, err := h.authService.Login(r.Context(), req.Username, req.Password, req.DeviceID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, models.LoginResponse{
		Success: true,
		User:    user.ToResponse(),
	})
}

// Logout records that a user left a device
// @Summary Device user logout
// @Tags auth
// @Accept json
// @Produce json
// @Param request body models.LogoutRequest true "Session to end"
// @Success 200 {object} models.SuccessResponse
// @Failure 400 {object} models.ErrorResponse
// @Router /api/auth/logout [post]
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var req models.LogoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "Invalid request body")
		return
	}

	if err := h.authService.Logout(r.Context(), req.UserID, req.DeviceID); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, models.SuccessResponse{Success: true})
}
