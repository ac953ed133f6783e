package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/kioskfleet/fleet/internal/models"
	"github.com/kioskfleet/fleet/internal/observability"
	"github.com/kioskfleet/fleet/internal/services"
)

// EnrollmentHandler issues and redeems enrollment codes
type EnrollmentHandler struct {
	enrollmentService *services.EnrollmentService
}

// NewEnrollmentHandler creates a new EnrollmentHandler
func NewEnrollmentHandler(enrollmentService *services.EnrollmentService) *EnrollmentHandler {
	return &EnrollmentHandler{enrollmentService: enrollmentService}
}

// GenerateCode issues a new enrollment code
// @Summary Generate enrollment code
// @Description Issue a short single-use code a device can redeem to enroll
// @Tags devices
// @Accept json
// @Produce json
// @Param request body models.GenerateCodeRequest false "Optional description copied onto the device"
// @Success 201 {object} models.GenerateCodeResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/devices/register/generate-code [post]
func (h *EnrollmentHandler) GenerateCode(w http.ResponseWriter, r *http.Request) {
	var req models.GenerateCodeRequest
	// An empty body is allowed, the description is optional
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "Invalid request body")
		return
	}

	token, err := h.enrollmentService.GenerateCode(r.Context(), req.Description)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, token.ToResponse())
}

// RegisterDevice redeems an enrollment code and creates the device
// @Summary Register device
// @Description Redeem an enrollment code. Each code can be redeemed exactly once before it expires.
// @Tags devices
// @Accept json
// @Produce json
// @Param request body models.RegisterDeviceRequest true "Registration details"
// @Success 200 {object} models.RegisterDeviceResponse
// @Failure 400 {object} models.StatusErrorResponse
// @Failure 500 {object} models.StatusErrorResponse
// @Router /api/devices/register [post]
func (h *EnrollmentHandler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRegisterError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	device, err := h.enrollmentService.Redeem(r.Context(), req)
	if err != nil {
		switch models.KindOf(err) {
		case models.KindValidation, models.KindAuth:
			writeRegisterError(w, http.StatusBadRequest, err.Error())
		default:
			observability.WithContext(r.Context()).Errorf("Device registration failed: %v", err)
			writeRegisterError(w, http.StatusInternalServerError, internalErrorMessage)
		}
		return
	}

	writeJSON(w, http.StatusOK, device.ToRegisterResponse())
}

func writeRegisterError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, models.StatusErrorResponse{Status: "error", Message: message})
}
