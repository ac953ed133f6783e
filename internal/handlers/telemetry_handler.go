package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/kioskfleet/fleet/internal/models"
	"github.com/kioskfleet/fleet/internal/services"
)

// maxTelemetryBody bounds a single telemetry upload
const maxTelemetryBody = 4 << 20

// TelemetryHandler ingests telemetry batches from devices
type TelemetryHandler struct {
	telemetryService *services.TelemetryService
}

// NewTelemetryHandler creates a new TelemetryHandler
func NewTelemetryHandler(telemetryService *services.TelemetryService) *TelemetryHandler {
	return &TelemetryHandler{telemetryService: telemetryService}
}

// Ingest stores a batch of events
// @Summary Upload telemetry
// @Description Store a batch of telemetry events. The batch is stored atomically.
// @Tags telemetry
// @Accept json
// @Produce json
// @Param request body models.IngestTelemetryRequest true "Telemetry batch"
// @Success 200 {object} models.IngestTelemetryResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Router /api/telemetry [post]
func (h *TelemetryHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxTelemetryBody)

	var req models.IngestTelemetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, models.ErrInvalidTelemetryPayload.Error())
		return
	}

	count, err := h.telemetryService.Ingest(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, models.IngestTelemetryResponse{Success: true, Count: count})
}
