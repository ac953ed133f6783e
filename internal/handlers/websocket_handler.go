package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kioskfleet/fleet/internal/models"
	"github.com/kioskfleet/fleet/internal/observability"
	"github.com/kioskfleet/fleet/internal/services"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Devices are not browsers and send no Origin
		return true
	},
}

// WebSocketHandler accepts notification connections from devices
type WebSocketHandler struct {
	hub *services.WebSocketHub
}

// NewWebSocketHandler creates a new WebSocketHandler
func NewWebSocketHandler(hub *services.WebSocketHub) *WebSocketHandler {
	return &WebSocketHandler{hub: hub}
}

// HandleConnection upgrades to a websocket subscribed to one device's notifications
// @Summary Device notifications
// @Description Websocket that pushes policy_assigned messages for the given device
// @Tags sync
// @Param deviceId query string true "Device ID"
// @Failure 400 {object} models.ErrorResponse
// @Router /api/ws [get]
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("deviceId")
	if deviceID == "" {
		writeBadRequest(w, "deviceId query parameter required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		observability.WithField("device_id", deviceID).Warnf("WebSocket upgrade failed: %v", err)
		return
	}

	client := h.hub.NewClient(uuid.New().String(), deviceID, conn)
	if data, err := json.Marshal(models.NotificationMessage{Type: services.WSTypeConnected}); err == nil {
		client.Send <- data
	}

	h.hub.Register(client)
	h.hub.Subscribe(client, models.DeviceTopic(deviceID))

	go client.WritePump()

	// Blocks until the connection closes
	client.ReadPump(h.handleMessage)
}

// handleMessage answers pings; devices send nothing else
func (h *WebSocketHandler) handleMessage(client *services.WSClient, data []byte) {
	var msg models.NotificationMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		observability.WithField("device_id", client.DeviceID).Debugf("Invalid WebSocket message: %v", err)
		return
	}

	if msg.Type != services.WSTypePing {
		observability.WithField("device_id", client.DeviceID).Debugf("Unknown WebSocket message type: %s", msg.Type)
		return
	}

	response, err := json.Marshal(models.NotificationMessage{Type: services.WSTypePong})
	if err != nil {
		return
	}
	select {
	case client.Send <- response:
	default:
	}
}
