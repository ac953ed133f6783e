package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kioskfleet/fleet/internal/models"
	"github.com/kioskfleet/fleet/internal/observability"
	"github.com/kioskfleet/fleet/internal/repository"
)

// TelemetryService ingests device telemetry batches
type TelemetryService struct {
	telemetryRepo repository.TelemetryRepo
	now           Clock
	metrics       *observability.FleetMetrics
}

// NewTelemetryService creates a new TelemetryService
func NewTelemetryService(telemetryRepo repository.TelemetryRepo, metrics *observability.FleetMetrics) *TelemetryService {
	return &TelemetryService{
		telemetryRepo: telemetryRepo,
		now:           time.Now,
		metrics:       metrics,
	}
}

// SetClock replaces the time source
func (s *TelemetryService) SetClock(now Clock) {
	s.now = now
}

// Ingest stores a whole batch atomically and returns how many events it held
func (s *TelemetryService) Ingest(ctx context.Context, req models.IngestTelemetryRequest) (int, error) {
	ctx, span := observability.StartServiceSpan(ctx, "TelemetryService", "Ingest")
	defer span.End()

	if err := req.Validate(); err != nil {
		observability.RecordError(span, err)
		return 0, err
	}
	if len(req.Events) == 0 {
		return 0, nil
	}

	receivedAt := s.now().UTC()
	userID := req.UserID
	events := make([]*models.TelemetryEvent, 0, len(req.Events))
	perType := make(map[string]int)
	for _, in := range req.Events {
		ev := models.NewTelemetryEvent(req.DeviceID, &userID, in.Type, in.Data, in.Timestamp, receivedAt)
		events = append(events, ev)
		perType[ev.Type]++
	}

	if err := s.telemetryRepo.AddBatch(ctx, events); err != nil {
		observability.RecordError(span, err)
		return 0, fmt.Errorf("failed to store telemetry: %w", err)
	}

	for eventType, n := range perType {
		s.metrics.RecordTelemetryEvents(ctx, eventType, n)
	}
	span.SetAttributes(observability.EventCount(len(events)))
	observability.SetSuccess(span)
	observability.WithContext(ctx).WithField("device_id", events[0].DeviceID).
		Debugf("Ingested %d telemetry events", len(events))
	return len(events), nil
}

// Record stores a single server-originated event such as LOGIN or LOGOUT
func (s *TelemetryService) Record(ctx context.Context, deviceID string, userID *string, eventType string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode telemetry data: %w", err)
	}

	ev := models.NewTelemetryEvent(deviceID, userID, eventType, raw, 0, s.now())
	if err := s.telemetryRepo.AddBatch(ctx, []*models.TelemetryEvent{ev}); err != nil {
		return fmt.Errorf("failed to store telemetry: %w", err)
	}
	s.metrics.RecordTelemetryEvents(ctx, ev.Type, 1)
	return nil
}

// DeviceEvents returns a device's most recent events, newest first
func (s *TelemetryService) DeviceEvents(ctx context.Context, deviceID string, limit int) ([]*models.TelemetryEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	events, err := s.telemetryRepo.GetByDevice(ctx, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get telemetry: %w", err)
	}
	return events, nil
}
