package services

import (
	"context"
	"fmt"
	"time"

	"github.com/kioskfleet/fleet/internal/models"
	"github.com/kioskfleet/fleet/internal/observability"
	"github.com/kioskfleet/fleet/internal/repository"
)

// maxCodeDraws bounds how many codes GenerateCode draws before giving up
const maxCodeDraws = 32

// Clock returns the current time; tests substitute a fixed one
type Clock func() time.Time

// ErrCodeSpaceExhausted is returned when no free code was found within maxCodeDraws
var ErrCodeSpaceExhausted = fmt.Errorf("no free registration code after %d attempts", maxCodeDraws)

// EnrollmentService issues single-use enrollment codes and redeems them into devices
type EnrollmentService struct {
	tokenRepo    repository.RegistrationTokenRepo
	codeTTL      time.Duration
	deviceIDMode string
	now          Clock
	drawCode     func() (string, error)
	metrics      *observability.FleetMetrics
}

// NewEnrollmentService creates a new EnrollmentService
func NewEnrollmentService(
	tokenRepo repository.RegistrationTokenRepo,
	codeTTL time.Duration,
	deviceIDMode string,
	metrics *observability.FleetMetrics,
) *EnrollmentService {
	if codeTTL <= 0 {
		codeTTL = models.DefaultCodeTTL
	}
	if deviceIDMode != models.DeviceIDModeClient {
		deviceIDMode = models.DeviceIDModeServer
	}
	return &EnrollmentService{
		tokenRepo:    tokenRepo,
		codeTTL:      codeTTL,
		deviceIDMode: deviceIDMode,
		now:          time.Now,
		drawCode:     models.RandomCode,
		metrics:      metrics,
	}
}

// SetClock replaces the time source
func (s *EnrollmentService) SetClock(now Clock) {
	s.now = now
}

// SetCodeSource replaces the random code generator
func (s *EnrollmentService) SetCodeSource(draw func() (string, error)) {
	s.drawCode = draw
}

// DeviceIDMode reports whether device ids come from the server or the client
func (s *EnrollmentService) DeviceIDMode() string {
	return s.deviceIDMode
}

// GenerateCode purges expired tokens and issues a fresh code that no
// unexpired token holds. A code already taken, either seen up front or
// detected by the unique constraint on insert, is redrawn.
func (s *EnrollmentService) GenerateCode(ctx context.Context, description string) (*models.RegistrationToken, error) {
	ctx, span := observability.StartServiceSpan(ctx, "EnrollmentService", "GenerateCode")
	defer span.End()

	now := s.now().UTC()

	purged, err := s.tokenRepo.DeleteExpired(ctx, now)
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("failed to purge expired codes: %w", err)
	}
	if purged > 0 {
		observability.WithContext(ctx).Debugf("Purged %d expired registration codes", purged)
	}

	for attempt := 1; attempt <= maxCodeDraws; attempt++ {
		code, err := s.drawCode()
		if err != nil {
			observability.RecordError(span, err)
			return nil, fmt.Errorf("failed to draw registration code: %w", err)
		}

		taken, err := s.tokenRepo.ExistsUnexpired(ctx, code, now)
		if err != nil {
			observability.RecordError(span, err)
			return nil, fmt.Errorf("failed to check registration code: %w", err)
		}
		if taken {
			continue
		}

		token := models.NewRegistrationToken(code, description, now, s.codeTTL)
		if err := s.tokenRepo.Add(ctx, token); err != nil {
			if repository.IsUniqueViolation(err) {
				continue
			}
			observability.RecordError(span, err)
			return nil, fmt.Errorf("failed to store registration code: %w", err)
		}

		s.metrics.RecordCodeGenerated(ctx, attempt)
		observability.SetSuccess(span)
		observability.WithContext(ctx).WithField("expires_at", token.ExpiresAt.Format(time.RFC3339)).
			Infof("Issued registration code (attempt %d)", attempt)
		return token, nil
	}

	observability.RecordError(span, ErrCodeSpaceExhausted)
	return nil, ErrCodeSpaceExhausted
}

// Redeem consumes an enrollment code and creates (or, in client id mode,
// re-enrolls) the device. Bad, expired and already used codes all yield
// models.ErrInvalidOrExpiredCode, and no device is written.
func (s *EnrollmentService) Redeem(ctx context.Context, req models.RegisterDeviceRequest) (*models.Device, error) {
	ctx, span := observability.StartServiceSpan(ctx, "EnrollmentService", "Redeem")
	defer span.End()

	req.Normalize()
	if err := req.Validate(s.deviceIDMode); err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	code, ok := models.NormalizeCode(req.RegistrationCode)
	if !ok {
		s.metrics.RecordRedemption(ctx, false)
		return nil, models.ErrInvalidOrExpiredCode
	}

	now := s.now().UTC()
	build := func(token *models.RegistrationToken) *models.Device {
		return models.NewDevice(req.DeviceID, req.Model, req.OSVersion, token.Description, now)
	}

	device, err := s.tokenRepo.Redeem(ctx, code, now, build, s.deviceIDMode == models.DeviceIDModeClient)
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("failed to redeem registration code: %w", err)
	}
	if device == nil {
		s.metrics.RecordRedemption(ctx, false)
		return nil, models.ErrInvalidOrExpiredCode
	}

	s.metrics.RecordRedemption(ctx, true)
	span.SetAttributes(observability.DeviceID(device.ID))
	observability.SetSuccess(span)
	observability.WithContext(ctx).WithField("device_id", device.ID).
		Infof("Device enrolled (model=%s, os=%s)", device.Model, device.OSVersion)
	return device, nil
}

// CollectExpired deletes tokens whose expiry has passed
func (s *EnrollmentService) CollectExpired(ctx context.Context) (int, error) {
	removed, err := s.tokenRepo.DeleteExpired(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	s.metrics.RecordTokensCollected(ctx, removed)
	return removed, nil
}
