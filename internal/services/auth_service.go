package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kioskfleet/fleet/internal/models"
	"github.com/kioskfleet/fleet/internal/observability"
	"github.com/kioskfleet/fleet/internal/repository"
)

// seedAdminUsername is the account created by SeedAdmin
const seedAdminUsername = "admin"

// AuthService handles device sign-in and records LOGIN/LOGOUT telemetry
type AuthService struct {
	userRepo  repository.UserRepo
	telemetry *TelemetryService
	metrics   *observability.FleetMetrics
}

// NewAuthService creates a new AuthService
func NewAuthService(userRepo repository.UserRepo, telemetry *TelemetryService, metrics *observability.FleetMetrics) *AuthService {
	return &AuthService{
		userRepo:  userRepo,
		telemetry: telemetry,
		metrics:   metrics,
	}
}

// Login verifies credentials. A LOGIN event is recorded on success; failing
// to record it is logged and does not fail the login.
func (s *AuthService) Login(ctx context.Context, username, password, deviceID string) (*models.User, error) {
	ctx, span := observability.StartServiceSpan(ctx, "AuthService", "Login")
	defer span.End()

	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, models.ErrMissingCredentials
	}

	user, err := s.userRepo.GetByUsername(ctx, username)
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("failed to lookup user: %w", err)
	}
	if user == nil || !user.VerifyPassword(password) {
		s.metrics.RecordAuthAttempt(ctx, false)
		observability.WithContext(ctx).WithField("device_id", deviceID).Warnf("Failed login for %q", username)
		return nil, models.ErrInvalidCredentials
	}

	s.metrics.RecordAuthAttempt(ctx, true)
	span.SetAttributes(observability.UserID(user.ID))
	observability.SetSuccess(span)

	userID := user.ID
	data := map[string]string{"username": user.Username, "role": user.Role}
	if err := s.telemetry.Record(ctx, deviceID, &userID, models.EventLogin, data); err != nil {
		observability.WithContext(ctx).WithField("user_id", user.ID).Warnf("Failed to record login telemetry: %v", err)
	}
	return user, nil
}

// Logout records a LOGOUT event. Recording is best effort.
func (s *AuthService) Logout(ctx context.Context, userID, deviceID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return models.ErrMissingUserID
	}

	if err := s.telemetry.Record(ctx, deviceID, &userID, models.EventLogout, map[string]string{}); err != nil {
		observability.WithContext(ctx).WithField("user_id", userID).Warnf("Failed to record logout telemetry: %v", err)
	}
	return nil
}

// SeedAdmin creates the initial parent account when no users exist yet.
// It reports whether an account was created.
func (s *AuthService) SeedAdmin(ctx context.Context, password string) (bool, error) {
	count, err := s.userRepo.GetCount(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to count users: %w", err)
	}
	if count > 0 {
		return false, nil
	}

	user, err := models.NewUser(seedAdminUsername, password, models.RoleParent)
	if err != nil {
		return false, err
	}
	if err := s.userRepo.Add(ctx, user); err != nil {
		return false, fmt.Errorf("failed to create admin user: %w", err)
	}

	observability.Infof("Seeded %q account", seedAdminUsername)
	return true, nil
}

// CreateUser adds a user with the given role. A taken username returns
// models.ErrUsernameExists.
func (s *AuthService) CreateUser(ctx context.Context, username, password, role string) (*models.User, error) {
	ctx, span := observability.StartServiceSpan(ctx, "AuthService", "CreateUser")
	defer span.End()

	user, err := models.NewUser(username, password, role)
	if err != nil {
		return nil, err
	}
	if err := s.userRepo.Add(ctx, user); err != nil {
		if !errors.Is(err, models.ErrUsernameExists) {
			observability.RecordError(span, err)
			return nil, fmt.Errorf("failed to create user: %w", err)
		}
		return nil, err
	}

	observability.SetSuccess(span)
	observability.WithContext(ctx).WithField("user_id", user.ID).Infof("Created %s account %q", user.Role, user.Username)
	return user, nil
}

// ListUsers returns every account
func (s *AuthService) ListUsers(ctx context.Context) ([]*models.User, error) {
	users, err := s.userRepo.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

// DeleteUser removes an account. Telemetry already recorded for it is kept.
func (s *AuthService) DeleteUser(ctx context.Context, id string) error {
	deleted, err := s.userRepo.Delete(ctx, strings.TrimSpace(id))
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if !deleted {
		return models.ErrUserNotFound
	}
	observability.WithContext(ctx).WithField("user_id", id).Info("Deleted user")
	return nil
}
