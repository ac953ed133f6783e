// Package agent ties the device-side pieces together: enrollment, user
// sessions, policy sync, kiosk enforcement and the telemetry cycle.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kioskfleet/fleet/internal/agent/gateway"
	"github.com/kioskfleet/fleet/internal/agent/kiosk"
	"github.com/kioskfleet/fleet/internal/agent/queue"
	"github.com/kioskfleet/fleet/internal/agent/reconcile"
	"github.com/kioskfleet/fleet/internal/agent/syncworker"
	"github.com/kioskfleet/fleet/internal/models"
	"github.com/kioskfleet/fleet/internal/observability"
)

var (
	ErrNotRegistered = errors.New("device is not registered")
	ErrNotLoggedIn   = errors.New("no user is logged in")
)

// Gateway is the server API the agent depends on
type Gateway interface {
	Register(ctx context.Context, req models.RegisterDeviceRequest) (*models.RegisterDeviceResponse, error)
	Login(ctx context.Context, req models.LoginRequest) (*models.UserResponse, error)
	Logout(ctx context.Context, req models.LogoutRequest) error
	FetchPolicy(ctx context.Context, deviceID string) (*models.AssignedPolicy, error)
	SendTelemetry(ctx context.Context, req models.IngestTelemetryRequest) (int, error)
}

// PackageSource lists the packages installed on the device
type PackageSource interface {
	InstalledPackages(ctx context.Context) ([]string, error)
}

// StaticPackages is a fixed package inventory
type StaticPackages []string

func (s StaticPackages) InstalledPackages(context.Context) ([]string, error) {
	return []string(s), nil
}

// Options holds the device identity and policy inputs
type Options struct {
	SelfPackage    string
	TrustedPrefix  string
	DefaultAllowed []string
	SyncInterval   time.Duration
	FlushTimeout   time.Duration
	Model          string
	OSVersion      string
	// DeviceID is sent on registration; servers in client id mode require it
	DeviceID       string
}

// Agent is the device-side coordinator
type Agent struct {
	opts       Options
	gateway    Gateway
	store      *queue.Store
	state      stateStore
	controller *kiosk.Controller
	worker     *syncworker.Worker
	scheduler  syncworker.Scheduler
	packages   PackageSource
	now        func() time.Time

	// policyMu serializes policy sync and allow-list recomputation
	policyMu sync.Mutex
}

// New wires an agent. Kiosk transitions are queued as telemetry.
func New(opts Options, gw Gateway, store *queue.Store, controller *kiosk.Controller,
	scheduler syncworker.Scheduler, packages PackageSource, providers ...syncworker.Provider) *Agent {
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = syncworker.DefaultInterval
	}
	if opts.DefaultAllowed == nil {
		opts.DefaultAllowed = reconcile.DefaultAllowedPackages
	}
	if packages == nil {
		packages = StaticPackages(nil)
	}

	a := &Agent{
		opts:       opts,
		gateway:    gw,
		store:      store,
		state:      stateStore{store: store},
		controller: controller,
		scheduler:  scheduler,
		packages:   packages,
		now:        time.Now,
	}
	a.worker = syncworker.NewWorker(store, gw, a.activeSession, opts.FlushTimeout, providers...)
	controller.AddListener(a.onKioskTransition)
	return a
}

// Register redeems an enrollment code and stores the assigned device id
func (a *Agent) Register(ctx context.Context, code string) (*Registration, error) {
	resp, err := a.gateway.Register(ctx, models.RegisterDeviceRequest{
		RegistrationCode: code,
		Model:            a.opts.Model,
		OSVersion:        a.opts.OSVersion,
		DeviceID:         a.opts.DeviceID,
	})
	if err != nil {
		return nil, fmt.Errorf("registration failed: %w", err)
	}

	reg := Registration{
		DeviceID:     resp.DeviceID,
		Description:  resp.Description,
		RegisteredAt: resp.RegisteredAt,
	}
	if err := a.state.saveRegistration(ctx, reg); err != nil {
		return nil, fmt.Errorf("failed to persist registration: %w", err)
	}

	observability.WithField("device_id", reg.DeviceID).Info("Device registered")
	return &reg, nil
}

// Registration returns the stored enrollment, or nil before registration
func (a *Agent) Registration(ctx context.Context) (*Registration, error) {
	return a.state.registration(ctx)
}

// Session returns the signed-in user, or nil
func (a *Agent) Session(ctx context.Context) (*Session, error) {
	return a.state.session(ctx)
}

func (a *Agent) requireRegistration(ctx context.Context) (*Registration, error) {
	reg, err := a.state.registration(ctx)
	if err != nil {
		return nil, err
	}
	if reg == nil {
		return nil, ErrNotRegistered
	}
	return reg, nil
}

// Login signs a user in and starts the periodic sync cycle
func (a *Agent) Login(ctx context.Context, username, password string) (*Session, error) {
	reg, err := a.requireRegistration(ctx)
	if err != nil {
		return nil, err
	}

	user, err := a.gateway.Login(ctx, models.LoginRequest{
		Username: username,
		Password: password,
		DeviceID: reg.DeviceID,
	})
	if err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}

	session := Session{UserID: user.ID, Username: user.Username, Role: user.Role}
	if err := a.state.saveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	a.StartSync()
	observability.WithFields(map[string]interface{}{
		"device_id": reg.DeviceID,
		"user_id":   session.UserID,
	}).Info("User logged in")
	return &session, nil
}

// StartSync (re)schedules the collect and flush cycle
func (a *Agent) StartSync() {
	if a.scheduler == nil {
		return
	}
	a.scheduler.CancelAll()
	a.scheduler.ScheduleRepeating(a.opts.SyncInterval, func(ctx context.Context) {
		a.worker.RunCycle(ctx)
	})
}

// Logout stops the sync cycle and clears the session. The local session is
// cleared even when the server cannot be reached.
func (a *Agent) Logout(ctx context.Context) error {
	session, err := a.state.session(ctx)
	if err != nil {
		return err
	}
	if session == nil {
		return ErrNotLoggedIn
	}

	if a.scheduler != nil {
		a.scheduler.CancelAll()
	}

	reg, err := a.state.registration(ctx)
	if err != nil {
		return err
	}
	if reg != nil {
		err := a.gateway.Logout(ctx, models.LogoutRequest{UserID: session.UserID, DeviceID: reg.DeviceID})
		if err != nil {
			observability.Warnf("Server logout failed, clearing local session anyway: %v", err)
		}
	}

	if err := a.state.clearSession(ctx); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	observability.WithField("user_id", session.UserID).Info("User logged out")
	return nil
}

// SyncPolicy fetches the assigned policy and applies the resulting allow-list.
// Without an assignment the last stored policy stays in effect.
func (a *Agent) SyncPolicy(ctx context.Context) (reconcile.AllowList, error) {
	reg, err := a.requireRegistration(ctx)
	if err != nil {
		return nil, err
	}

	a.policyMu.Lock()
	defer a.policyMu.Unlock()

	assigned, err := a.gateway.FetchPolicy(ctx, reg.DeviceID)
	switch {
	case errors.Is(err, gateway.ErrNoPolicyAssigned):
		observability.WithField("device_id", reg.DeviceID).Debug("No policy assigned, keeping current allow-list")
	case err != nil:
		return nil, fmt.Errorf("policy fetch failed: %w", err)
	default:
		if err := a.storePolicy(ctx, assigned); err != nil {
			return nil, err
		}
	}

	return a.applyLocked(ctx)
}

func (a *Agent) storePolicy(ctx context.Context, assigned *models.AssignedPolicy) error {
	cfg, err := models.ParsePolicyConfig([]byte(assigned.Config))
	if err != nil {
		observability.Warnf("Ignoring malformed policy config: %v", err)
		return nil
	}

	current, err := a.state.policy(ctx)
	if err != nil {
		return err
	}
	if current != nil && current.Config == assigned.Config && current.UpdatedAt.Equal(assigned.UpdatedAt) {
		return nil
	}

	if err := a.state.savePolicy(ctx, PolicyState{Config: assigned.Config, UpdatedAt: assigned.UpdatedAt}); err != nil {
		return fmt.Errorf("failed to persist policy: %w", err)
	}

	a.enqueue(ctx, models.EventPolicyApplied, map[string]interface{}{
		"updatedAt":   assigned.UpdatedAt,
		"allowedApps": len(cfg.AllowedApps),
	})
	observability.Infof("Applied policy version %s with %d allowed apps",
		assigned.UpdatedAt.Format(time.RFC3339), len(cfg.AllowedApps))
	return nil
}

// EffectiveAllowList recomputes the list from defaults, the stored policy and
// the trusted packages installed on the device
func (a *Agent) EffectiveAllowList(ctx context.Context) (reconcile.AllowList, error) {
	a.policyMu.Lock()
	defer a.policyMu.Unlock()
	return a.effectiveLocked(ctx)
}

func (a *Agent) effectiveLocked(ctx context.Context) (reconcile.AllowList, error) {
	var remote []string
	policy, err := a.state.policy(ctx)
	if err != nil {
		return nil, err
	}
	if policy != nil {
		cfg, err := models.ParsePolicyConfig([]byte(policy.Config))
		if err == nil {
			remote = cfg.AllowedApps
		}
	}

	installed, err := a.packages.InstalledPackages(ctx)
	if err != nil {
		observability.Warnf("Package inventory unavailable: %v", err)
	}
	local := reconcile.FilterTrusted(installed, a.opts.TrustedPrefix)

	return reconcile.Reconcile(a.opts.DefaultAllowed, remote, local, a.opts.SelfPackage), nil
}

func (a *Agent) applyLocked(ctx context.Context) (reconcile.AllowList, error) {
	list, err := a.effectiveLocked(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.controller.OnResume(list.Strings()); err != nil {
		return list, err
	}
	return list, nil
}

// Resume re-reads ownership and re-applies the allow-list
func (a *Agent) Resume(ctx context.Context) (kiosk.State, error) {
	a.controller.Refresh()

	a.policyMu.Lock()
	defer a.policyMu.Unlock()
	if _, err := a.applyLocked(ctx); err != nil {
		return a.controller.State(), err
	}
	return a.controller.State(), nil
}

// EnableKiosk locks the device to the current allow-list
func (a *Agent) EnableKiosk(ctx context.Context) error {
	list, err := a.EffectiveAllowList(ctx)
	if err != nil {
		return err
	}
	return a.controller.EnableKiosk(list.Strings())
}

// ExitToSettings releases the lock. The allow-list is refreshed first so the
// next lock starts from it; a failed refresh never blocks the exit.
func (a *Agent) ExitToSettings(ctx context.Context) error {
	a.policyMu.Lock()
	if _, err := a.applyLocked(ctx); err != nil {
		observability.Warnf("Allow-list refresh before exit failed: %v", err)
	}
	a.policyMu.Unlock()

	return a.controller.ExitToSettings()
}

// KioskState returns the enforcement state
func (a *Agent) KioskState() kiosk.State {
	return a.controller.State()
}

// SyncNow runs one collect and flush cycle immediately
func (a *Agent) SyncNow(ctx context.Context) syncworker.FlushResult {
	return a.worker.RunCycle(ctx)
}

// Stop cancels the scheduled sync cycle
func (a *Agent) Stop() {
	if a.scheduler != nil {
		a.scheduler.CancelAll()
	}
}

// Drain stops the scheduled cycle, waiting for a running one, and then runs
// one cycle to completion.
func (a *Agent) Drain(ctx context.Context) syncworker.FlushResult {
	a.Stop()
	return a.worker.RunCycle(ctx)
}

// Status is a snapshot of the agent for display
type Status struct {
	Registration  *Registration `json:"registration,omitempty"`
	Session       *Session      `json:"session,omitempty"`
	KioskState    string        `json:"kioskState"`
	PolicyVersion *time.Time    `json:"policyVersion,omitempty"`
	PendingEvents int           `json:"pendingEvents"`
	AllowList     []string      `json:"allowList"`
}

// Status reports the agent's persisted and live state
func (a *Agent) Status(ctx context.Context) (*Status, error) {
	reg, err := a.state.registration(ctx)
	if err != nil {
		return nil, err
	}
	session, err := a.state.session(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := a.store.Len(ctx)
	if err != nil {
		return nil, err
	}
	list, err := a.EffectiveAllowList(ctx)
	if err != nil {
		return nil, err
	}

	st := &Status{
		Registration:  reg,
		Session:       session,
		KioskState:    a.controller.State().String(),
		PendingEvents: pending,
		AllowList:     list.Strings(),
	}

	policy, err := a.state.policy(ctx)
	if err != nil {
		return nil, err
	}
	if policy != nil {
		v := policy.UpdatedAt
		st.PolicyVersion = &v
	}
	return st, nil
}

// activeSession feeds the worker; telemetry needs both a device and a user
func (a *Agent) activeSession(ctx context.Context) (syncworker.Session, bool) {
	reg, err := a.state.registration(ctx)
	if err != nil || reg == nil {
		return syncworker.Session{}, false
	}
	session, err := a.state.session(ctx)
	if err != nil || session == nil {
		return syncworker.Session{}, false
	}
	return syncworker.Session{UserID: session.UserID, DeviceID: reg.DeviceID}, true
}

func (a *Agent) onKioskTransition(from, to kiosk.State) {
	ctx := context.Background()
	switch {
	case to == kiosk.OwnerLocked:
		a.enqueue(ctx, models.EventKioskEnter, map[string]string{"from": from.String()})
	case from == kiosk.OwnerLocked:
		a.enqueue(ctx, models.EventKioskExit, map[string]string{"to": to.String()})
	}
}

func (a *Agent) enqueue(ctx context.Context, eventType string, data interface{}) {
	raw, err := json.Marshal(data)
	if err != nil {
		observability.Errorf("Failed to encode %s event: %v", eventType, err)
		return
	}
	record := queue.Record{Type: eventType, Payload: raw, CapturedAt: a.now()}
	if err := a.store.Enqueue(ctx, []queue.Record{record}); err != nil {
		observability.Errorf("Failed to queue %s event: %v", eventType, err)
	}
}
