// Package kiosk drives the device's lock task mode.
package kiosk

import (
	"errors"
	"fmt"
	"sync"

	"github.com/kioskfleet/fleet/internal/observability"
)

// State is the enforcement state of the device
type State int

const (
	// NotOwner means the agent lacks device owner rights; enforcement is a no-op
	NotOwner State = iota
	// OwnerUnlocked means the agent can lock but the device is unlocked
	OwnerUnlocked
	// OwnerLocked means lock task mode is active with restrictions engaged
	OwnerLocked
)

func (s State) String() string {
	switch s {
	case OwnerUnlocked:
		return "owner_unlocked"
	case OwnerLocked:
		return "owner_locked"
	default:
		return "not_owner"
	}
}

// Restrictions engaged while locked. They are always toggled together.
var Restrictions = []string{
	"no_factory_reset",
	"no_safe_boot",
	"no_adjust_volume",
	"no_add_user",
	"no_mount_physical_media",
}

var (
	// ErrLockNotConfirmed means the platform accepted the request but is not locked
	ErrLockNotConfirmed = errors.New("lock task did not become active")
	// ErrUnlockNotConfirmed means lock task is still active after stopping it
	ErrUnlockNotConfirmed = errors.New("lock task is still active")
)

// Platform is the device management surface the controller drives
type Platform interface {
	IsDeviceOwner() bool
	SetLockTaskPackages(packages []string) error
	StartLockTask() error
	StopLockTask() error
	LockTaskActive() bool
	AddUserRestriction(restriction string) error
	ClearUserRestriction(restriction string) error
}

// Listener is told about every state change
type Listener func(from, to State)

// Controller is the enforcement state machine. It can always leave the
// locked state through ExitToSettings.
type Controller struct {
	mu        sync.Mutex
	platform  Platform
	state     State
	listeners []Listener
}

// NewController creates a controller and reads the platform's current state
func NewController(platform Platform) *Controller {
	c := &Controller{platform: platform}
	c.Refresh()
	return c
}

// AddListener registers a state change listener
func (c *Controller) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// State returns the current state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Refresh re-reads owner rights and lock state from the platform
func (c *Controller) Refresh() State {
	c.mu.Lock()
	from := c.state
	c.state = c.observe()
	to := c.state
	c.mu.Unlock()

	c.notify(from, to)
	return to
}

func (c *Controller) observe() State {
	if !c.platform.IsDeviceOwner() {
		return NotOwner
	}
	if c.platform.LockTaskActive() {
		return OwnerLocked
	}
	return OwnerUnlocked
}

// EnableKiosk applies the allow-list and enters lock task mode. The list is
// applied before locking so every allowed app is reachable once locked.
// Calling it while locked re-applies the list.
func (c *Controller) EnableKiosk(allowList []string) error {
	c.mu.Lock()
	from := c.state
	err := c.enable(allowList)
	to := c.state
	c.mu.Unlock()

	c.notify(from, to)
	return err
}

func (c *Controller) enable(allowList []string) error {
	if c.state == NotOwner {
		return nil
	}

	if err := c.platform.SetLockTaskPackages(allowList); err != nil {
		observability.Warnf("Failed to apply allow-list: %v", err)
		return fmt.Errorf("failed to apply allow-list: %w", err)
	}
	if c.state == OwnerLocked {
		if err := c.setRestrictions(true); err != nil {
			observability.Warnf("Failed to re-engage restrictions: %v", err)
		}
		return nil
	}

	if err := c.platform.StartLockTask(); err != nil {
		observability.Warnf("Platform refused lock task: %v", err)
		return fmt.Errorf("failed to start lock task: %w", err)
	}
	if !c.platform.LockTaskActive() {
		observability.Warn("Lock task requested but not active")
		return ErrLockNotConfirmed
	}

	c.state = OwnerLocked
	if err := c.setRestrictions(true); err != nil {
		observability.Warnf("Failed to engage restrictions: %v", err)
	}
	observability.Infof("Kiosk mode enabled with %d allowed packages", len(allowList))
	return nil
}

// ExitToSettings leaves lock task mode and clears restrictions
func (c *Controller) ExitToSettings() error {
	c.mu.Lock()
	from := c.state
	err := c.exit()
	to := c.state
	c.mu.Unlock()

	c.notify(from, to)
	return err
}

func (c *Controller) exit() error {
	if c.state != OwnerLocked {
		return nil
	}

	var errs []error
	if err := c.platform.StopLockTask(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop lock task: %w", err))
	}

	// Restrictions stay engaged until the platform confirms the unlock
	if c.platform.LockTaskActive() {
		errs = append(errs, ErrUnlockNotConfirmed)
		return errors.Join(errs...)
	}

	c.state = OwnerUnlocked
	if err := c.setRestrictions(false); err != nil {
		errs = append(errs, err)
	}
	observability.Info("Kiosk mode exited to settings")
	if len(errs) > 0 {
		observability.Warnf("Kiosk exit completed with errors: %v", errors.Join(errs...))
	}
	return nil
}

// OnResume re-applies the allow-list in both owner states
func (c *Controller) OnResume(allowList []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == NotOwner {
		return nil
	}
	if err := c.platform.SetLockTaskPackages(allowList); err != nil {
		return fmt.Errorf("failed to apply allow-list: %w", err)
	}
	return nil
}

func (c *Controller) setRestrictions(enable bool) error {
	var errs []error
	for _, r := range Restrictions {
		var err error
		if enable {
			err = c.platform.AddUserRestriction(r)
		} else {
			err = c.platform.ClearUserRestriction(r)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r, err))
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) notify(from, to State) {
	if from == to {
		return
	}
	c.mu.Lock()
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	for _, l := range listeners {
		l(from, to)
	}
}
