package kiosk

import (
	"errors"
	"sort"
	"sync"
)

// ErrRefused is returned by SimulatedPlatform when told to refuse
var ErrRefused = errors.New("refused by platform")

// SimulatedPlatform is an in-memory Platform for headless agents and tests
type SimulatedPlatform struct {
	mu           sync.Mutex
	owner        bool
	locked       bool
	refuseLock   bool
	refuseUnlock bool
	ignoreLock   bool
	packages     []string
	restrictions map[string]bool
}

// NewSimulatedPlatform creates a platform with or without device owner rights
func NewSimulatedPlatform(owner bool) *SimulatedPlatform {
	return &SimulatedPlatform{
		owner:        owner,
		restrictions: make(map[string]bool),
	}
}

// SetOwner grants or revokes device owner rights
func (p *SimulatedPlatform) SetOwner(owner bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.owner = owner
}

// RefuseLock makes StartLockTask fail
func (p *SimulatedPlatform) RefuseLock(refuse bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refuseLock = refuse
}

// RefuseUnlock makes StopLockTask fail and leaves the device locked
func (p *SimulatedPlatform) RefuseUnlock(refuse bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refuseUnlock = refuse
}

// IgnoreLock makes StartLockTask succeed without locking
func (p *SimulatedPlatform) IgnoreLock(ignore bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ignoreLock = ignore
}

// ForceUnlock drops lock task mode behind the controller's back
func (p *SimulatedPlatform) ForceUnlock() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.locked = false
}

func (p *SimulatedPlatform) IsDeviceOwner() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.owner
}

func (p *SimulatedPlatform) SetLockTaskPackages(packages []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.owner {
		return ErrRefused
	}
	p.packages = append([]string(nil), packages...)
	return nil
}

func (p *SimulatedPlatform) StartLockTask() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.owner || p.refuseLock {
		return ErrRefused
	}
	if !p.ignoreLock {
		p.locked = true
	}
	return nil
}

func (p *SimulatedPlatform) StopLockTask() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refuseUnlock {
		return ErrRefused
	}
	p.locked = false
	return nil
}

func (p *SimulatedPlatform) LockTaskActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.locked
}

func (p *SimulatedPlatform) AddUserRestriction(restriction string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restrictions[restriction] = true
	return nil
}

func (p *SimulatedPlatform) ClearUserRestriction(restriction string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.restrictions, restriction)
	return nil
}

// LockTaskPackages returns the last applied allow-list
func (p *SimulatedPlatform) LockTaskPackages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.packages...)
}

// ActiveRestrictions returns the engaged restrictions, sorted
func (p *SimulatedPlatform) ActiveRestrictions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.restrictions))
	for r := range p.restrictions {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
