package agent

import (
	"context"
	"time"

	"github.com/kioskfleet/fleet/internal/agent/queue"
)

// State keys in the device store
const (
	stateRegistration = "registration"
	stateSession      = "session"
	statePolicy       = "policy"
)

// Registration is the device's enrollment record
type Registration struct {
	DeviceID     string    `json:"deviceId"`
	Description  string    `json:"description"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// Session is the signed-in user
type Session struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// PolicyState is the last policy received from the server
type PolicyState struct {
	Config    string    `json:"config"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// stateStore is a typed view over the device key/value state
type stateStore struct {
	store *queue.Store
}

func (s stateStore) registration(ctx context.Context) (*Registration, error) {
	var reg Registration
	found, err := s.store.GetState(ctx, stateRegistration, &reg)
	if err != nil || !found {
		return nil, err
	}
	return &reg, nil
}

func (s stateStore) saveRegistration(ctx context.Context, reg Registration) error {
	return s.store.PutState(ctx, stateRegistration, reg)
}

func (s stateStore) session(ctx context.Context) (*Session, error) {
	var session Session
	found, err := s.store.GetState(ctx, stateSession, &session)
	if err != nil || !found {
		return nil, err
	}
	return &session, nil
}

func (s stateStore) saveSession(ctx context.Context, session Session) error {
	return s.store.PutState(ctx, stateSession, session)
}

func (s stateStore) clearSession(ctx context.Context) error {
	return s.store.DeleteState(ctx, stateSession)
}

func (s stateStore) policy(ctx context.Context) (*PolicyState, error) {
	var policy PolicyState
	found, err := s.store.GetState(ctx, statePolicy, &policy)
	if err != nil || !found {
		return nil, err
	}
	return &policy, nil
}

func (s stateStore) savePolicy(ctx context.Context, policy PolicyState) error {
	return s.store.PutState(ctx, statePolicy, policy)
}
