package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/walletrelay/internal/model"
)

// Memory is a process-local Lockout used by tests and dev mode.
type Memory struct {
	mu    sync.Mutex
	state map[uuid.UUID]model.LockState
	settings
}

// NewMemory constructs an in-memory lockout.
func NewMemory(maxFails int, lockFor time.Duration, opts ...Option) *Memory {
	return &Memory{state: make(map[uuid.UUID]model.LockState), settings: newSettings(maxFails, lockFor, opts)}
}

// State returns the lockout view; unknown users are unlocked.
func (m *Memory) State(_ context.Context, userID uuid.UUID) (model.LockState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return normalize(m.state[userID], m.now()), nil
}

// Failure records a failed attempt.
func (m *Memory) Failure(_ context.Context, userID uuid.UUID) (model.LockState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	st := m.state[userID]
	if st.Locked(now) {
		return st, nil
	}
	if st.LockedUntil != nil {
		st = model.LockState{}
	}
	st.FailedAttempts++
	if st.FailedAttempts >= m.maxFails {
		until := now.Add(m.lockFor)
		st.LockedUntil = &until
	}
	m.state[userID] = st
	return st, nil
}

// Success resets the counter unless a lock is active.
func (m *Memory) Success(_ context.Context, userID uuid.UUID) (model.LockState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state[userID]
	if st.Locked(m.now()) {
		return st, nil
	}
	delete(m.state, userID)
	return model.LockState{}, nil
}
