// Package limiter tracks failed PIN verifications and time-boxed lockouts.
package limiter

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/walletrelay/internal/model"
)

// Defaults applied when a constructor receives zero values.
const (
	DefaultMaxFails = 3
	DefaultLockFor  = 24 * time.Hour
)

// Lockout controls PIN attempts and temporary lockouts per user.
// Every mutation is a single atomic step; callers never read-modify-write.
type Lockout interface {
	// State returns the current lockout view. An elapsed lock reads as unlocked with zero failures.
	State(ctx context.Context, userID uuid.UUID) (model.LockState, error)
	// Failure records a failed attempt and may place a lock.
	Failure(ctx context.Context, userID uuid.UUID) (model.LockState, error)
	// Success resets the counter unless an active lock exists, in which case the lock is returned unchanged.
	Success(ctx context.Context, userID uuid.UUID) (model.LockState, error)
}

// Option configures a Lockout implementation.
type Option func(*settings)

type settings struct {
	maxFails int
	lockFor  time.Duration
	now      func() time.Time
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

func newSettings(maxFails int, lockFor time.Duration, opts []Option) settings {
	s := settings{maxFails: maxFails, lockFor: lockFor, now: time.Now}
	if s.maxFails <= 0 {
		s.maxFails = DefaultMaxFails
	}
	if s.lockFor <= 0 {
		s.lockFor = DefaultLockFor
	}
	for _, o := range opts {
		o(&s)
	}
	return s
}

// normalize hides an elapsed lock.
func normalize(st model.LockState, now time.Time) model.LockState {
	if st.LockedUntil != nil && !now.Before(*st.LockedUntil) {
		return model.LockState{}
	}
	return st
}
