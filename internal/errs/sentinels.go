// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates a conditional update lost a race (stored value changed underneath).
	ErrVersionConflict = errors.New("version conflict")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., PIN already set).
	ErrAlreadyExists = errors.New("already exists")

	// ErrValidation indicates malformed caller input.
	ErrValidation = errors.New("validation")
)

// Key custody and PIN gate.
var (
	// ErrInvalidPinOrCorruptData covers a wrong PIN and a blob that fails to decrypt.
	// The two are deliberately indistinguishable to callers.
	ErrInvalidPinOrCorruptData = errors.New("invalid pin or corrupt data")

	// ErrInvalidKeyFormat indicates a structurally malformed blob or PIN record.
	ErrInvalidKeyFormat = errors.New("invalid key format")

	// ErrAccountLocked indicates an active lockout window.
	ErrAccountLocked = errors.New("account locked")

	// ErrNoPinSet indicates the operation needs a PIN that was never created.
	ErrNoPinSet = errors.New("no pin set")

	// ErrInvalidPinFormat indicates the PIN is not exactly four digits.
	ErrInvalidPinFormat = errors.New("pin must be 4 digits")
)

// Queue and relay.
var (
	// ErrQueueConflict indicates another entry of the wallet is already SENDING.
	ErrQueueConflict = errors.New("queue conflict")

	// ErrInvalidTransition indicates a queue entry is not in the state the operation requires.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrRelayTransient marks relay failures that are retried with backoff.
	ErrRelayTransient = errors.New("relay transient failure")

	// ErrRelayPermanent marks relay failures that are terminal.
	ErrRelayPermanent = errors.New("relay permanent failure")
)

// LockedError reports an active lockout and when it ends.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked until %s", e.Until.UTC().Format(time.RFC3339))
}

// Is makes errors.Is(err, ErrAccountLocked) hold.
func (e *LockedError) Is(target error) bool { return target == ErrAccountLocked }

// PinMismatchError reports a failed PIN check with the remaining attempt counter.
type PinMismatchError struct {
	Remaining int
}

func (e *PinMismatchError) Error() string { return ErrInvalidPinOrCorruptData.Error() }

// Is makes errors.Is(err, ErrInvalidPinOrCorruptData) hold.
func (e *PinMismatchError) Is(target error) bool { return target == ErrInvalidPinOrCorruptData }
