// Package model defines domain entities used by services and repositories.
package model

import (
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Credential is the custody row owned by this service for one user.
// Neither the PIN nor the plaintext key is ever stored.
type Credential struct {
	UserID         uuid.UUID
	WalletAddress  string     // lowercase 0x address derived from the key
	KeyBlob        string     // vault blob, CURRENT or LEGACY format
	PinHash        string     // PIN record, CURRENT or LEGACY format
	FailedAttempts int        // consecutive failed verifications
	LockedUntil    *time.Time // nil when not locked
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LockState is the lockout view of a credential.
type LockState struct {
	FailedAttempts int
	LockedUntil    *time.Time
}

// Locked reports whether a lockout window is active at now.
func (s LockState) Locked(now time.Time) bool {
	return s.LockedUntil != nil && now.Before(*s.LockedUntil)
}

// QueueStatus is the lifecycle state of a queue entry.
type QueueStatus string

const (
	StatusPending   QueueStatus = "PENDING"
	StatusSending   QueueStatus = "SENDING"
	StatusConfirmed QueueStatus = "CONFIRMED"
	StatusFailed    QueueStatus = "FAILED"
)

// OpType is the relayed operation kind.
type OpType string

const (
	OpTransfer     OpType = "transfer"
	OpApprove      OpType = "approve"
	OpTransferFrom OpType = "transferFrom"
)

// Valid reports whether t is a known operation.
func (t OpType) Valid() bool {
	switch t {
	case OpTransfer, OpApprove, OpTransferFrom:
		return true
	}
	return false
}

// QueueEntry is one relay intent.
type QueueEntry struct {
	ID            uuid.UUID
	WalletAddress string
	Status        QueueStatus
	Type          OpType
	Payload       []byte // JSON-encoded OpPayload
	TxHash        *string
	TaskID        *string
	ErrorMessage  *string
	CooldownUntil *time.Time // set on FAILED entries that may be retried
	Attempts      int        // number of claims so far
	SendingSince  *time.Time // start of the current SENDING claim
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Retryable reports whether a FAILED entry still has a scheduled retry.
func (e QueueEntry) Retryable() bool {
	return e.Status == StatusFailed && e.CooldownUntil != nil
}

// Terminal reports whether the entry will never be claimed again.
func (e QueueEntry) Terminal() bool {
	return e.Status == StatusConfirmed || (e.Status == StatusFailed && e.CooldownUntil == nil)
}

// OpRequest is a caller's transaction intent before authorization.
type OpRequest struct {
	Type   OpType
	Token  string // ERC-20 contract; empty means the configured default
	To     string // recipient or spender
	Owner  string // transferFrom only
	Amount string // base units, decimal
}

// OpPayload is the authorized, persisted form of an OpRequest.
type OpPayload struct {
	Token     string `json:"token"`
	To        string `json:"to"`
	Owner     string `json:"owner,omitempty"`
	Amount    string `json:"amount"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// NormalizeAddress lowercases and trims a wallet address for consistent indexing.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
