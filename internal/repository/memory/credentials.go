// Package memory contains process-local repository implementations for tests and dev mode.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/walletrelay/internal/errs"
	"github.com/and161185/walletrelay/internal/model"
)

// Clock returns the current time.
type Clock func() time.Time

func clockOrNow(c Clock) Clock {
	if c == nil {
		return time.Now
	}
	return c
}

// Credentials is an in-memory CredentialRepository.
type Credentials struct {
	mu   sync.Mutex
	rows map[uuid.UUID]model.Credential
	now  Clock
}

// NewCredentials constructs an empty store. A nil clock means time.Now.
func NewCredentials(now Clock) *Credentials {
	return &Credentials{rows: make(map[uuid.UUID]model.Credential), now: clockOrNow(now)}
}

// Get returns a copy of the stored credential.
func (s *Credentials) Get(_ context.Context, userID uuid.UUID) (*model.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.rows[userID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &c, nil
}

// Create inserts the first credential for a user.
func (s *Credentials) Create(_ context.Context, c *model.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[c.UserID]; ok {
		return errs.ErrAlreadyExists
	}
	wallet := model.NormalizeAddress(c.WalletAddress)
	for _, r := range s.rows {
		if r.WalletAddress == wallet {
			return errs.ErrAlreadyExists
		}
	}
	now := s.now()
	row := model.Credential{
		UserID:        c.UserID,
		WalletAddress: wallet,
		KeyBlob:       c.KeyBlob,
		PinHash:       c.PinHash,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.rows[c.UserID] = row
	c.CreatedAt, c.UpdatedAt = now, now
	return nil
}

// ReplacePinAndKey swaps both secrets if both still hold the old values.
func (s *Credentials) ReplacePinAndKey(
	_ context.Context, userID uuid.UUID, oldPinHash, oldKeyBlob, newPinHash, newKeyBlob string,
) error {
	return s.update(userID, func(c *model.Credential) bool {
		if c.PinHash != oldPinHash || c.KeyBlob != oldKeyBlob {
			return false
		}
		c.PinHash, c.KeyBlob = newPinHash, newKeyBlob
		return true
	})
}

// UpgradePinHash rewrites the PIN record if it still equals oldHash.
func (s *Credentials) UpgradePinHash(_ context.Context, userID uuid.UUID, oldHash, newHash string) error {
	return s.update(userID, func(c *model.Credential) bool {
		if c.PinHash != oldHash {
			return false
		}
		c.PinHash = newHash
		return true
	})
}

// UpgradeKeyBlob rewrites the key blob if it still equals oldBlob.
func (s *Credentials) UpgradeKeyBlob(_ context.Context, userID uuid.UUID, oldBlob, newBlob string) error {
	return s.update(userID, func(c *model.Credential) bool {
		if c.KeyBlob != oldBlob {
			return false
		}
		c.KeyBlob = newBlob
		return true
	})
}

func (s *Credentials) update(userID uuid.UUID, apply func(*model.Credential) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.rows[userID]
	if !ok || !apply(&c) {
		return errs.ErrVersionConflict
	}
	c.UpdatedAt = s.now()
	s.rows[userID] = c
	return nil
}
