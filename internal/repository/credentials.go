// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/walletrelay/internal/model"
)

// CredentialRepository stores one custody row per user.
// Lockout columns live on the same row but are mutated only through limiter.Lockout.
type CredentialRepository interface {
	// Get loads the credential; ErrNotFound when no PIN was ever set.
	Get(ctx context.Context, userID uuid.UUID) (*model.Credential, error)
	// Create inserts the first credential; ErrAlreadyExists if one exists.
	Create(ctx context.Context, c *model.Credential) error
	// ReplacePinAndKey swaps both secrets at once, only if both still hold the old values.
	ReplacePinAndKey(ctx context.Context, userID uuid.UUID, oldPinHash, oldKeyBlob, newPinHash, newKeyBlob string) error
	// UpgradePinHash rewrites the PIN record if it still equals oldHash.
	UpgradePinHash(ctx context.Context, userID uuid.UUID, oldHash, newHash string) error
	// UpgradeKeyBlob rewrites the key blob if it still equals oldBlob.
	UpgradeKeyBlob(ctx context.Context, userID uuid.UUID, oldBlob, newBlob string) error
}
