package postgres

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/walletrelay/internal/errs"
	"github.com/and161185/walletrelay/internal/model"
)

// CredentialRepo implements CredentialRepository using PostgreSQL.
type CredentialRepo struct {
	db  *DB
	now Clock
}

// NewCredentialRepo constructs a credential repository. A nil clock means time.Now.
func NewCredentialRepo(db *DB, now Clock) *CredentialRepo {
	return &CredentialRepo{db: db, now: clockOrNow(now)}
}

// Get selects a credential by user id.
func (r *CredentialRepo) Get(ctx context.Context, userID uuid.UUID) (*model.Credential, error) {
	const q = `
SELECT user_id, wallet_address, key_blob, pin_hash, failed_attempts, locked_until, created_at, updated_at
FROM wallet_credentials WHERE user_id=$1`
	var c model.Credential
	err := r.db.Pool.QueryRow(ctx, q, userID).Scan(
		&c.UserID, &c.WalletAddress, &c.KeyBlob, &c.PinHash,
		&c.FailedAttempts, &c.LockedUntil, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// Create inserts the first credential for a user.
func (r *CredentialRepo) Create(ctx context.Context, c *model.Credential) error {
	const q = `
INSERT INTO wallet_credentials (user_id, wallet_address, key_blob, pin_hash, failed_attempts, created_at, updated_at)
VALUES ($1, $2, $3, $4, 0, $5, $5)`
	now := r.now()
	_, err := r.db.Pool.Exec(ctx, q, c.UserID, model.NormalizeAddress(c.WalletAddress), c.KeyBlob, c.PinHash, now)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	if err != nil {
		return err
	}
	c.CreatedAt, c.UpdatedAt = now, now
	return nil
}

// ReplacePinAndKey swaps PIN record and key blob in one conditional update.
func (r *CredentialRepo) ReplacePinAndKey(
	ctx context.Context, userID uuid.UUID, oldPinHash, oldKeyBlob, newPinHash, newKeyBlob string,
) error {
	const q = `
UPDATE wallet_credentials
SET pin_hash=$4, key_blob=$5, updated_at=$6
WHERE user_id=$1 AND pin_hash=$2 AND key_blob=$3`
	return r.cas(ctx, q, userID, oldPinHash, oldKeyBlob, newPinHash, newKeyBlob, r.now())
}

// UpgradePinHash rewrites a PIN record in place.
func (r *CredentialRepo) UpgradePinHash(ctx context.Context, userID uuid.UUID, oldHash, newHash string) error {
	const q = `UPDATE wallet_credentials SET pin_hash=$3, updated_at=$4 WHERE user_id=$1 AND pin_hash=$2`
	return r.cas(ctx, q, userID, oldHash, newHash, r.now())
}

// UpgradeKeyBlob rewrites a key blob in place.
func (r *CredentialRepo) UpgradeKeyBlob(ctx context.Context, userID uuid.UUID, oldBlob, newBlob string) error {
	const q = `UPDATE wallet_credentials SET key_blob=$3, updated_at=$4 WHERE user_id=$1 AND key_blob=$2`
	return r.cas(ctx, q, userID, oldBlob, newBlob, r.now())
}

func (r *CredentialRepo) cas(ctx context.Context, q string, args ...any) error {
	tag, err := r.db.Pool.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrVersionConflict
	}
	return nil
}
