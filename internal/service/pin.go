// Package service contains the PIN gate, the relay dispatcher and the transaction service.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/walletrelay/internal/chain"
	pkgcrypto "github.com/and161185/walletrelay/internal/crypto"
	"github.com/and161185/walletrelay/internal/crypto/vault"
	"github.com/and161185/walletrelay/internal/errs"
	"github.com/and161185/walletrelay/internal/limiter"
	"github.com/and161185/walletrelay/internal/metrics"
	"github.com/and161185/walletrelay/internal/model"
	"github.com/and161185/walletrelay/internal/repository"
)

// PinLen is the only accepted PIN length.
const PinLen = 4

// PinGateway guards the wallet key behind the user's PIN.
type PinGateway interface {
	// SetPin creates the wallet identity under a first PIN and returns its address.
	SetPin(ctx context.Context, userID uuid.UUID, pin string) (string, error)
	// Verify checks pin against the stored record, honoring lockout.
	Verify(ctx context.Context, userID uuid.UUID, pin string) (VerifyResult, error)
	// ResetPin re-encrypts the key under newPin after verifying oldPin.
	ResetPin(ctx context.Context, userID uuid.UUID, oldPin, newPin string) error
	// Unlock verifies pin and returns the decrypted wallet key. The caller must Close it.
	Unlock(ctx context.Context, userID uuid.UUID, pin string) (*chain.Key, error)
	// Wallet returns the user's wallet address.
	Wallet(ctx context.Context, userID uuid.UUID) (string, error)
}

// VerifyResult reports a PIN check.
type VerifyResult struct {
	OK                bool
	RemainingAttempts int
}

// PinConfig holds optional PinGateway settings.
type PinConfig struct {
	MaxAttempts int // must match the lockout threshold; default 3
	Now         func() time.Time
	Metrics     *metrics.Metrics
	Log         *zap.Logger
}

type PinGatewayImpl struct {
	creds   repository.CredentialRepository
	lock    limiter.Lockout
	hasher  *pkgcrypto.Hasher
	vault   *vault.Vault
	max     int
	now     func() time.Time
	metrics *metrics.Metrics
	log     *zap.Logger
}

// NewPinGateway constructs PinGateway with required dependencies.
func NewPinGateway(
	creds repository.CredentialRepository, lock limiter.Lockout, hasher *pkgcrypto.Hasher, v *vault.Vault, cfg PinConfig,
) *PinGatewayImpl {
	g := &PinGatewayImpl{
		creds: creds, lock: lock, hasher: hasher, vault: v,
		max: cfg.MaxAttempts, now: cfg.Now, metrics: cfg.Metrics, log: cfg.Log,
	}
	if g.max <= 0 {
		g.max = limiter.DefaultMaxFails
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.log == nil {
		g.log = zap.NewNop()
	}
	return g
}

// ValidatePin accepts exactly four ASCII digits.
func ValidatePin(pin string) error {
	if len(pin) != PinLen {
		return errs.ErrInvalidPinFormat
	}
	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return errs.ErrInvalidPinFormat
		}
	}
	return nil
}

// SetPin generates the wallet key, encrypts it under pin and stores it with the PIN record.
func (g *PinGatewayImpl) SetPin(ctx context.Context, userID uuid.UUID, pin string) (string, error) {
	if err := ValidatePin(pin); err != nil {
		return "", err
	}
	if _, err := g.creds.Get(ctx, userID); err == nil {
		return "", errs.ErrAlreadyExists
	} else if !errors.Is(err, errs.ErrNotFound) {
		return "", err
	}

	key, keyText, err := chain.GenerateKey()
	if err != nil {
		return "", err
	}
	defer key.Close()
	defer vault.Zero(keyText)

	blob, err := g.vault.Encrypt(ctx, keyText, pin)
	if err != nil {
		return "", err
	}
	rec, err := g.hasher.Hash(ctx, pin)
	if err != nil {
		return "", err
	}
	c := &model.Credential{
		UserID:        userID,
		WalletAddress: key.Address(),
		KeyBlob:       blob,
		PinHash:       rec.String(),
	}
	if err := g.creds.Create(ctx, c); err != nil {
		return "", err
	}
	g.log.Info("wallet created", zap.String("user_id", userID.String()), zap.String("wallet", key.Address()))
	return key.Address(), nil
}

// Verify checks the PIN. A wrong PIN returns *errs.PinMismatchError, an active lock *errs.LockedError.
func (g *PinGatewayImpl) Verify(ctx context.Context, userID uuid.UUID, pin string) (VerifyResult, error) {
	if _, err := g.verify(ctx, userID, pin); err != nil {
		var mm *errs.PinMismatchError
		if errors.As(err, &mm) {
			return VerifyResult{RemainingAttempts: mm.Remaining}, err
		}
		return VerifyResult{}, err
	}
	return VerifyResult{OK: true, RemainingAttempts: g.max}, nil
}

// verify runs the full gate and returns the credential as stored after any format upgrade.
func (g *PinGatewayImpl) verify(ctx context.Context, userID uuid.UUID, pin string) (*model.Credential, error) {
	if err := ValidatePin(pin); err != nil {
		return nil, err
	}
	cred, err := g.creds.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			g.metrics.PinVerification(metrics.PinNoPin)
			return nil, errs.ErrNoPinSet
		}
		return nil, err
	}

	st, err := g.lock.State(ctx, userID)
	if err != nil {
		return nil, err
	}
	if st.Locked(g.now()) {
		g.metrics.PinVerification(metrics.PinLocked)
		return nil, &errs.LockedError{Until: *st.LockedUntil}
	}

	rec, err := pkgcrypto.ParsePinRecord(cred.PinHash)
	if err != nil {
		return nil, err
	}
	ok, err := g.hasher.Verify(ctx, pin, rec)
	if err != nil {
		return nil, err
	}

	if !ok {
		st, err := g.lock.Failure(ctx, userID)
		if err != nil {
			return nil, err
		}
		if st.Locked(g.now()) {
			g.metrics.PinVerification(metrics.PinLocked)
			g.log.Warn("account locked", zap.String("user_id", userID.String()), zap.Time("until", *st.LockedUntil))
			return nil, &errs.LockedError{Until: *st.LockedUntil}
		}
		g.metrics.PinVerification(metrics.PinMismatch)
		return nil, &errs.PinMismatchError{Remaining: max(g.max-st.FailedAttempts, 0)}
	}

	st, err = g.lock.Success(ctx, userID)
	if err != nil {
		return nil, err
	}
	if st.Locked(g.now()) {
		g.metrics.PinVerification(metrics.PinLocked)
		return nil, &errs.LockedError{Until: *st.LockedUntil}
	}
	g.metrics.PinVerification(metrics.PinOK)

	if rec.Format == pkgcrypto.FormatLegacy {
		g.upgradePin(ctx, cred, pin)
	}
	return cred, nil
}

// upgradePin re-issues a LEGACY PIN record in CURRENT format. Losing the race is harmless.
func (g *PinGatewayImpl) upgradePin(ctx context.Context, cred *model.Credential, pin string) {
	rec, err := g.hasher.Hash(ctx, pin)
	if err != nil {
		g.log.Warn("pin upgrade: hash", zap.Error(err))
		return
	}
	next := rec.String()
	if err := g.creds.UpgradePinHash(ctx, cred.UserID, cred.PinHash, next); err != nil {
		g.log.Info("pin upgrade skipped", zap.String("user_id", cred.UserID.String()), zap.Error(err))
		return
	}
	cred.PinHash = next
}

// Unlock verifies pin, decrypts the wallet key and upgrades a LEGACY blob.
func (g *PinGatewayImpl) Unlock(ctx context.Context, userID uuid.UUID, pin string) (*chain.Key, error) {
	cred, err := g.verify(ctx, userID, pin)
	if err != nil {
		return nil, err
	}
	keyText, err := g.vault.Decrypt(ctx, cred.KeyBlob, pin)
	if err != nil {
		return nil, g.mismatch(cred, err)
	}
	defer vault.Zero(keyText)

	key, err := g.openKey(cred, keyText)
	if err != nil {
		return nil, g.mismatch(cred, err)
	}
	if vault.IsLegacyFormat(cred.KeyBlob) {
		g.upgradeBlob(ctx, cred, keyText, pin)
	}
	return key, nil
}

func (g *PinGatewayImpl) openKey(cred *model.Credential, keyText []byte) (*chain.Key, error) {
	key, err := chain.ParseKey(keyText)
	if err != nil {
		return nil, err
	}
	if key.Address() != model.NormalizeAddress(cred.WalletAddress) {
		key.Close()
		return nil, fmt.Errorf("key does not match wallet: %w", errs.ErrInvalidPinOrCorruptData)
	}
	return key, nil
}

// mismatch makes a blob that fails under the verified PIN look exactly like a wrong PIN.
// The PIN check just succeeded, so the full attempt budget remains.
func (g *PinGatewayImpl) mismatch(cred *model.Credential, err error) error {
	if !errors.Is(err, errs.ErrInvalidPinOrCorruptData) {
		return err
	}
	g.log.Warn("key blob rejected under verified pin", zap.String("user_id", cred.UserID.String()))
	return &errs.PinMismatchError{Remaining: g.max}
}

// upgradeBlob re-encrypts a LEGACY blob in CURRENT format. Losing the race is harmless.
func (g *PinGatewayImpl) upgradeBlob(ctx context.Context, cred *model.Credential, keyText []byte, pin string) {
	blob, err := g.vault.Encrypt(ctx, keyText, pin)
	if err != nil {
		g.log.Warn("key upgrade: encrypt", zap.Error(err))
		return
	}
	if err := g.creds.UpgradeKeyBlob(ctx, cred.UserID, cred.KeyBlob, blob); err != nil {
		g.log.Info("key upgrade skipped", zap.String("user_id", cred.UserID.String()), zap.Error(err))
		return
	}
	cred.KeyBlob = blob
}

// ResetPin replaces PIN record and key blob together, or neither.
func (g *PinGatewayImpl) ResetPin(ctx context.Context, userID uuid.UUID, oldPin, newPin string) error {
	if err := ValidatePin(newPin); err != nil {
		return err
	}
	cred, err := g.verify(ctx, userID, oldPin)
	if err != nil {
		return err
	}
	keyText, err := g.vault.Decrypt(ctx, cred.KeyBlob, oldPin)
	if err != nil {
		return g.mismatch(cred, err)
	}
	defer vault.Zero(keyText)

	key, err := g.openKey(cred, keyText)
	if err != nil {
		return g.mismatch(cred, err)
	}
	key.Close()

	blob, err := g.vault.Encrypt(ctx, keyText, newPin)
	if err != nil {
		return err
	}
	rec, err := g.hasher.Hash(ctx, newPin)
	if err != nil {
		return err
	}
	if err := g.creds.ReplacePinAndKey(ctx, userID, cred.PinHash, cred.KeyBlob, rec.String(), blob); err != nil {
		return err
	}
	g.log.Info("pin reset", zap.String("user_id", userID.String()))
	return nil
}

// Wallet returns the wallet address bound to the user.
func (g *PinGatewayImpl) Wallet(ctx context.Context, userID uuid.UUID) (string, error) {
	cred, err := g.creds.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return "", errs.ErrNoPinSet
		}
		return "", err
	}
	return cred.WalletAddress, nil
}
