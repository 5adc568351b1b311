// Package crypto implements PIN hashing, verification and the KDF worker pool.
package crypto

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/and161185/walletrelay/internal/errs"
)

// PBKDF2 parameters shared with the key vault. Stored records do not carry the
// cost, so KDFIterations is fixed for every record ever written.
const (
	KDFIterations = 600_000
	KDFKeyLen     = 32
	SaltLen       = 16
)

// Format tells CURRENT (salted, slow KDF) records from LEGACY (bare SHA-256) ones.
type Format int

const (
	FormatCurrent Format = iota
	FormatLegacy
)

func (f Format) String() string {
	if f == FormatLegacy {
		return "legacy"
	}
	return "current"
}

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// DeriveKey runs PBKDF2-HMAC-SHA256 over secret and salt.
func DeriveKey(secret, salt []byte, iterations int) []byte {
	return pbkdf2.Key(secret, salt, iterations, KDFKeyLen, sha256.New)
}

// LegacyKey is the unsalted single-hash derivation used by pre-migration records.
func LegacyKey(secret []byte) []byte {
	sum := sha256.Sum256(secret)
	return sum[:]
}

// PinRecord is a decoded stored PIN credential.
type PinRecord struct {
	Format Format
	Salt   []byte // nil for LEGACY
	Hash   []byte
}

// String encodes the record as hex(salt):hex(hash) or hex(hash).
func (r PinRecord) String() string {
	if r.Format == FormatLegacy {
		return hex.EncodeToString(r.Hash)
	}
	return hex.EncodeToString(r.Salt) + ":" + hex.EncodeToString(r.Hash)
}

// ParsePinRecord decodes a stored PIN record. Two segments is CURRENT, one is LEGACY.
func ParsePinRecord(s string) (PinRecord, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	switch len(parts) {
	case 2:
		salt, err := hex.DecodeString(parts[0])
		if err != nil || len(salt) == 0 {
			return PinRecord{}, fmt.Errorf("pin record salt: %w", errs.ErrInvalidKeyFormat)
		}
		hash, err := hex.DecodeString(parts[1])
		if err != nil || len(hash) != KDFKeyLen {
			return PinRecord{}, fmt.Errorf("pin record hash: %w", errs.ErrInvalidKeyFormat)
		}
		return PinRecord{Format: FormatCurrent, Salt: salt, Hash: hash}, nil
	case 1:
		hash, err := hex.DecodeString(parts[0])
		if err != nil || len(hash) != sha256.Size {
			return PinRecord{}, fmt.Errorf("legacy pin record: %w", errs.ErrInvalidKeyFormat)
		}
		return PinRecord{Format: FormatLegacy, Hash: hash}, nil
	default:
		return PinRecord{}, fmt.Errorf("pin record has %d segments: %w", len(parts), errs.ErrInvalidKeyFormat)
	}
}

// Hasher derives and checks PIN records through the KDF pool.
type Hasher struct {
	pool       *Pool
	iterations int
}

// NewHasher constructs a Hasher. A nil pool runs derivations inline.
func NewHasher(pool *Pool) *Hasher {
	return &Hasher{pool: pool, iterations: KDFIterations}
}

// NewHasherWithIterations overrides the PBKDF2 cost. Records written with a
// different cost cannot be verified by a Hasher using KDFIterations; tests only.
func NewHasherWithIterations(pool *Pool, iterations int) *Hasher {
	return &Hasher{pool: pool, iterations: iterations}
}

// Hash returns a fresh CURRENT record for pin.
func (h *Hasher) Hash(ctx context.Context, pin string) (PinRecord, error) {
	salt, err := RandBytes(SaltLen)
	if err != nil {
		return PinRecord{}, err
	}
	var sum []byte
	if err := h.pool.Do(ctx, func() { sum = DeriveKey([]byte(pin), salt, h.iterations) }); err != nil {
		return PinRecord{}, err
	}
	return PinRecord{Format: FormatCurrent, Salt: salt, Hash: sum}, nil
}

// Verify compares pin against rec in constant time, whatever the format.
func (h *Hasher) Verify(ctx context.Context, pin string, rec PinRecord) (bool, error) {
	var got []byte
	switch rec.Format {
	case FormatLegacy:
		got = LegacyKey([]byte(pin))
	default:
		if err := h.pool.Do(ctx, func() { got = DeriveKey([]byte(pin), rec.Salt, h.iterations) }); err != nil {
			return false, err
		}
	}
	return subtle.ConstantTimeCompare(got, rec.Hash) == 1, nil
}
