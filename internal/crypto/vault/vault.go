// Package vault encrypts wallet private keys under a PIN-derived key.
//
// Two stored shapes exist. CURRENT is hex(salt):hex(iv):hex(ciphertext) with a
// PBKDF2-derived AES-256 key; LEGACY is hex(iv):hex(ciphertext) keyed by a bare
// SHA-256 of the PIN. LEGACY blobs are only ever read; every write is CURRENT.
package vault

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	pkgcrypto "github.com/and161185/walletrelay/internal/crypto"
	"github.com/and161185/walletrelay/internal/errs"
)

// IVLen is the AES-CBC IV size.
const IVLen = aes.BlockSize

// Format aliases the record format shared with PIN records.
type Format = pkgcrypto.Format

// Blob is a decoded EncryptedKeyBlob.
type Blob struct {
	Format     Format
	Salt       []byte // nil for LEGACY
	IV         []byte
	Ciphertext []byte
}

// String encodes the blob in its stored form.
func (b Blob) String() string {
	iv := hex.EncodeToString(b.IV)
	ct := hex.EncodeToString(b.Ciphertext)
	if b.Format == pkgcrypto.FormatLegacy {
		return iv + ":" + ct
	}
	return hex.EncodeToString(b.Salt) + ":" + iv + ":" + ct
}

// ParseBlob decodes a stored blob. The format is decided by segment count alone.
func ParseBlob(s string) (Blob, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	var b Blob
	switch len(parts) {
	case 3:
		b.Format = pkgcrypto.FormatCurrent
		salt, err := hex.DecodeString(parts[0])
		if err != nil || len(salt) == 0 {
			return Blob{}, fmt.Errorf("blob salt: %w", errs.ErrInvalidKeyFormat)
		}
		b.Salt = salt
		parts = parts[1:]
	case 2:
		b.Format = pkgcrypto.FormatLegacy
	default:
		return Blob{}, fmt.Errorf("blob has %d segments: %w", len(parts), errs.ErrInvalidKeyFormat)
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != IVLen {
		return Blob{}, fmt.Errorf("blob iv: %w", errs.ErrInvalidKeyFormat)
	}
	ct, err := hex.DecodeString(parts[1])
	if err != nil || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return Blob{}, fmt.Errorf("blob ciphertext: %w", errs.ErrInvalidKeyFormat)
	}
	b.IV, b.Ciphertext = iv, ct
	return b, nil
}

// IsLegacyFormat reports whether s has the two-segment LEGACY shape.
func IsLegacyFormat(s string) bool {
	return len(strings.Split(strings.TrimSpace(s), ":")) == 2
}

// Vault encrypts and decrypts key text.
type Vault struct {
	pool       *pkgcrypto.Pool
	iterations int
}

// New constructs a Vault using the fixed production KDF cost.
func New(pool *pkgcrypto.Pool) *Vault {
	return &Vault{pool: pool, iterations: pkgcrypto.KDFIterations}
}

// NewWithIterations overrides the PBKDF2 cost. Blobs written this way are not
// readable by a production Vault; tests only.
func NewWithIterations(pool *pkgcrypto.Pool, iterations int) *Vault {
	return &Vault{pool: pool, iterations: iterations}
}

var errKeyText = errors.New("vault: key text must be printable ASCII")

// Encrypt seals keyText under pin and returns the CURRENT blob string.
func (v *Vault) Encrypt(ctx context.Context, keyText []byte, pin string) (string, error) {
	if len(keyText) == 0 || !isKeyText(keyText) {
		return "", errKeyText
	}
	salt, err := pkgcrypto.RandBytes(pkgcrypto.SaltLen)
	if err != nil {
		return "", err
	}
	iv, err := pkgcrypto.RandBytes(IVLen)
	if err != nil {
		return "", err
	}

	var key []byte
	if err := v.pool.Do(ctx, func() { key = pkgcrypto.DeriveKey([]byte(pin), salt, v.iterations) }); err != nil {
		return "", err
	}
	defer zeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	padded := pad(keyText)
	defer zeroBytes(padded)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	return Blob{Format: pkgcrypto.FormatCurrent, Salt: salt, IV: iv, Ciphertext: ct}.String(), nil
}

// Decrypt opens blob with pin. The caller owns the returned slice and must zero it.
func (v *Vault) Decrypt(ctx context.Context, blob string, pin string) ([]byte, error) {
	b, err := ParseBlob(blob)
	if err != nil {
		return nil, err
	}
	return v.Open(ctx, b, pin)
}

// Open decrypts an already decoded blob.
func (v *Vault) Open(ctx context.Context, b Blob, pin string) ([]byte, error) {
	var key []byte
	switch b.Format {
	case pkgcrypto.FormatLegacy:
		key = pkgcrypto.LegacyKey([]byte(pin))
	default:
		if err := v.pool.Do(ctx, func() { key = pkgcrypto.DeriveKey([]byte(pin), b.Salt, v.iterations) }); err != nil {
			return nil, err
		}
	}
	defer zeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, len(b.Ciphertext))
	cipher.NewCBCDecrypter(block, b.IV).CryptBlocks(buf, b.Ciphertext)

	plain, ok := unpad(buf)
	if !ok || len(plain) == 0 || !isKeyText(plain) {
		zeroBytes(buf)
		return nil, errs.ErrInvalidPinOrCorruptData
	}
	out := append([]byte(nil), plain...)
	zeroBytes(buf)
	return out, nil
}

func pad(src []byte) []byte {
	n := aes.BlockSize - len(src)%aes.BlockSize
	out := make([]byte, len(src)+n)
	copy(out, src)
	copy(out[len(src):], bytes.Repeat([]byte{byte(n)}, n))
	return out
}

func unpad(src []byte) ([]byte, bool) {
	if len(src) == 0 || len(src)%aes.BlockSize != 0 {
		return nil, false
	}
	n := int(src[len(src)-1])
	if n == 0 || n > aes.BlockSize || n > len(src) {
		return nil, false
	}
	for _, c := range src[len(src)-n:] {
		if int(c) != n {
			return nil, false
		}
	}
	return src[:len(src)-n], true
}

func isKeyText(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}

// zeroBytes wipes b in place.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Zero wipes a decrypted key text.
func Zero(b []byte) { zeroBytes(b) }
