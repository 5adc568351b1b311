// Package chain holds wallet keys and builds signed ERC-20 relay calls.
package chain

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/and161185/walletrelay/internal/errs"
)

// Key is an unlocked wallet key. Close it as soon as it is no longer needed.
type Key struct {
	priv *ecdsa.PrivateKey
	addr string
}

// GenerateKey creates a fresh secp256k1 key and returns it with its hex key text.
// The caller must zero keyText after encrypting it.
func GenerateKey() (*Key, []byte, error) {
	priv, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, nil, err
	}
	raw := ethcrypto.FromECDSA(priv)
	text := make([]byte, hex.EncodedLen(len(raw)))
	hex.Encode(text, raw)
	zero(raw)
	return newKey(priv), text, nil
}

// ParseKey loads a key from its hex text, with or without a 0x prefix.
func ParseKey(keyText []byte) (*Key, error) {
	s := strings.TrimPrefix(strings.TrimSpace(string(keyText)), "0x")
	priv, err := ethcrypto.HexToECDSA(s)
	if err != nil {
		return nil, fmt.Errorf("parse key: %w", errs.ErrInvalidPinOrCorruptData)
	}
	return newKey(priv), nil
}

func newKey(priv *ecdsa.PrivateKey) *Key {
	return &Key{priv: priv, addr: strings.ToLower(ethcrypto.PubkeyToAddress(priv.PublicKey).Hex())}
}

// Address is the lowercase 0x wallet address.
func (k *Key) Address() string { return k.addr }

// Sign signs a 32-byte digest with the wallet key.
func (k *Key) Sign(digest []byte) ([]byte, error) {
	if k.priv == nil {
		return nil, fmt.Errorf("sign with closed key")
	}
	return ethcrypto.Sign(digest, k.priv)
}

// Close wipes the private scalar. The key is unusable afterwards.
func (k *Key) Close() {
	if k == nil || k.priv == nil {
		return
	}
	words := k.priv.D.Bits()
	for i := range words {
		words[i] = 0
	}
	k.priv.D.SetInt64(0)
	k.priv = nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
