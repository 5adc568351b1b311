package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/and161185/walletrelay/internal/crypto"
	"github.com/and161185/walletrelay/internal/errs"
	"github.com/and161185/walletrelay/internal/model"
	"github.com/and161185/walletrelay/internal/relay"
)

// NonceLen is the size of an authorization nonce in bytes.
const NonceLen = 32

// Authorize validates req, fills in the default token and signs the resulting payload.
// The signature binds chain, token, calldata and a fresh nonce, so a stored payload
// can be relayed later without the key.
func Authorize(key *Key, chainID uint64, defaultToken string, req model.OpRequest) (model.OpPayload, error) {
	if !req.Type.Valid() {
		return model.OpPayload{}, fmt.Errorf("operation %q: %w", req.Type, errs.ErrValidation)
	}
	token := req.Token
	if token == "" {
		token = defaultToken
	}
	p := model.OpPayload{
		Token:  model.NormalizeAddress(token),
		To:     model.NormalizeAddress(req.To),
		Amount: strings.TrimSpace(req.Amount),
	}
	if req.Type == model.OpTransferFrom {
		p.Owner = model.NormalizeAddress(req.Owner)
	} else if req.Owner != "" {
		return model.OpPayload{}, fmt.Errorf("owner is only valid for transferFrom: %w", errs.ErrValidation)
	}
	if _, err := address("token", p.Token); err != nil {
		return model.OpPayload{}, err
	}

	nonce, err := crypto.RandBytes(NonceLen)
	if err != nil {
		return model.OpPayload{}, err
	}
	p.Nonce = hexutil.Encode(nonce)

	digest, err := Digest(chainID, req.Type, p)
	if err != nil {
		return model.OpPayload{}, err
	}
	sig, err := key.Sign(digest)
	if err != nil {
		return model.OpPayload{}, err
	}
	p.Signature = hexutil.Encode(sig)
	return p, nil
}

// Digest is the EIP-191 text hash of keccak256(chainID ‖ token ‖ calldata ‖ nonce).
func Digest(chainID uint64, typ model.OpType, p model.OpPayload) ([]byte, error) {
	data, err := CallData(typ, p)
	if err != nil {
		return nil, err
	}
	token, err := address("token", p.Token)
	if err != nil {
		return nil, err
	}
	nonce, err := hexutil.Decode(p.Nonce)
	if err != nil || len(nonce) != NonceLen {
		return nil, fmt.Errorf("nonce: %w", errs.ErrValidation)
	}
	inner := ethcrypto.Keccak256(
		math.U256Bytes(new(big.Int).SetUint64(chainID)),
		token.Bytes(),
		data,
		nonce,
	)
	return accounts.TextHash(inner), nil
}

// RecoverSigner returns the lowercase address that signed p.
func RecoverSigner(chainID uint64, typ model.OpType, p model.OpPayload) (string, error) {
	digest, err := Digest(chainID, typ, p)
	if err != nil {
		return "", err
	}
	sig, err := hexutil.Decode(p.Signature)
	if err != nil || len(sig) != ethcrypto.SignatureLength {
		return "", fmt.Errorf("signature: %w", errs.ErrValidation)
	}
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return "", fmt.Errorf("recover signer: %w", errs.ErrValidation)
	}
	return strings.ToLower(ethcrypto.PubkeyToAddress(*pub).Hex()), nil
}

// RelayRequest builds the sponsored call for an authorized payload.
func RelayRequest(chainID uint64, wallet string, typ model.OpType, p model.OpPayload) (relay.Request, error) {
	data, err := CallData(typ, p)
	if err != nil {
		return relay.Request{}, err
	}
	return relay.Request{
		ChainID:   chainID,
		Target:    common.HexToAddress(p.Token).Hex(),
		Data:      hexutil.Encode(data),
		User:      common.HexToAddress(wallet).Hex(),
		Nonce:     p.Nonce,
		Signature: p.Signature,
	}, nil
}
