package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/and161185/walletrelay/internal/errs"
	"github.com/and161185/walletrelay/internal/model"
)

const erc20JSON = `[
 {"type":"function","name":"transfer","stateMutability":"nonpayable",
  "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
  "outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"approve","stateMutability":"nonpayable",
  "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
  "outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"transferFrom","stateMutability":"nonpayable",
  "inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
  "outputs":[{"name":"","type":"bool"}]}
]`

var erc20 = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(erc20JSON))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// CallData ABI-encodes the ERC-20 call described by typ and p.
func CallData(typ model.OpType, p model.OpPayload) ([]byte, error) {
	to, err := address("to", p.To)
	if err != nil {
		return nil, err
	}
	amount, err := ParseAmount(p.Amount)
	if err != nil {
		return nil, err
	}
	switch typ {
	case model.OpTransfer:
		return erc20.Pack("transfer", to, amount)
	case model.OpApprove:
		return erc20.Pack("approve", to, amount)
	case model.OpTransferFrom:
		owner, err := address("owner", p.Owner)
		if err != nil {
			return nil, err
		}
		return erc20.Pack("transferFrom", owner, to, amount)
	default:
		return nil, fmt.Errorf("operation %q: %w", typ, errs.ErrValidation)
	}
}

// ParseAmount parses a positive base-unit decimal that fits uint256.
func ParseAmount(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || n.Sign() <= 0 || n.BitLen() > 256 {
		return nil, fmt.Errorf("amount %q: %w", s, errs.ErrValidation)
	}
	return n, nil
}

// IsAddress reports whether s is a 0x-prefixed 20-byte hex address.
func IsAddress(s string) bool {
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}

func address(field, s string) (common.Address, error) {
	if !IsAddress(s) {
		return common.Address{}, fmt.Errorf("%s address %q: %w", field, s, errs.ErrValidation)
	}
	return common.HexToAddress(s), nil
}
