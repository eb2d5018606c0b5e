package protocol

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrBadAddress = errors.New("protocol: malformed address")
	ErrBadAmount  = errors.New("protocol: malformed amount")
)

// ParseAddress accepts 0x-prefixed or bare 40-digit hex.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrBadAddress, s)
	}
	return common.HexToAddress(s), nil
}

// FormatAddress renders addr in checksummed hex.
func FormatAddress(addr common.Address) string {
	return addr.Hex()
}

// ParseAmount parses a non-negative decimal amount.
func ParseAmount(s string) (uint256.Int, error) {
	if s == "" {
		return uint256.Int{}, fmt.Errorf("%w: empty", ErrBadAmount)
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("%w: %q", ErrBadAmount, s)
	}
	return *v, nil
}

// FormatAmount renders v in decimal.
func FormatAmount(v uint256.Int) string {
	return v.Dec()
}
