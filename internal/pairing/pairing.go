// Package pairing derives an order-independent key for two participants.
package pairing

import (
	"bytes"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Key returns keccak256(min(a, b) || max(a, b)), so Key(a, b) == Key(b, a).
func Key(a, b common.Address) common.Hash {
	lo, hi := a, b
	if bytes.Compare(lo[:], hi[:]) > 0 {
		lo, hi = hi, lo
	}
	return crypto.Keccak256Hash(lo[:], hi[:])
}
