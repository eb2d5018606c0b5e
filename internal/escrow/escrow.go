// Package escrow holds participant stakes until a cell settles.
package escrow

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ErrInsufficientFunds is returned by Pay when the vault balance cannot cover
// the amount.
var ErrInsufficientFunds = errors.New("escrow: insufficient funds")

// Payer moves value out of custody to a recipient.
type Payer interface {
	Pay(ctx context.Context, to common.Address, amount *uint256.Int) error
}

// Vault is an in-process custodian. Stakes are deposited when a participant
// creates or joins a cell and paid out at settlement. Payouts can exceed any
// one cell's stakes, so a vault that was never topped up can run dry.
type Vault struct {
	mu       sync.Mutex
	balance  uint256.Int
	deposits map[common.Address]*uint256.Int
	credited map[common.Address]*uint256.Int
}

var _ Payer = (*Vault)(nil)

// NewVault returns an empty vault.
func NewVault() *Vault {
	return &Vault{
		deposits: make(map[common.Address]*uint256.Int),
		credited: make(map[common.Address]*uint256.Int),
	}
}

// Deposit adds amount to the vault on behalf of from. The zero address is
// allowed so operators can fund the vault directly.
func (v *Vault) Deposit(from common.Address, amount *uint256.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balance.Add(&v.balance, amount)
	add(v.deposits, from, amount)
}

// Pay debits the vault and credits to.
func (v *Vault) Pay(ctx context.Context, to common.Address, amount *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.balance.Lt(amount) {
		return ErrInsufficientFunds
	}
	v.balance.Sub(&v.balance, amount)
	add(v.credited, to, amount)
	return nil
}

// Balance reports what the vault currently holds.
func (v *Vault) Balance() uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balance
}

// Deposited reports the running total deposited by addr.
func (v *Vault) Deposited(addr common.Address) uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return get(v.deposits, addr)
}

// Credited reports the running total paid to addr.
func (v *Vault) Credited(addr common.Address) uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return get(v.credited, addr)
}

func add(m map[common.Address]*uint256.Int, addr common.Address, amount *uint256.Int) {
	cur, ok := m[addr]
	if !ok {
		cur = new(uint256.Int)
		m[addr] = cur
	}
	cur.Add(cur, amount)
}

func get(m map[common.Address]*uint256.Int, addr common.Address) uint256.Int {
	if cur, ok := m[addr]; ok {
		return *cur
	}
	return uint256.Int{}
}

// Depositor takes value into custody.
type Depositor interface {
	Deposit(from common.Address, amount *uint256.Int)
}

// Custodian both takes and releases value.
type Custodian interface {
	Depositor
	Payer
}

var _ Custodian = (*Vault)(nil)
