package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/lox/dilemmacell/internal/cell"
	"github.com/lox/dilemmacell/internal/store"
)

// settle runs after the completed cell has been saved. Both bindings are
// cleared before any payment is attempted. A payment that fails is not rolled
// back: it is recorded in the ledger for RetryOwed.
func (e *Engine) settle(ctx context.Context, id uint64, c *cell.Cell) error {
	p1, p2 := c.Totals()

	e.bindMu.Lock()
	err := e.stores.Bindings.Unbind(ctx, c.Player1)
	if err == nil {
		err = e.stores.Bindings.Unbind(ctx, c.Player2)
	}
	e.bindMu.Unlock()
	if err != nil {
		return fmt.Errorf("engine: clear bindings for cell %d: %w", id, err)
	}

	var ledgerErr error
	for _, p := range []struct {
		to     common.Address
		amount uint256.Int
	}{{c.Player1, p1}, {c.Player2, p2}} {
		if p.amount.IsZero() {
			continue
		}
		if err := e.pay(ctx, id, p.to, p.amount); err != nil && ledgerErr == nil {
			ledgerErr = err
		}
	}

	e.logger.Info("Settled cell", "cell", id, "payout1", p1.Dec(), "payout2", p2.Dec(), "rounds", len(c.Rounds))
	e.sink.Publish(CellComplete{ID: id, Payout1: p1, Payout2: p2, At: e.clock.Now()})
	return ledgerErr
}

// pay attempts one payment. It only returns an error when the failure could
// not be recorded as owed either.
func (e *Engine) pay(ctx context.Context, id uint64, to common.Address, amount uint256.Int) error {
	err := e.custody.Pay(ctx, to, &amount)
	if err == nil {
		return nil
	}
	e.logger.Warn("Settlement payment failed", "cell", id, "to", to.Hex(), "amount", amount.Dec(), "error", err)
	e.sink.Publish(PaymentFailed{ID: id, To: to, Amount: amount, Err: err, At: e.clock.Now()})

	if lerr := e.stores.Ledger.AddOwed(ctx, store.Owed{CellID: id, To: to, Amount: amount}); lerr != nil {
		return fmt.Errorf("engine: record owed payment for cell %d: %w", id, lerr)
	}
	return nil
}

// RetryOwed re-attempts every outstanding payment and clears the ones that
// go through. It reports how many were paid and how many remain.
func (e *Engine) RetryOwed(ctx context.Context) (paid, remaining int, err error) {
	owed, err := e.stores.Ledger.Owed(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("engine: list owed: %w", err)
	}
	for _, o := range owed {
		if err := ctx.Err(); err != nil {
			return paid, len(owed) - paid, err
		}
		if perr := e.custody.Pay(ctx, o.To, &o.Amount); perr != nil {
			e.logger.Debug("Owed payment still failing", "cell", o.CellID, "to", o.To.Hex(), "error", perr)
			continue
		}
		if err := e.stores.Ledger.ClearOwed(ctx, o.CellID, o.To); err != nil {
			return paid, len(owed) - paid, fmt.Errorf("engine: clear owed for cell %d: %w", o.CellID, err)
		}
		paid++
		e.logger.Info("Paid owed settlement", "cell", o.CellID, "to", o.To.Hex(), "amount", o.Amount.Dec())
	}
	return paid, len(owed) - paid, nil
}

// Owed lists settlement payments that have not gone through.
func (e *Engine) Owed(ctx context.Context) ([]store.Owed, error) {
	return e.stores.Ledger.Owed(ctx)
}

// RetryLoop calls RetryOwed every interval until ctx is done.
func (e *Engine) RetryLoop(ctx context.Context, every time.Duration) {
	ticker := e.clock.NewTicker(every, "engine", "retry")
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			paid, remaining, err := e.RetryOwed(ctx)
			if err != nil {
				e.logger.Error("Retrying owed payments", "error", err)
				continue
			}
			if paid > 0 || remaining > 0 {
				e.logger.Info("Retried owed payments", "paid", paid, "remaining", remaining)
			}
		}
	}
}
