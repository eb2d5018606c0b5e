package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/lox/dilemmacell/internal/cell"
	"github.com/lox/dilemmacell/internal/pairing"
	"github.com/lox/dilemmacell/internal/store"
)

// Queries never take the cell lock. A never-created id reads as zero values.

// Cell returns the header fields of cell id.
func (e *Engine) Cell(ctx context.Context, id uint64) (cell.Summary, error) {
	c, err := e.load(ctx, id)
	return c.Summary(), err
}

// RoundCount returns how many rounds cell id has opened.
func (e *Engine) RoundCount(ctx context.Context, id uint64) (int, error) {
	c, err := e.load(ctx, id)
	return len(c.Rounds), err
}

// RoundResult returns round n (1-based) of cell id. Unknown and unfinished
// rounds read as zero.
func (e *Engine) RoundResult(ctx context.Context, id uint64, n uint8) (cell.RoundResult, error) {
	c, err := e.load(ctx, id)
	return c.Result(n), err
}

// ContinuationStatus returns the pending continuation vote of cell id.
func (e *Engine) ContinuationStatus(ctx context.Context, id uint64) (cell.VoteStatus, error) {
	c, err := e.load(ctx, id)
	return c.VoteStatus(), err
}

// Record returns the raw persisted record of cell id, or nil.
func (e *Engine) Record(ctx context.Context, id uint64) ([]byte, error) {
	rec, err := e.stores.Cells.LoadCell(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

// PlayerCell returns the open cell addr is bound to, or 0.
func (e *Engine) PlayerCell(ctx context.Context, addr common.Address) (uint64, error) {
	return e.stores.Bindings.BoundCell(ctx, addr)
}

// PlayersCell returns the most recent cell a and b played in together, in
// either seat order, or 0.
func (e *Engine) PlayersCell(ctx context.Context, a, b common.Address) (uint64, error) {
	return e.stores.Pairs.PairCell(ctx, pairing.Key(a, b))
}

// MinStake returns the configured minimum stake.
func (e *Engine) MinStake(ctx context.Context) (uint256.Int, error) {
	s, err := e.stores.Meta.LoadSettings(ctx)
	return s.MinStake, err
}

// Owner returns the identity that initialized the engine.
func (e *Engine) Owner(ctx context.Context) (common.Address, error) {
	s, err := e.stores.Meta.LoadSettings(ctx)
	return s.Owner, err
}

// CellCount returns the number of cells ever created.
func (e *Engine) CellCount(ctx context.Context) (uint64, error) {
	n, err := e.stores.Cells.CellCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("engine: cell count: %w", err)
	}
	return n, nil
}
