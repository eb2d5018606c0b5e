package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/lox/dilemmacell/internal/cell"
	"github.com/lox/dilemmacell/internal/codec"
	"github.com/lox/dilemmacell/internal/pairing"
	"github.com/lox/dilemmacell/internal/store"
)

// Initialize records the owner and minimum stake. Later calls are no-ops.
func (e *Engine) Initialize(ctx context.Context, owner common.Address, minStake uint256.Int) error {
	e.metaMu.Lock()
	defer e.metaMu.Unlock()

	settings, err := e.stores.Meta.LoadSettings(ctx)
	if err != nil {
		return fmt.Errorf("engine: load settings: %w", err)
	}
	if settings.Initialized {
		e.logger.Debug("Already initialized", "owner", settings.Owner.Hex())
		return nil
	}
	settings = store.Settings{Owner: owner, MinStake: minStake, Initialized: true}
	if err := e.stores.Meta.SaveSettings(ctx, settings); err != nil {
		return fmt.Errorf("engine: save settings: %w", err)
	}
	e.logger.Info("Initialized", "owner", owner.Hex(), "minStake", minStake.Dec())
	return nil
}

// CreateCell opens a cell for creator with valueSent as the stake and takes
// the stake into custody.
func (e *Engine) CreateCell(ctx context.Context, creator common.Address, valueSent uint256.Int, entropy uint64) (uint64, error) {
	settings, err := e.stores.Meta.LoadSettings(ctx)
	if err != nil {
		return 0, fmt.Errorf("engine: load settings: %w", err)
	}
	if !settings.Initialized {
		return 0, cell.ErrNotInitialized
	}
	if creator == (common.Address{}) {
		return 0, cell.ErrInvalidIdentity
	}
	if err := cell.CheckStake(&valueSent, &settings.MinStake); err != nil {
		return 0, err
	}

	e.bindMu.Lock()
	defer e.bindMu.Unlock()

	bound, err := e.stores.Bindings.BoundCell(ctx, creator)
	if err != nil {
		return 0, fmt.Errorf("engine: load binding: %w", err)
	}
	if bound != 0 {
		return 0, cell.ErrAlreadyInCell
	}

	id, err := e.stores.Cells.NextCellID(ctx)
	if err != nil {
		return 0, fmt.Errorf("engine: allocate cell id: %w", err)
	}
	c := cell.New(creator, valueSent, entropy)
	if err := e.saveCell(ctx, id, &c); err != nil {
		return 0, err
	}
	if err := e.stores.Bindings.Bind(ctx, creator, id); err != nil {
		return 0, fmt.Errorf("engine: bind %s: %w", creator.Hex(), err)
	}
	e.custody.Deposit(creator, &valueSent)

	e.logger.Debug("Created cell", "cell", id, "player1", creator.Hex(), "rounds", c.TotalRounds)
	e.sink.Publish(CellCreated{ID: id, Player1: creator, Stake: valueSent, TotalRounds: c.TotalRounds, At: e.clock.Now()})
	return id, nil
}

// JoinCell seats joiner as the second participant and opens round 1.
func (e *Engine) JoinCell(ctx context.Context, id uint64, joiner common.Address, valueSent uint256.Int) error {
	if joiner == (common.Address{}) {
		return cell.ErrInvalidIdentity
	}

	mu := e.cellLock(id)
	mu.Lock()
	defer mu.Unlock()
	e.bindMu.Lock()
	defer e.bindMu.Unlock()

	bound, err := e.stores.Bindings.BoundCell(ctx, joiner)
	if err != nil {
		return fmt.Errorf("engine: load binding: %w", err)
	}
	if bound != 0 {
		return cell.ErrAlreadyInCell
	}

	c, err := e.loadExisting(ctx, id)
	if err != nil {
		return err
	}
	before := c.Clone()
	if err := c.Join(joiner, valueSent); err != nil {
		return err
	}
	if err := e.saveCell(ctx, id, &c); err != nil {
		return err
	}
	if err := e.stores.Bindings.Bind(ctx, joiner, id); err != nil {
		e.restoreCell(ctx, id, &before)
		return fmt.Errorf("engine: bind %s: %w", joiner.Hex(), err)
	}
	if err := e.stores.Pairs.SetPairCell(ctx, pairing.Key(c.Player1, joiner), id); err != nil {
		if uerr := e.stores.Bindings.Unbind(ctx, joiner); uerr != nil {
			e.logger.Error("Failed to unbind after join error", "cell", id, "player2", joiner.Hex(), "error", uerr)
		}
		e.restoreCell(ctx, id, &before)
		return fmt.Errorf("engine: record pair: %w", err)
	}
	e.custody.Deposit(joiner, &valueSent)

	e.logger.Debug("Joined cell", "cell", id, "player2", joiner.Hex())
	e.sink.Publish(PlayerJoined{ID: id, Player2: joiner, At: e.clock.Now()})
	return nil
}

// SubmitMove records caller's move. Any non-zero moveByte defects. When the
// move completes the final round the cell settles before SubmitMove returns.
func (e *Engine) SubmitMove(ctx context.Context, id uint64, caller common.Address, moveByte byte) (cell.Outcome, error) {
	mu := e.cellLock(id)
	mu.Lock()
	defer mu.Unlock()

	c, err := e.loadExisting(ctx, id)
	if err != nil {
		return cell.Outcome{}, err
	}
	out, err := c.SubmitMove(caller, cell.MoveFromByte(moveByte))
	if err != nil {
		return cell.Outcome{}, err
	}
	if err := e.saveCell(ctx, id, &c); err != nil {
		return cell.Outcome{}, err
	}

	if out.Resolved != 0 {
		r := c.Rounds[out.Resolved-1]
		e.sink.Publish(RoundComplete{
			ID:            id,
			Round:         out.Resolved,
			Player1Move:   r.Player1Move.Move.String(),
			Player2Move:   r.Player2Move.Move.String(),
			Player1Payout: r.Player1Payout,
			Player2Payout: r.Player2Payout,
			At:            e.clock.Now(),
		})
	}
	if out.Completed {
		if err := e.settle(ctx, id, &c); err != nil {
			return out, err
		}
	}
	return out, nil
}

// SubmitContinuationDecision records caller's vote on whether to play another
// round. The second vote resolves it: both continue opens the next round,
// otherwise the cell settles.
func (e *Engine) SubmitContinuationDecision(ctx context.Context, id uint64, caller common.Address, wantsContinue bool) (cell.Outcome, error) {
	mu := e.cellLock(id)
	mu.Lock()
	defer mu.Unlock()

	c, err := e.loadExisting(ctx, id)
	if err != nil {
		return cell.Outcome{}, err
	}
	out, err := c.SubmitDecision(caller, wantsContinue)
	if err != nil {
		return cell.Outcome{}, err
	}
	if err := e.saveCell(ctx, id, &c); err != nil {
		return cell.Outcome{}, err
	}

	if out.Opened != 0 {
		e.sink.Publish(RoundOpened{ID: id, Round: out.Opened, At: e.clock.Now()})
	}
	if out.Completed {
		if err := e.settle(ctx, id, &c); err != nil {
			return out, err
		}
	}
	return out, nil
}

// load returns the zero Cell for an id that was never saved.
func (e *Engine) load(ctx context.Context, id uint64) (cell.Cell, error) {
	rec, err := e.stores.Cells.LoadCell(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return cell.Cell{}, nil
	}
	if err != nil {
		return cell.Cell{}, fmt.Errorf("engine: load cell %d: %w", id, err)
	}
	return codec.Decode(rec), nil
}

func (e *Engine) loadExisting(ctx context.Context, id uint64) (cell.Cell, error) {
	c, err := e.load(ctx, id)
	if err != nil {
		return c, err
	}
	if !c.Exists() {
		return c, cell.ErrCellNotFound
	}
	return c, nil
}

// restoreCell writes back a record saved before a later store write failed.
func (e *Engine) restoreCell(ctx context.Context, id uint64, c *cell.Cell) {
	if err := e.saveCell(ctx, id, c); err != nil {
		e.logger.Error("Failed to restore cell", "cell", id, "error", err)
	}
}

func (e *Engine) saveCell(ctx context.Context, id uint64, c *cell.Cell) error {
	if err := e.stores.Cells.SaveCell(ctx, id, codec.Encode(*c)); err != nil {
		return fmt.Errorf("engine: save cell %d: %w", id, err)
	}
	return nil
}
