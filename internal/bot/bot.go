package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/lox/dilemmacell/internal/cell"
	"github.com/lox/dilemmacell/internal/client"
	"github.com/lox/dilemmacell/internal/protocol"
)

// Conn is the part of client.Client a bot uses.
type Conn interface {
	Address() common.Address
	Events() <-chan protocol.Event
	Subscribe(ctx context.Context, id uint64) error
	Cell(ctx context.Context, id uint64) (protocol.CellView, error)
	Round(ctx context.Context, id uint64, n uint8) (protocol.RoundView, error)
	SubmitMove(ctx context.Context, id uint64, move cell.Move) (protocol.Outcome, error)
	SubmitDecision(ctx context.Context, id uint64, wantsContinue bool) (protocol.Outcome, error)
}

var _ Conn = (*client.Client)(nil)

// Result summarises a finished cell from the bot's seat.
type Result struct {
	CellID  uint64
	History History
	Payout  uint256.Int
}

// Bot plays one cell at a time with a Strategy.
type Bot struct {
	conn     Conn
	strategy Strategy
	logger   *log.Logger
	clock    quartz.Clock
	poll     time.Duration
}

// Option configures a Bot.
type Option func(*Bot)

// WithLogger sets the bot logger.
func WithLogger(logger *log.Logger) Option {
	return func(b *Bot) {
		b.logger = logger.WithPrefix("bot")
	}
}

// WithClock sets the clock driving the fallback poll.
func WithClock(clock quartz.Clock) Option {
	return func(b *Bot) {
		b.clock = clock
	}
}

// WithPoll sets how long the bot waits for an event before re-reading the
// cell. Events can be dropped when the client falls behind.
func WithPoll(d time.Duration) Option {
	return func(b *Bot) {
		b.poll = d
	}
}

// New returns a bot acting through conn.
func New(conn Conn, strategy Strategy, opts ...Option) *Bot {
	b := &Bot{
		conn:     conn,
		strategy: strategy,
		logger:   log.NewWithOptions(io.Discard, log.Options{}),
		clock:    quartz.NewReal(),
		poll:     2 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Play drives cell id until it completes. The bot must already be seated
// in it.
func (b *Bot) Play(ctx context.Context, id uint64) (*Result, error) {
	if err := b.conn.Subscribe(ctx, id); err != nil {
		return nil, err
	}
	g := &game{bot: b, id: id, res: &Result{CellID: id}}
	for {
		done, err := g.step(ctx)
		if err != nil {
			return g.res, err
		}
		if done {
			b.logger.Info("Cell finished", "cell", id, "strategy", b.strategy.Name(),
				"rounds", len(g.res.History), "payout", g.res.Payout.Dec())
			return g.res, nil
		}
	}
}

type game struct {
	bot      *Bot
	id       uint64
	res      *Result
	seat     int
	recorded uint8
	voted    uint8
}

// step makes at most one move or vote. It reports true once the cell is
// complete.
func (g *game) step(ctx context.Context) (bool, error) {
	b := g.bot
	view, err := b.conn.Cell(ctx, g.id)
	if err != nil {
		return false, err
	}
	if view.Player1 == (common.Address{}).Hex() {
		return false, cell.ErrCellNotFound
	}
	switch b.conn.Address().Hex() {
	case view.Player1:
		g.seat = 1
	case view.Player2:
		g.seat = 2
	default:
		if view.Player2 != (common.Address{}).Hex() {
			return false, fmt.Errorf("bot: %s is not seated in cell %d", b.conn.Address().Hex(), g.id)
		}
		return false, g.wait(ctx)
	}
	if view.Complete {
		return true, g.record(ctx, view.CurrentRound)
	}
	if view.CurrentRound == 0 {
		return false, g.wait(ctx)
	}

	move := b.strategy.Move(g.res.History)
	out, err := b.conn.SubmitMove(ctx, g.id, move)
	switch {
	case err == nil:
		b.logger.Debug("Moved", "cell", g.id, "round", view.CurrentRound, "move", move)
		if out.Resolved == 0 {
			return false, g.wait(ctx)
		}
		if err := g.record(ctx, out.Resolved); err != nil {
			return false, err
		}
		return out.Completed, nil
	case errors.Is(err, cell.ErrAlreadyMoved):
		return false, g.wait(ctx)
	case errors.Is(err, cell.ErrRoundAlreadyFinished):
		return g.vote(ctx, view.CurrentRound)
	case errors.Is(err, cell.ErrCellIsComplete):
		return true, g.record(ctx, view.CurrentRound)
	default:
		return false, err
	}
}

func (g *game) vote(ctx context.Context, round uint8) (bool, error) {
	if err := g.record(ctx, round); err != nil {
		return false, err
	}
	if g.voted == round {
		return false, g.wait(ctx)
	}
	wants := g.bot.strategy.Continue(g.res.History)
	out, err := g.bot.conn.SubmitDecision(ctx, g.id, wants)
	if err != nil {
		if errors.Is(err, cell.ErrCellIsComplete) {
			return true, nil
		}
		return false, err
	}
	g.voted = round
	g.bot.logger.Debug("Voted", "cell", g.id, "round", round, "continue", wants)
	return out.Completed, nil
}

// record appends finished rounds up to n that are not yet in the history.
func (g *game) record(ctx context.Context, n uint8) error {
	for ; g.recorded < n; g.recorded++ {
		r, err := g.bot.conn.Round(ctx, g.id, g.recorded+1)
		if err != nil {
			return err
		}
		mine, theirs := r.Player1Move, r.Player2Move
		payout := r.Player1Payout
		if g.seat == 2 {
			mine, theirs = theirs, mine
			payout = r.Player2Payout
		}
		amount, err := protocol.ParseAmount(payout)
		if err != nil {
			return err
		}
		g.res.Payout.Add(&g.res.Payout, &amount)
		g.res.History = append(g.res.History, Exchange{Mine: cell.Move(mine), Theirs: cell.Move(theirs)})
	}
	return nil
}

// wait blocks until an event arrives for the cell or the poll interval
// passes.
func (g *game) wait(ctx context.Context) error {
	timer := g.bot.clock.NewTimer(g.bot.poll, "bot", "poll")
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case ev, ok := <-g.bot.conn.Events():
			if !ok {
				return client.ErrClosed
			}
			if ev.CellID == g.id {
				return nil
			}
		}
	}
}
