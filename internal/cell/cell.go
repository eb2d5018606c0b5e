package cell

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MaxStake caps the per-participant stake so that ten rounds of the largest
// payout still fit in 256 bits.
var MaxStake = new(uint256.Int).Lsh(uint256.NewInt(1), 250)

// Cell is the aggregate record of one game.
type Cell struct {
	Player1      common.Address
	Player2      common.Address
	Stake        uint256.Int
	TotalRounds  uint8
	CurrentRound uint8
	Complete     bool
	Rounds       []Round
	Votes        Votes
}

// TotalRoundsFor derives the round target from caller-supplied entropy.
func TotalRoundsFor(entropy uint64) uint8 {
	return uint8(1 + entropy%MaxRounds)
}

// CheckStake validates a creation stake against the configured minimum.
func CheckStake(stake, minStake *uint256.Int) error {
	if stake.Lt(minStake) {
		return ErrStakeTooLow
	}
	if stake.Gt(MaxStake) {
		return ErrStakeTooHigh
	}
	return nil
}

// New returns a cell awaiting its second participant.
func New(creator common.Address, stake uint256.Int, entropy uint64) Cell {
	return Cell{
		Player1:     creator,
		Stake:       stake,
		TotalRounds: TotalRoundsFor(entropy),
	}
}

// Exists reports whether the value holds a created cell. Decoding a missing
// record yields a Cell for which Exists is false.
func (c *Cell) Exists() bool {
	return c.Player1 != (common.Address{})
}

// HasPlayer2 reports whether the second seat is taken.
func (c *Cell) HasPlayer2() bool {
	return c.Player2 != (common.Address{})
}

// Seat returns 1 or 2 for a participant and 0 for anyone else. The empty
// address never holds a seat.
func (c *Cell) Seat(addr common.Address) int {
	switch {
	case addr == (common.Address{}):
		return 0
	case addr == c.Player1:
		return 1
	case addr == c.Player2:
		return 2
	default:
		return 0
	}
}

// Phase derives the lifecycle state.
func (c *Cell) Phase() Phase {
	switch {
	case c.Complete:
		return Complete
	case !c.HasPlayer2():
		return AwaitingPlayer2
	}
	if r := c.currentRound(); r != nil && !r.Finished {
		return RoundOpen
	}
	return RoundResolved
}

func (c *Cell) currentRound() *Round {
	if c.CurrentRound == 0 {
		return nil
	}
	idx := int(c.CurrentRound) - 1
	if idx >= len(c.Rounds) {
		return nil
	}
	return &c.Rounds[idx]
}

// Join seats the second participant and opens round 1. Stake matching is the
// caller's responsibility because only it knows the value actually sent.
func (c *Cell) Join(joiner common.Address, stake uint256.Int) error {
	if joiner == (common.Address{}) {
		return ErrInvalidIdentity
	}
	if c.HasPlayer2() {
		return ErrCellFull
	}
	if joiner == c.Player1 {
		return ErrAlreadyInCell
	}
	if !stake.Eq(&c.Stake) {
		return ErrWrongStake
	}

	c.Player2 = joiner
	c.CurrentRound = 1
	c.Rounds = append(c.Rounds, Round{})
	return nil
}

// SubmitMove records the caller's move in the open round and resolves the
// round when both moves are in. Resolving the final round completes the cell.
func (c *Cell) SubmitMove(caller common.Address, m Move) (Outcome, error) {
	if c.Complete {
		return Outcome{}, ErrCellIsComplete
	}
	if !c.HasPlayer2() {
		return Outcome{}, ErrNeedPlayer2
	}
	seat := c.Seat(caller)
	if seat == 0 {
		return Outcome{}, ErrNotInCell
	}
	if c.CurrentRound == 0 {
		return Outcome{}, ErrNoRoundStarted
	}
	round := c.currentRound()
	if round == nil {
		return Outcome{}, ErrRoundNotReady
	}
	if round.Finished {
		return Outcome{}, ErrRoundAlreadyFinished
	}

	slot := &round.Player1Move
	if seat == 2 {
		slot = &round.Player2Move
	}
	if slot.Made {
		return Outcome{}, ErrAlreadyMoved
	}
	*slot = Chose(m)

	if !round.Player1Move.Made || !round.Player2Move.Made {
		return Outcome{}, nil
	}

	round.Player1Payout, round.Player2Payout = Payoff(round.Player1Move.Move, round.Player2Move.Move, c.Stake)
	round.Finished = true
	c.Votes = Votes{}

	out := Outcome{Resolved: c.CurrentRound}
	if c.CurrentRound >= c.TotalRounds {
		out.Completed = c.complete()
	}
	return out, nil
}

// SubmitDecision records the caller's continuation vote, overwriting any
// earlier vote of theirs. The call that records the second decision also
// resolves the vote: both Continue opens the next round, anything else
// completes the cell. Either way the votes reset.
func (c *Cell) SubmitDecision(caller common.Address, wantsContinue bool) (Outcome, error) {
	if c.Complete {
		return Outcome{}, ErrCellIsComplete
	}
	seat := c.Seat(caller)
	if seat == 0 {
		return Outcome{}, ErrNotInCell
	}
	if c.CurrentRound >= c.TotalRounds {
		return Outcome{}, ErrMaxRoundsReached
	}
	if c.Phase() != RoundResolved {
		return Outcome{}, ErrVotingClosed
	}

	d := Stop
	if wantsContinue {
		d = Continue
	}
	if seat == 1 {
		c.Votes.Player1 = d
	} else {
		c.Votes.Player2 = d
	}

	if c.Votes.Player1 == Undecided || c.Votes.Player2 == Undecided {
		return Outcome{}, nil
	}

	both := c.Votes.Player1 == Continue && c.Votes.Player2 == Continue
	c.Votes = Votes{}
	if both && c.CurrentRound < c.TotalRounds {
		c.CurrentRound++
		c.Rounds = append(c.Rounds, Round{})
		return Outcome{Opened: c.CurrentRound}, nil
	}
	return Outcome{Completed: c.complete()}, nil
}

// complete marks the cell terminal. It reports false if it already was.
func (c *Cell) complete() bool {
	if c.Complete {
		return false
	}
	c.Complete = true
	c.Votes = Votes{}
	return true
}

// Totals sums the payouts of every finished round.
func (c *Cell) Totals() (p1, p2 uint256.Int) {
	for i := range c.Rounds {
		r := &c.Rounds[i]
		if !r.Finished {
			continue
		}
		p1.Add(&p1, &r.Player1Payout)
		p2.Add(&p2, &r.Player2Payout)
	}
	return p1, p2
}

// Summary projects the header fields.
func (c *Cell) Summary() Summary {
	return Summary{
		Player1:      c.Player1,
		Player2:      c.Player2,
		Stake:        c.Stake,
		TotalRounds:  c.TotalRounds,
		CurrentRound: c.CurrentRound,
		Complete:     c.Complete,
	}
}

// Result reports round n (1-based). Unknown and unfinished rounds yield the
// zero RoundResult.
func (c *Cell) Result(n uint8) RoundResult {
	if n == 0 || int(n) > len(c.Rounds) {
		return RoundResult{}
	}
	r := c.Rounds[n-1]
	if !r.Finished {
		return RoundResult{}
	}
	return RoundResult{
		Player1Move:   r.Player1Move.Move,
		Player2Move:   r.Player2Move.Move,
		Player1Payout: r.Player1Payout,
		Player2Payout: r.Player2Payout,
	}
}

// VoteStatus reports the pending continuation vote.
func (c *Cell) VoteStatus() VoteStatus {
	return VoteStatus{
		Player1Decided: c.Votes.Player1 != Undecided,
		Player1Wants:   c.Votes.Player1 == Continue,
		Player2Decided: c.Votes.Player2 != Undecided,
		Player2Wants:   c.Votes.Player2 == Continue,
	}
}

// Clone returns a deep copy.
func (c Cell) Clone() Cell {
	if c.Rounds != nil {
		c.Rounds = append([]Round(nil), c.Rounds...)
	}
	return c
}
