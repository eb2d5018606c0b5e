package cell

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice   = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob     = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	mallory = common.HexToAddress("0x000000000000000000000000000000000000bad0")
)

func u(v uint64) uint256.Int {
	return *uint256.NewInt(v)
}

// openCell returns a joined cell with the given round target.
func openCell(t *testing.T, totalRounds uint8) Cell {
	t.Helper()
	c := New(alice, u(100), uint64(totalRounds-1))
	require.Equal(t, totalRounds, c.TotalRounds)
	require.NoError(t, c.Join(bob, u(100)))
	return c
}

func playRound(t *testing.T, c *Cell, m1, m2 Move) Outcome {
	t.Helper()
	out, err := c.SubmitMove(alice, m1)
	require.NoError(t, err)
	require.Zero(t, out.Resolved)
	out, err = c.SubmitMove(bob, m2)
	require.NoError(t, err)
	return out
}

func TestMoveFromByte(t *testing.T) {
	t.Parallel()
	assert.Equal(t, Cooperate, MoveFromByte(0))
	for _, b := range []byte{1, 2, 0x7f, 0xff} {
		assert.Equal(t, Defect, MoveFromByte(b), "byte %d", b)
	}
}

func TestTotalRoundsFor(t *testing.T) {
	t.Parallel()
	for e := uint64(0); e < 100; e++ {
		r := TotalRoundsFor(e)
		require.GreaterOrEqual(t, r, uint8(1))
		require.LessOrEqual(t, r, uint8(MaxRounds))
	}
	assert.Equal(t, uint8(1), TotalRoundsFor(0))
	assert.Equal(t, uint8(10), TotalRoundsFor(9))
	assert.Equal(t, uint8(3), TotalRoundsFor(12))
}

func TestCheckStake(t *testing.T) {
	t.Parallel()
	min := uint256.NewInt(10)
	assert.ErrorIs(t, CheckStake(uint256.NewInt(9), min), ErrStakeTooLow)
	assert.NoError(t, CheckStake(uint256.NewInt(10), min))
	assert.NoError(t, CheckStake(MaxStake, min))
	over := new(uint256.Int).AddUint64(MaxStake, 1)
	assert.ErrorIs(t, CheckStake(over, min), ErrStakeTooHigh)
}

func TestNewCell(t *testing.T) {
	t.Parallel()
	c := New(alice, u(100), 2)
	assert.True(t, c.Exists())
	assert.False(t, c.HasPlayer2())
	assert.Equal(t, uint8(3), c.TotalRounds)
	assert.Zero(t, c.CurrentRound)
	assert.Empty(t, c.Rounds)
	assert.Equal(t, AwaitingPlayer2, c.Phase())
}

func TestJoin(t *testing.T) {
	t.Parallel()

	t.Run("opens round one", func(t *testing.T) {
		c := New(alice, u(100), 0)
		require.NoError(t, c.Join(bob, u(100)))
		assert.Equal(t, bob, c.Player2)
		assert.Equal(t, uint8(1), c.CurrentRound)
		assert.Len(t, c.Rounds, 1)
		assert.Equal(t, RoundOpen, c.Phase())
	})

	t.Run("rejects", func(t *testing.T) {
		tests := []struct {
			name   string
			joiner common.Address
			stake  uint64
			setup  func(*Cell)
			want   error
		}{
			{"creator", alice, 100, nil, ErrAlreadyInCell},
			{"empty identity", common.Address{}, 100, nil, ErrInvalidIdentity},
			{"less stake", bob, 99, nil, ErrWrongStake},
			{"more stake", bob, 101, nil, ErrWrongStake},
			{"full", mallory, 100, func(c *Cell) { c.Player2 = bob }, ErrCellFull},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				c := New(alice, u(100), 0)
				if tt.setup != nil {
					tt.setup(&c)
				}
				before := c.Clone()
				require.ErrorIs(t, c.Join(tt.joiner, u(tt.stake)), tt.want)
				assert.Equal(t, before, c)
			})
		}
	})
}

func TestSubmitMovePreconditions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		cell   func(t *testing.T) Cell
		caller common.Address
		want   error
	}{
		{
			name:   "complete",
			cell:   func(t *testing.T) Cell { c := openCell(t, 3); c.Complete = true; return c },
			caller: alice,
			want:   ErrCellIsComplete,
		},
		{
			name:   "no player2",
			cell:   func(t *testing.T) Cell { return New(alice, u(100), 0) },
			caller: alice,
			want:   ErrNeedPlayer2,
		},
		{
			name:   "outsider",
			cell:   func(t *testing.T) Cell { return openCell(t, 3) },
			caller: mallory,
			want:   ErrNotInCell,
		},
		{
			name:   "no round started",
			cell:   func(t *testing.T) Cell { c := openCell(t, 3); c.CurrentRound = 0; return c },
			caller: alice,
			want:   ErrNoRoundStarted,
		},
		{
			name:   "round not ready",
			cell:   func(t *testing.T) Cell { c := openCell(t, 3); c.CurrentRound = 2; return c },
			caller: alice,
			want:   ErrRoundNotReady,
		},
		{
			name: "round finished",
			cell: func(t *testing.T) Cell {
				c := openCell(t, 3)
				playRound(t, &c, Cooperate, Cooperate)
				return c
			},
			caller: bob,
			want:   ErrRoundAlreadyFinished,
		},
		{
			name: "already moved",
			cell: func(t *testing.T) Cell {
				c := openCell(t, 3)
				_, err := c.SubmitMove(alice, Defect)
				require.NoError(t, err)
				return c
			},
			caller: alice,
			want:   ErrAlreadyMoved,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := tt.cell(t)
			before := c.Clone()
			_, err := c.SubmitMove(tt.caller, Cooperate)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, before, c, "failed move must not mutate the cell")
		})
	}
}

func TestMoveIsWriteOnce(t *testing.T) {
	t.Parallel()
	c := openCell(t, 3)
	_, err := c.SubmitMove(bob, Defect)
	require.NoError(t, err)

	_, err = c.SubmitMove(bob, Cooperate)
	require.ErrorIs(t, err, ErrAlreadyMoved)
	assert.Equal(t, Chose(Defect), c.Rounds[0].Player2Move)
	assert.False(t, c.Rounds[0].Finished)
}

func TestRoundResolution(t *testing.T) {
	t.Parallel()
	c := openCell(t, 3)

	out := playRound(t, &c, Cooperate, Cooperate)
	assert.Equal(t, Outcome{Resolved: 1}, out)

	r := c.Rounds[0]
	assert.True(t, r.Finished)
	assert.Equal(t, u(100), r.Player1Payout)
	assert.Equal(t, u(100), r.Player2Payout)
	assert.Equal(t, uint8(1), c.CurrentRound)
	assert.Len(t, c.Rounds, 1)
	assert.Equal(t, RoundResolved, c.Phase())
	assert.Equal(t, RoundResult{Player1Payout: u(100), Player2Payout: u(100)}, c.Result(1))
}

func TestContinueOpensNextRound(t *testing.T) {
	t.Parallel()
	c := openCell(t, 3)
	playRound(t, &c, Cooperate, Cooperate)

	out, err := c.SubmitDecision(alice, true)
	require.NoError(t, err)
	assert.Equal(t, Outcome{}, out)
	assert.Equal(t, VoteStatus{Player1Decided: true, Player1Wants: true}, c.VoteStatus())

	out, err = c.SubmitDecision(bob, true)
	require.NoError(t, err)
	assert.Equal(t, Outcome{Opened: 2}, out)
	assert.Equal(t, uint8(2), c.CurrentRound)
	assert.Len(t, c.Rounds, 2)
	assert.Equal(t, Votes{}, c.Votes)
	assert.Zero(t, c.Votes.Flags())
	assert.Equal(t, RoundOpen, c.Phase())
}

func TestStopVoteCompletes(t *testing.T) {
	t.Parallel()
	c := openCell(t, 5)
	playRound(t, &c, Defect, Cooperate)

	_, err := c.SubmitDecision(alice, true)
	require.NoError(t, err)
	out, err := c.SubmitDecision(bob, false)
	require.NoError(t, err)
	assert.Equal(t, Outcome{Completed: true}, out)
	assert.True(t, c.Complete)
	assert.Zero(t, c.Votes.Flags())
	assert.Len(t, c.Rounds, 1)

	p1, p2 := c.Totals()
	assert.Equal(t, u(150), p1)
	assert.Equal(t, u(50), p2)
}

func TestOneSidedStopLeavesCellOpen(t *testing.T) {
	t.Parallel()
	c := openCell(t, 4)
	playRound(t, &c, Cooperate, Defect)

	out, err := c.SubmitDecision(alice, false)
	require.NoError(t, err)
	assert.Equal(t, Outcome{}, out)
	assert.False(t, c.Complete)
	assert.Equal(t, VoteStatus{Player1Decided: true}, c.VoteStatus())
	assert.Equal(t, flagP1Decided, c.Votes.Flags())
}

func TestDecisionOverwritesOwnVote(t *testing.T) {
	t.Parallel()
	c := openCell(t, 4)
	playRound(t, &c, Cooperate, Cooperate)

	_, err := c.SubmitDecision(alice, false)
	require.NoError(t, err)
	_, err = c.SubmitDecision(alice, true)
	require.NoError(t, err)
	assert.Equal(t, Continue, c.Votes.Player1)

	out, err := c.SubmitDecision(bob, true)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), out.Opened)
}

func TestDecisionPreconditions(t *testing.T) {
	t.Parallel()

	t.Run("complete", func(t *testing.T) {
		c := openCell(t, 3)
		c.Complete = true
		_, err := c.SubmitDecision(alice, true)
		require.ErrorIs(t, err, ErrCellIsComplete)
	})

	t.Run("outsider", func(t *testing.T) {
		c := openCell(t, 3)
		playRound(t, &c, Cooperate, Cooperate)
		_, err := c.SubmitDecision(mallory, true)
		require.ErrorIs(t, err, ErrNotInCell)
	})

	t.Run("empty identity before join", func(t *testing.T) {
		c := New(alice, u(100), 4)
		_, err := c.SubmitDecision(common.Address{}, true)
		require.ErrorIs(t, err, ErrNotInCell)
	})

	t.Run("final round", func(t *testing.T) {
		c := openCell(t, 1)
		_, err := c.SubmitDecision(alice, true)
		require.ErrorIs(t, err, ErrMaxRoundsReached)
	})

	t.Run("round in progress", func(t *testing.T) {
		c := openCell(t, 3)
		before := c.Clone()
		_, err := c.SubmitDecision(alice, true)
		require.ErrorIs(t, err, ErrVotingClosed)
		assert.Equal(t, before, c)
	})

	t.Run("awaiting player2", func(t *testing.T) {
		c := New(alice, u(100), 4)
		_, err := c.SubmitDecision(alice, true)
		require.ErrorIs(t, err, ErrVotingClosed)
	})
}

func TestFinalRoundCompletesWithoutVote(t *testing.T) {
	t.Parallel()
	c := openCell(t, 2)
	playRound(t, &c, Cooperate, Cooperate)
	_, err := c.SubmitDecision(alice, true)
	require.NoError(t, err)
	_, err = c.SubmitDecision(bob, true)
	require.NoError(t, err)

	out := playRound(t, &c, Defect, Defect)
	assert.Equal(t, Outcome{Resolved: 2, Completed: true}, out)
	assert.True(t, c.Complete)
	assert.Equal(t, Complete, c.Phase())

	p1, p2 := c.Totals()
	assert.Equal(t, u(150), p1)
	assert.Equal(t, u(150), p2)

	_, err = c.SubmitMove(alice, Cooperate)
	require.ErrorIs(t, err, ErrCellIsComplete)
	_, err = c.SubmitDecision(alice, true)
	require.ErrorIs(t, err, ErrCellIsComplete)
}

func TestMonotonicProgress(t *testing.T) {
	t.Parallel()
	c := openCell(t, 10)
	lastRound, lastLen := c.CurrentRound, len(c.Rounds)

	moves := []Move{Cooperate, Defect}
	for i := 0; !c.Complete; i++ {
		playRound(t, &c, moves[i%2], moves[(i/2)%2])
		if !c.Complete {
			_, err := c.SubmitDecision(bob, true)
			require.NoError(t, err)
			_, err = c.SubmitDecision(alice, true)
			require.NoError(t, err)
		}
		require.GreaterOrEqual(t, c.CurrentRound, lastRound)
		require.GreaterOrEqual(t, len(c.Rounds), lastLen)
		require.LessOrEqual(t, c.CurrentRound, c.TotalRounds)
		lastRound, lastLen = c.CurrentRound, len(c.Rounds)
	}
	assert.Equal(t, uint8(10), c.CurrentRound)
	assert.Len(t, c.Rounds, 10)
	for i, r := range c.Rounds {
		assert.True(t, r.Finished, "round %d", i+1)
	}
}

func TestResultUnknownRound(t *testing.T) {
	t.Parallel()
	c := openCell(t, 3)
	assert.Equal(t, RoundResult{}, c.Result(0))
	assert.Equal(t, RoundResult{}, c.Result(1), "unfinished round")
	assert.Equal(t, RoundResult{}, c.Result(7))
}

func TestVotesFlags(t *testing.T) {
	t.Parallel()
	tests := []struct {
		votes Votes
		flags uint8
	}{
		{Votes{}, 0},
		{Votes{Player1: Continue}, 0b0101},
		{Votes{Player1: Stop}, 0b0100},
		{Votes{Player2: Continue}, 0b1010},
		{Votes{Player2: Stop}, 0b1000},
		{Votes{Player1: Continue, Player2: Stop}, 0b1101},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.flags, tt.votes.Flags(), "%+v", tt.votes)
		assert.Equal(t, tt.votes, VotesFromFlags(tt.flags))
	}
	// A want bit without its decided bit is not reachable and reads as undecided.
	assert.Equal(t, Votes{}, VotesFromFlags(0b0011))
}

func TestCode(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "WrongStake", Code(ErrWrongStake))
	assert.Equal(t, "Internal", Code(assert.AnError))
}
