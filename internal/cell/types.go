package cell

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const (
	// MaxRounds bounds TotalRounds; New picks a value in [1, MaxRounds].
	MaxRounds = 10
)

// Move is a participant's choice for one round.
type Move uint8

const (
	Cooperate Move = 0
	Defect    Move = 1
)

// MoveFromByte canonicalises an arbitrary input byte: zero cooperates, any
// other value defects.
func MoveFromByte(b byte) Move {
	if b == 0 {
		return Cooperate
	}
	return Defect
}

func (m Move) String() string {
	if m == Cooperate {
		return "cooperate"
	}
	return "defect"
}

// Choice is a move slot that stays empty until its owner submits.
type Choice struct {
	Move Move
	Made bool
}

// Chose returns a filled slot.
func Chose(m Move) Choice {
	return Choice{Move: m, Made: true}
}

// Round is one simultaneous-move exchange. Payouts are only meaningful once
// Finished is set.
type Round struct {
	Player1Move   Choice
	Player2Move   Choice
	Player1Payout uint256.Int
	Player2Payout uint256.Int
	Finished      bool
}

// Decision is one participant's continuation vote.
type Decision uint8

const (
	Undecided Decision = iota
	Continue
	Stop
)

func (d Decision) String() string {
	switch d {
	case Continue:
		return "continue"
	case Stop:
		return "stop"
	default:
		return "undecided"
	}
}

// Votes is the inter-round continuation vote. The zero value is a clean slate.
type Votes struct {
	Player1 Decision
	Player2 Decision
}

// Packed vote bits as they appear in the persisted record.
const (
	flagP1Wants   uint8 = 1 << 0
	flagP2Wants   uint8 = 1 << 1
	flagP1Decided uint8 = 1 << 2
	flagP2Decided uint8 = 1 << 3
)

// Flags packs the votes into the 4-bit record form.
func (v Votes) Flags() uint8 {
	var f uint8
	switch v.Player1 {
	case Continue:
		f |= flagP1Wants | flagP1Decided
	case Stop:
		f |= flagP1Decided
	}
	switch v.Player2 {
	case Continue:
		f |= flagP2Wants | flagP2Decided
	case Stop:
		f |= flagP2Decided
	}
	return f
}

// VotesFromFlags unpacks the 4-bit record form. A want bit without its
// decided bit cannot be produced by SubmitDecision and reads as Undecided.
func VotesFromFlags(f uint8) Votes {
	decode := func(wants, decided uint8) Decision {
		switch {
		case f&decided == 0:
			return Undecided
		case f&wants != 0:
			return Continue
		default:
			return Stop
		}
	}
	return Votes{
		Player1: decode(flagP1Wants, flagP1Decided),
		Player2: decode(flagP2Wants, flagP2Decided),
	}
}

// Phase is the lifecycle state derived from a Cell.
type Phase uint8

const (
	AwaitingPlayer2 Phase = iota
	RoundOpen
	RoundResolved
	Complete
)

func (p Phase) String() string {
	switch p {
	case AwaitingPlayer2:
		return "awaiting_player2"
	case RoundOpen:
		return "round_open"
	case RoundResolved:
		return "round_resolved"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// Summary is the read-only projection served by the cell query.
type Summary struct {
	Player1      common.Address
	Player2      common.Address
	Stake        uint256.Int
	TotalRounds  uint8
	CurrentRound uint8
	Complete     bool
}

// RoundResult reports a finished round. Unknown or unfinished rounds report
// the zero value.
type RoundResult struct {
	Player1Move   Move
	Player2Move   Move
	Player1Payout uint256.Int
	Player2Payout uint256.Int
}

// VoteStatus reports the current continuation vote.
type VoteStatus struct {
	Player1Decided bool
	Player1Wants   bool
	Player2Decided bool
	Player2Wants   bool
}

// Outcome tells the caller what a successful operation changed so it can
// emit events and settle.
type Outcome struct {
	// Resolved is the round number resolved by this call, or 0.
	Resolved uint8
	// Opened is the round number opened by this call, or 0.
	Opened uint8
	// Completed is set when this call moved the cell to Complete.
	Completed bool
}
