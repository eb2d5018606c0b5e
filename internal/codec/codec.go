// Package codec maps a cell.Cell to and from its fixed-layout record.
//
// The layout is an external compatibility contract and has no versioning:
//
//	offset  size  field
//	0       20    player1
//	20      20    player2
//	40      32    stake, big-endian
//	72      1     total rounds
//	73      1     current round
//	74      1     complete flag
//	75      1     round count
//	76      ...   rounds: 1 status byte, then two 32-byte payouts if finished
//	end     1     continuation flags
//
// Decode is lenient: a record shorter than the header decodes to the zero
// Cell, truncated round data stops early and missing payouts or flags read
// as zero. It never panics.
package codec

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/lox/dilemmacell/internal/cell"
)

const (
	addrLen   = common.AddressLength
	wordLen   = 32
	HeaderLen = 2*addrLen + wordLen + 4

	offPlayer2      = addrLen
	offStake        = 2 * addrLen
	offTotalRounds  = offStake + wordLen
	offCurrentRound = offTotalRounds + 1
	offComplete     = offCurrentRound + 1
	offRoundCount   = offComplete + 1
)

// Round status bits.
const (
	p1Cooperate uint8 = 0x01
	p1Defect    uint8 = 0x02
	p2Cooperate uint8 = 0x04
	p2Defect    uint8 = 0x08
	finished    uint8 = 0x10

	p1Mask = p1Cooperate | p1Defect
	p2Mask = p2Cooperate | p2Defect
)

var (
	// ErrEmptyRecord is returned by Unmarshal for a record that was never written.
	ErrEmptyRecord = errors.New("codec: empty record")
	// ErrShortRecord is returned by Unmarshal for a record that is present but
	// shorter than the fixed header.
	ErrShortRecord = errors.New("codec: record shorter than header")
)

// Encode serialises c. The round count is a single byte; the state machine
// never produces more than cell.MaxRounds rounds.
func Encode(c cell.Cell) []byte {
	size := HeaderLen + 1
	for i := range c.Rounds {
		size++
		if c.Rounds[i].Finished {
			size += 2 * wordLen
		}
	}

	data := make([]byte, 0, size)
	data = append(data, c.Player1.Bytes()...)
	data = append(data, c.Player2.Bytes()...)
	data = appendWord(data, &c.Stake)
	data = append(data, c.TotalRounds, c.CurrentRound, boolByte(c.Complete), byte(len(c.Rounds)))

	for i := range c.Rounds {
		r := &c.Rounds[i]
		data = append(data, statusByte(r))
		if r.Finished {
			data = appendWord(data, &r.Player1Payout)
			data = appendWord(data, &r.Player2Payout)
		}
	}

	return append(data, c.Votes.Flags())
}

// Decode parses a record, returning the zero Cell when data is shorter than
// the header.
func Decode(data []byte) cell.Cell {
	var c cell.Cell
	if len(data) < HeaderLen {
		return c
	}

	c.Player1 = common.BytesToAddress(data[:addrLen])
	c.Player2 = common.BytesToAddress(data[offPlayer2:offStake])
	c.Stake.SetBytes32(data[offStake:offTotalRounds])
	c.TotalRounds = data[offTotalRounds]
	c.CurrentRound = data[offCurrentRound]
	c.Complete = data[offComplete] != 0
	count := int(data[offRoundCount])

	pos := HeaderLen
	for i := 0; i < count; i++ {
		if pos >= len(data) {
			break
		}
		status := data[pos]
		pos++

		r := cell.Round{
			Player1Move: choiceFrom(status&p1Mask, p1Cooperate, p1Defect),
			Player2Move: choiceFrom(status&p2Mask, p2Cooperate, p2Defect),
			Finished:    status&finished != 0,
		}
		if r.Finished {
			if pos+2*wordLen > len(data) {
				// Payouts cut short: keep the round, drop everything after it.
				c.Rounds = append(c.Rounds, r)
				pos = len(data)
				break
			}
			r.Player1Payout.SetBytes32(data[pos : pos+wordLen])
			r.Player2Payout.SetBytes32(data[pos+wordLen : pos+2*wordLen])
			pos += 2 * wordLen
		}
		c.Rounds = append(c.Rounds, r)
	}

	if pos < len(data) {
		c.Votes = cell.VotesFromFlags(data[pos])
	}
	return c
}

// Unmarshal is the strict form of Decode: it distinguishes a missing record
// from a damaged one instead of returning the zero Cell for both.
func Unmarshal(data []byte) (cell.Cell, error) {
	switch {
	case len(data) == 0:
		return cell.Cell{}, ErrEmptyRecord
	case len(data) < HeaderLen:
		return cell.Cell{}, ErrShortRecord
	}
	return Decode(data), nil
}

func statusByte(r *cell.Round) uint8 {
	var b uint8
	if r.Player1Move.Made {
		b |= moveBits(r.Player1Move.Move, p1Cooperate, p1Defect)
	}
	if r.Player2Move.Made {
		b |= moveBits(r.Player2Move.Move, p2Cooperate, p2Defect)
	}
	if r.Finished {
		b |= finished
	}
	return b
}

func moveBits(m cell.Move, coop, defect uint8) uint8 {
	if m == cell.Cooperate {
		return coop
	}
	return defect
}

// choiceFrom reads one player's two status bits. Both bits set is not
// produced by Encode and reads as no move.
func choiceFrom(bits, coop, defect uint8) cell.Choice {
	switch bits {
	case coop:
		return cell.Chose(cell.Cooperate)
	case defect:
		return cell.Chose(cell.Defect)
	default:
		return cell.Choice{}
	}
}

func appendWord(data []byte, v *uint256.Int) []byte {
	w := v.Bytes32()
	return append(data, w[:]...)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
