package engine

import (
	"time"

	"github.com/charmbracelet/log"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// EventType names an engine event.
type EventType string

const (
	EventTypeCellCreated   EventType = "cell_created"
	EventTypePlayerJoined  EventType = "player_joined"
	EventTypeRoundComplete EventType = "round_complete"
	EventTypeRoundOpened   EventType = "round_opened"
	EventTypeCellComplete  EventType = "cell_complete"
	EventTypePaymentFailed EventType = "payment_failed"
)

func (et EventType) String() string {
	return string(et)
}

// Event is anything published to a Sink.
type Event interface {
	EventType() EventType
	Cell() uint64
	Timestamp() time.Time
}

// Sink receives events. Publish must not block for long; it runs while the
// cell lock is held.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Publish(ev Event) { f(ev) }

type nopSink struct{}

func (nopSink) Publish(Event) {}

// MultiSink fans an event out to every sink in order.
type MultiSink []Sink

func (m MultiSink) Publish(ev Event) {
	for _, s := range m {
		s.Publish(ev)
	}
}

// LogSink writes events to a logger.
type LogSink struct {
	logger *log.Logger
}

// NewLogSink returns a sink logging at info level, payment failures at warn.
func NewLogSink(logger *log.Logger) *LogSink {
	return &LogSink{logger: logger.WithPrefix("events")}
}

func (s *LogSink) Publish(ev Event) {
	switch ev := ev.(type) {
	case CellCreated:
		s.logger.Info("Cell created", "cell", ev.ID, "player1", ev.Player1.Hex(), "stake", ev.Stake.Dec(), "rounds", ev.TotalRounds)
	case PlayerJoined:
		s.logger.Info("Player joined", "cell", ev.ID, "player2", ev.Player2.Hex())
	case RoundComplete:
		s.logger.Info("Round complete", "cell", ev.ID, "round", ev.Round,
			"p1", ev.Player1Move, "p2", ev.Player2Move,
			"payout1", ev.Player1Payout.Dec(), "payout2", ev.Player2Payout.Dec())
	case RoundOpened:
		s.logger.Info("Round opened", "cell", ev.ID, "round", ev.Round)
	case CellComplete:
		s.logger.Info("Cell complete", "cell", ev.ID, "payout1", ev.Payout1.Dec(), "payout2", ev.Payout2.Dec())
	case PaymentFailed:
		s.logger.Warn("Payment failed", "cell", ev.ID, "to", ev.To.Hex(), "amount", ev.Amount.Dec(), "error", ev.Err)
	default:
		s.logger.Info("Event", "type", ev.EventType(), "cell", ev.Cell())
	}
}

// CellCreated is published when a cell is created.
type CellCreated struct {
	ID          uint64
	Player1     common.Address
	Stake       uint256.Int
	TotalRounds uint8
	At          time.Time
}

func (e CellCreated) EventType() EventType { return EventTypeCellCreated }
func (e CellCreated) Cell() uint64         { return e.ID }
func (e CellCreated) Timestamp() time.Time { return e.At }

// PlayerJoined is published when the second seat is taken and round 1 opens.
type PlayerJoined struct {
	ID      uint64
	Player2 common.Address
	At      time.Time
}

func (e PlayerJoined) EventType() EventType { return EventTypePlayerJoined }
func (e PlayerJoined) Cell() uint64         { return e.ID }
func (e PlayerJoined) Timestamp() time.Time { return e.At }

// RoundComplete is published when both moves of a round are in.
type RoundComplete struct {
	ID            uint64
	Round         uint8
	Player1Move   string
	Player2Move   string
	Player1Payout uint256.Int
	Player2Payout uint256.Int
	At            time.Time
}

func (e RoundComplete) EventType() EventType { return EventTypeRoundComplete }
func (e RoundComplete) Cell() uint64         { return e.ID }
func (e RoundComplete) Timestamp() time.Time { return e.At }

// RoundOpened is published when both participants vote to continue.
type RoundOpened struct {
	ID    uint64
	Round uint8
	At    time.Time
}

func (e RoundOpened) EventType() EventType { return EventTypeRoundOpened }
func (e RoundOpened) Cell() uint64         { return e.ID }
func (e RoundOpened) Timestamp() time.Time { return e.At }

// CellComplete is published once settlement has been attempted.
type CellComplete struct {
	ID      uint64
	Payout1 uint256.Int
	Payout2 uint256.Int
	At      time.Time
}

func (e CellComplete) EventType() EventType { return EventTypeCellComplete }
func (e CellComplete) Cell() uint64         { return e.ID }
func (e CellComplete) Timestamp() time.Time { return e.At }

// PaymentFailed is published when a settlement payment could not be made.
// The amount is recorded as owed.
type PaymentFailed struct {
	ID     uint64
	To     common.Address
	Amount uint256.Int
	Err    error
	At     time.Time
}

func (e PaymentFailed) EventType() EventType { return EventTypePaymentFailed }
func (e PaymentFailed) Cell() uint64         { return e.ID }
func (e PaymentFailed) Timestamp() time.Time { return e.At }
