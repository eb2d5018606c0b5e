package server

import (
	"github.com/lox/dilemmacell/internal/cell"
	"github.com/lox/dilemmacell/internal/engine"
	"github.com/lox/dilemmacell/internal/protocol"
)

func cellView(id uint64, s cell.Summary) protocol.CellView {
	return protocol.CellView{
		CellID:       id,
		Player1:      s.Player1.Hex(),
		Player2:      s.Player2.Hex(),
		Stake:        protocol.FormatAmount(s.Stake),
		TotalRounds:  s.TotalRounds,
		CurrentRound: s.CurrentRound,
		Complete:     s.Complete,
	}
}

func roundView(id uint64, n uint8, r cell.RoundResult) protocol.RoundView {
	return protocol.RoundView{
		CellID:        id,
		Round:         n,
		Player1Move:   uint8(r.Player1Move),
		Player2Move:   uint8(r.Player2Move),
		Player1Payout: protocol.FormatAmount(r.Player1Payout),
		Player2Payout: protocol.FormatAmount(r.Player2Payout),
	}
}

func statusView(id uint64, v cell.VoteStatus) protocol.StatusView {
	return protocol.StatusView{
		CellID:         id,
		Player1Decided: v.Player1Decided,
		Player1Wants:   v.Player1Wants,
		Player2Decided: v.Player2Decided,
		Player2Wants:   v.Player2Wants,
	}
}

func outcomeView(o cell.Outcome) protocol.Outcome {
	return protocol.Outcome{Resolved: o.Resolved, Opened: o.Opened, Completed: o.Completed}
}

func eventView(ev engine.Event) protocol.Event {
	out := protocol.Event{
		Kind:     ev.EventType().String(),
		CellID:   ev.Cell(),
		Occurred: ev.Timestamp().Unix(),
	}
	switch ev := ev.(type) {
	case engine.CellCreated:
		out.Player = ev.Player1.Hex()
		out.Amount = protocol.FormatAmount(ev.Stake)
	case engine.PlayerJoined:
		out.Player = ev.Player2.Hex()
	case engine.RoundComplete:
		out.Round = ev.Round
		out.Player1 = ev.Player1Move
		out.Player2 = ev.Player2Move
		out.Payout1 = protocol.FormatAmount(ev.Player1Payout)
		out.Payout2 = protocol.FormatAmount(ev.Player2Payout)
	case engine.RoundOpened:
		out.Round = ev.Round
	case engine.CellComplete:
		out.Payout1 = protocol.FormatAmount(ev.Payout1)
		out.Payout2 = protocol.FormatAmount(ev.Payout2)
	case engine.PaymentFailed:
		out.Player = ev.To.Hex()
		out.Amount = protocol.FormatAmount(ev.Amount)
		if ev.Err != nil {
			out.Error = ev.Err.Error()
		}
	}
	return out
}
