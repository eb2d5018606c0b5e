package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/lox/dilemmacell/internal/cell"
	"github.com/lox/dilemmacell/internal/codec"
	"github.com/lox/dilemmacell/internal/fileutil"
	"github.com/lox/dilemmacell/internal/protocol"
)

// DecodeCmd prints a stored cell record, as served by GET /cells/{id}/record,
// in readable form.
type DecodeCmd struct {
	Record string `kong:"arg,optional,help='Hex record; read from stdin when omitted or -'"`
	Out    string `kong:"short='o',help='Write the JSON to this file instead of stdout'"`
}

type decodedRound struct {
	Player1Move   string `json:"player1Move"`
	Player2Move   string `json:"player2Move"`
	Player1Payout string `json:"player1Payout"`
	Player2Payout string `json:"player2Payout"`
	Finished      bool   `json:"finished"`
}

type decodedCell struct {
	Player1      string         `json:"player1"`
	Player2      string         `json:"player2"`
	Stake        string         `json:"stake"`
	TotalRounds  uint8          `json:"totalRounds"`
	CurrentRound uint8          `json:"currentRound"`
	Complete     bool           `json:"complete"`
	Phase        string         `json:"phase"`
	Rounds       []decodedRound `json:"rounds"`
	Player1Vote  string         `json:"player1Vote"`
	Player2Vote  string         `json:"player2Vote"`
}

func (c *DecodeCmd) Run() error {
	raw := c.Record
	if raw == "" || raw == "-" {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		raw = string(b)
	}
	rec, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
	if err != nil {
		return fmt.Errorf("record is not hex: %w", err)
	}
	decoded, err := codec.Unmarshal(rec)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(describe(decoded), "", "  ")
	if err != nil {
		return err
	}
	out = append(out, '\n')
	if c.Out != "" {
		return fileutil.WriteFileAtomic(c.Out, out, 0o644)
	}
	_, err = os.Stdout.Write(out)
	return err
}

func describe(c cell.Cell) decodedCell {
	d := decodedCell{
		Player1:      c.Player1.Hex(),
		Player2:      c.Player2.Hex(),
		Stake:        protocol.FormatAmount(c.Stake),
		TotalRounds:  c.TotalRounds,
		CurrentRound: c.CurrentRound,
		Complete:     c.Complete,
		Phase:        c.Phase().String(),
		Rounds:       make([]decodedRound, 0, len(c.Rounds)),
		Player1Vote:  c.Votes.Player1.String(),
		Player2Vote:  c.Votes.Player2.String(),
	}
	for _, r := range c.Rounds {
		d.Rounds = append(d.Rounds, decodedRound{
			Player1Move:   choice(r.Player1Move),
			Player2Move:   choice(r.Player2Move),
			Player1Payout: protocol.FormatAmount(r.Player1Payout),
			Player2Payout: protocol.FormatAmount(r.Player2Payout),
			Finished:      r.Finished,
		})
	}
	return d
}

func choice(c cell.Choice) string {
	if !c.Made {
		return "-"
	}
	return c.Move.String()
}
