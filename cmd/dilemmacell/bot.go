package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lox/dilemmacell/cmd/dilemmacell/shared"
	"github.com/lox/dilemmacell/internal/bot"
	"github.com/lox/dilemmacell/internal/protocol"
)

// BotCmd creates or joins a cell and plays it out with a fixed strategy.
type BotCmd struct {
	ClientFlags `kong:"embed"`
	Strategy    string  `kong:"default='tit-for-tat',enum='cooperate,defect,tit-for-tat,grim,random',help='Strategy to play'"`
	Seed        *int64  `kong:"help='Seed for the random strategy (optional)'"`
	Join        uint64  `kong:"help='Join this cell instead of creating one'"`
	Entropy     *uint64 `kong:"help='Round count entropy when creating'"`
	Value       string  `kong:"arg,help='Stake to send, in base units'"`
}

func (c *BotCmd) Run() error {
	level := "info"
	if c.Debug {
		level = "debug"
	}
	logger := shared.SetupLogger(level)

	seed := time.Now().UnixNano()
	if c.Seed != nil {
		seed = *c.Seed
	}
	strategy, err := bot.ByName(c.Strategy, seed)
	if err != nil {
		return err
	}
	value, err := protocol.ParseAmount(c.Value)
	if err != nil {
		return err
	}

	ctx := shared.SetupSignalHandler(logger)
	cl, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer cl.Close()

	reqCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	id := c.Join
	if id == 0 {
		id, err = cl.CreateCell(reqCtx, value, c.Entropy)
		if err == nil {
			logger.Info("Created cell, waiting for an opponent", "cell", id)
		}
	} else {
		err = cl.JoinCell(reqCtx, id, value)
	}
	cancel()
	if err != nil {
		return err
	}

	res, err := bot.New(cl, strategy, bot.WithLogger(logger)).Play(ctx, id)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("cell %d: %d rounds, payout %s\n", res.CellID, len(res.History), res.Payout.Dec())
	return nil
}
