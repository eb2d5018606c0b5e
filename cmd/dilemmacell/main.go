package main

import (
	"github.com/alecthomas/kong"
)

// version is set by ldflags during build
var version = "dev"

type CLI struct {
	Version kong.VersionFlag `short:"v" help:"Show version"`
	Server  ServerCmd        `cmd:"" help:"Run the cell server"`
	Create  CreateCmd        `cmd:"" help:"Create a cell and stake into it"`
	Join    JoinCmd          `cmd:"" help:"Join an open cell with a matching stake"`
	Move    MoveCmd          `cmd:"" help:"Submit a move for the open round"`
	Vote    VoteCmd          `cmd:"" help:"Vote to continue or stop after a round"`
	Show    ShowCmd          `cmd:"" help:"Show a cell, its rounds and the vote status"`
	Watch   WatchCmd         `cmd:"" help:"Stream events for a cell"`
	Bot     BotCmd           `cmd:"" help:"Play a cell automatically with a fixed strategy"`
	Decode  DecodeCmd        `cmd:"" help:"Decode a hex cell record"`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("dilemmacell"),
		kong.Description("Escrowed multi-round prisoner's dilemma cells"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"version": version,
		},
	)
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
