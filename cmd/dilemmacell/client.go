package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/lox/dilemmacell/cmd/dilemmacell/shared"
	"github.com/lox/dilemmacell/internal/cell"
	"github.com/lox/dilemmacell/internal/client"
	"github.com/lox/dilemmacell/internal/protocol"
)

// ClientFlags are shared by the commands that act as a participant.
type ClientFlags struct {
	Server  string        `kong:"default='http://localhost:8080',env='DILEMMA_SERVER',help='Server URL'"`
	As      string        `kong:"required,env='DILEMMA_IDENTITY',help='Participant address to act as'"`
	Token   string        `kong:"env='DILEMMA_TOKEN',help='Identity token, when the server validates them'"`
	Timeout time.Duration `kong:"default='10s',help='Per-request timeout'"`
	Debug   bool          `kong:"help='Enable debug logging'"`
}

func (f *ClientFlags) connect(ctx context.Context) (*client.Client, error) {
	addr, err := protocol.ParseAddress(f.As)
	if err != nil {
		return nil, err
	}
	level := "warn"
	if f.Debug {
		level = "debug"
	}
	dialCtx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()
	return client.Dial(dialCtx, f.Server, addr,
		client.WithLogger(shared.SetupLogger(level)),
		client.WithToken(f.Token),
	)
}

func (f *ClientFlags) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), f.Timeout)
}

type CreateCmd struct {
	ClientFlags `kong:"embed"`
	Value       string  `kong:"arg,help='Stake to send, in base units'"`
	Entropy     *uint64 `kong:"help='Round count entropy; the server picks one if unset'"`
}

func (c *CreateCmd) Run() error {
	value, err := protocol.ParseAmount(c.Value)
	if err != nil {
		return err
	}
	ctx, cancel := c.requestContext()
	defer cancel()
	cl, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer cl.Close()

	id, err := cl.CreateCell(ctx, value, c.Entropy)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

type JoinCmd struct {
	ClientFlags `kong:"embed"`
	ID          uint64 `kong:"arg,help='Cell id'"`
	Value       string `kong:"arg,help='Stake to send; must equal the creator stake'"`
}

func (c *JoinCmd) Run() error {
	value, err := protocol.ParseAmount(c.Value)
	if err != nil {
		return err
	}
	ctx, cancel := c.requestContext()
	defer cancel()
	cl, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer cl.Close()

	if err := cl.JoinCell(ctx, c.ID, value); err != nil {
		return err
	}
	fmt.Printf("joined cell %d\n", c.ID)
	return nil
}

type MoveCmd struct {
	ClientFlags `kong:"embed"`
	ID          uint64 `kong:"arg,help='Cell id'"`
	Move        string `kong:"arg,enum='cooperate,defect',help='cooperate or defect'"`
}

func (c *MoveCmd) Run() error {
	move := cell.Cooperate
	if c.Move == "defect" {
		move = cell.Defect
	}
	ctx, cancel := c.requestContext()
	defer cancel()
	cl, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer cl.Close()

	out, err := cl.SubmitMove(ctx, c.ID, move)
	if err != nil {
		return err
	}
	printOutcome(out)
	return nil
}

type VoteCmd struct {
	ClientFlags `kong:"embed"`
	ID          uint64 `kong:"arg,help='Cell id'"`
	Decision    string `kong:"arg,enum='continue,stop',help='continue or stop'"`
}

func (c *VoteCmd) Run() error {
	ctx, cancel := c.requestContext()
	defer cancel()
	cl, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer cl.Close()

	out, err := cl.SubmitDecision(ctx, c.ID, c.Decision == "continue")
	if err != nil {
		return err
	}
	printOutcome(out)
	return nil
}

func printOutcome(out protocol.Outcome) {
	switch {
	case out.Completed && out.Resolved > 0:
		fmt.Printf("round %d resolved, cell complete\n", out.Resolved)
	case out.Completed:
		fmt.Println("cell complete")
	case out.Resolved > 0:
		fmt.Printf("round %d resolved\n", out.Resolved)
	case out.Opened > 0:
		fmt.Printf("round %d opened\n", out.Opened)
	default:
		fmt.Println("recorded, waiting for the other participant")
	}
}

type WatchCmd struct {
	ClientFlags `kong:"embed"`
	ID          uint64 `kong:"arg,help='Cell id'"`
}

func (c *WatchCmd) Run() error {
	logger := shared.SetupLogger("info")
	ctx := shared.SetupSignalHandler(logger)
	cl, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer cl.Close()

	subCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	err = cl.Subscribe(subCtx, c.ID)
	cancel()
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-cl.Events():
			if !ok {
				return client.ErrClosed
			}
			logger.Info(strings.ReplaceAll(ev.Kind, "_", " "),
				"cell", ev.CellID,
				"round", ev.Round,
				"player", ev.Player,
				"payout1", ev.Payout1,
				"payout2", ev.Payout2,
			)
			if ev.Kind == "cell_complete" {
				return nil
			}
		}
	}
}

// ShowCmd reads through the HTTP API so it needs no identity.
type ShowCmd struct {
	Server string `kong:"default='http://localhost:8080',env='DILEMMA_SERVER',help='Server URL'"`
	ID     uint64 `kong:"arg,help='Cell id'"`
}

func (c *ShowCmd) Run() error {
	hc := &http.Client{Timeout: 10 * time.Second}
	base := strings.TrimSuffix(c.Server, "/")

	var view protocol.CellView
	if err := getJSON(hc, fmt.Sprintf("%s/cells/%d", base, c.ID), &view); err != nil {
		return err
	}
	var status protocol.StatusView
	if err := getJSON(hc, fmt.Sprintf("%s/cells/%d/status", base, c.ID), &status); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "cell\t%d\n", view.CellID)
	fmt.Fprintf(w, "player 1\t%s\n", view.Player1)
	fmt.Fprintf(w, "player 2\t%s\n", view.Player2)
	fmt.Fprintf(w, "stake\t%s\n", view.Stake)
	fmt.Fprintf(w, "rounds\t%d of %d\n", view.CurrentRound, view.TotalRounds)
	fmt.Fprintf(w, "complete\t%t\n", view.Complete)
	fmt.Fprintf(w, "votes\t%s / %s\n", vote(status.Player1Decided, status.Player1Wants), vote(status.Player2Decided, status.Player2Wants))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "ROUND\tP1\tP2\tPAYOUT 1\tPAYOUT 2")
	for n := uint8(1); n <= view.CurrentRound; n++ {
		var r protocol.RoundView
		if err := getJSON(hc, fmt.Sprintf("%s/cells/%d/rounds/%d", base, c.ID, n), &r); err != nil {
			return err
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", n,
			cell.Move(r.Player1Move), cell.Move(r.Player2Move), r.Player1Payout, r.Player2Payout)
	}
	return w.Flush()
}

func vote(decided, wants bool) string {
	switch {
	case !decided:
		return "undecided"
	case wants:
		return "continue"
	default:
		return "stop"
	}
}

func getJSON(hc *http.Client, url string, out any) error {
	resp, err := hc.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e protocol.Error
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Code != "" {
			return &client.Error{Code: e.Code, Message: e.Message}
		}
		return fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
