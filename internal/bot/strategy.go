// Package bot plays cells automatically with a fixed strategy.
package bot

import (
	"fmt"
	rand "math/rand/v2"
	"sort"

	"github.com/lox/dilemmacell/internal/cell"
	"github.com/lox/dilemmacell/internal/randutil"
)

// Exchange is one finished round seen from the bot's seat.
type Exchange struct {
	Mine   cell.Move
	Theirs cell.Move
}

// History lists finished rounds, oldest first.
type History []Exchange

func (h History) last() (Exchange, bool) {
	if len(h) == 0 {
		return Exchange{}, false
	}
	return h[len(h)-1], true
}

// Strategy picks moves and continuation votes.
type Strategy interface {
	Name() string
	Move(h History) cell.Move
	Continue(h History) bool
}

type constant struct {
	name string
	move cell.Move
}

func (s constant) Name() string           { return s.name }
func (s constant) Move(History) cell.Move { return s.move }
func (s constant) Continue(History) bool  { return true }

// AlwaysCooperate cooperates every round.
func AlwaysCooperate() Strategy { return constant{"cooperate", cell.Cooperate} }

// AlwaysDefect defects every round.
func AlwaysDefect() Strategy { return constant{"defect", cell.Defect} }

// TitForTat opens with cooperation and then copies the opponent's last move.
// It votes to stop after being exploited.
type TitForTat struct{}

func (TitForTat) Name() string { return "tit-for-tat" }

func (TitForTat) Move(h History) cell.Move {
	if e, ok := h.last(); ok {
		return e.Theirs
	}
	return cell.Cooperate
}

func (TitForTat) Continue(h History) bool {
	e, ok := h.last()
	return !ok || e.Theirs == cell.Cooperate || e.Mine == cell.Defect
}

// Grim cooperates until the opponent defects once, then defects for good.
type Grim struct{}

func (Grim) Name() string { return "grim" }

func (Grim) Move(h History) cell.Move {
	for _, e := range h {
		if e.Theirs == cell.Defect {
			return cell.Defect
		}
	}
	return cell.Cooperate
}

func (Grim) Continue(History) bool { return true }

// Random defects with probability DefectRate and continues with probability
// ContinueRate.
type Random struct {
	rng          *rand.Rand
	DefectRate   float64
	ContinueRate float64
}

// NewRandom returns a coin-flipping strategy seeded with seed.
func NewRandom(seed int64) *Random {
	return &Random{rng: randutil.New(seed), DefectRate: 0.5, ContinueRate: 0.5}
}

func (r *Random) Name() string { return "random" }

func (r *Random) Move(History) cell.Move {
	if r.rng.Float64() < r.DefectRate {
		return cell.Defect
	}
	return cell.Cooperate
}

func (r *Random) Continue(History) bool {
	return r.rng.Float64() < r.ContinueRate
}

var strategies = map[string]func(seed int64) Strategy{
	"cooperate":   func(int64) Strategy { return AlwaysCooperate() },
	"defect":      func(int64) Strategy { return AlwaysDefect() },
	"tit-for-tat": func(int64) Strategy { return TitForTat{} },
	"grim":        func(int64) Strategy { return Grim{} },
	"random":      func(seed int64) Strategy { return NewRandom(seed) },
}

// ByName returns a registered strategy. seed only affects random.
func ByName(name string, seed int64) (Strategy, error) {
	mk, ok := strategies[name]
	if !ok {
		return nil, fmt.Errorf("bot: unknown strategy %q (have %v)", name, Names())
	}
	return mk(seed), nil
}

// Names lists the registered strategies.
func Names() []string {
	names := make([]string, 0, len(strategies))
	for name := range strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
