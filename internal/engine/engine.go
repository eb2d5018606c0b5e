// Package engine runs cells against the keyed stores.
//
// Every operation decodes the cell record, applies the change to the decoded
// value, and saves only when the change succeeds, so a rejected call leaves
// no trace. When a later store write in the same operation fails, the earlier
// record is written back. Operations on
// one cell are serialised by a striped lock keyed on the cell id; the binding
// table has its own lock so an identity is bound to at most one open cell.
// Lock order is always cell then bindings.
package engine

import (
	"io"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"

	"github.com/lox/dilemmacell/internal/escrow"
	"github.com/lox/dilemmacell/internal/store"
)

const lockStripes = 64

// Stores are the collaborators the engine persists through. They are usually
// one backend but need not be.
type Stores struct {
	Cells    store.Cells
	Bindings store.Bindings
	Pairs    store.Pairs
	Meta     store.Meta
	Ledger   store.Ledger
}

// StoresFrom uses one backend for every keyed store.
func StoresFrom(s store.Store) Stores {
	return Stores{Cells: s, Bindings: s, Pairs: s, Meta: s, Ledger: s}
}

// Engine is safe for concurrent use.
type Engine struct {
	stores  Stores
	custody escrow.Custodian
	sink    Sink
	logger  *log.Logger
	clock   quartz.Clock

	cellLocks [lockStripes]sync.Mutex
	bindMu    sync.Mutex
	metaMu    sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) {
		e.logger = logger.WithPrefix("engine")
	}
}

// WithClock sets the clock used to stamp events.
func WithClock(clock quartz.Clock) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithSink sets where events are published.
func WithSink(sink Sink) Option {
	return func(e *Engine) {
		e.sink = sink
	}
}

// WithCustodian sets who holds stakes and pays settlements.
func WithCustodian(c escrow.Custodian) Option {
	return func(e *Engine) {
		e.custody = c
	}
}

// New returns an engine over stores. Without options it logs nowhere, uses
// the real clock, drops events and holds stakes in a fresh escrow.Vault.
func New(stores Stores, opts ...Option) *Engine {
	e := &Engine{
		stores:  stores,
		custody: escrow.NewVault(),
		sink:    nopSink{},
		logger:  log.NewWithOptions(io.Discard, log.Options{}),
		clock:   quartz.NewReal(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) cellLock(id uint64) *sync.Mutex {
	return &e.cellLocks[id%lockStripes]
}
