// Package memstore is an in-memory store backend for tests and ephemeral
// servers.
package memstore

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/lox/dilemmacell/internal/store"
)

// Name is the backend name passed to store.Open.
const Name = "memory"

func init() {
	store.Register(Name, func(string) (store.Store, error) {
		return New(), nil
	})
}

type owedKey struct {
	cellID uint64
	to     common.Address
}

// Store keeps every keyed store in maps guarded by one lock.
type Store struct {
	mu       sync.RWMutex
	counter  uint64
	cells    map[uint64][]byte
	bindings map[common.Address]uint64
	pairs    map[common.Hash]uint64
	settings store.Settings
	owed     map[owedKey]store.Owed
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		cells:    make(map[uint64][]byte),
		bindings: make(map[common.Address]uint64),
		pairs:    make(map[common.Hash]uint64),
		owed:     make(map[owedKey]store.Owed),
	}
}

func (s *Store) LoadCell(_ context.Context, id uint64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.cells[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), rec...), nil
}

func (s *Store) SaveCell(_ context.Context, id uint64, record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cells[id] = append([]byte(nil), record...)
	return nil
}

func (s *Store) NextCellID(context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	return s.counter, nil
}

func (s *Store) CellCount(context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counter, nil
}

func (s *Store) BoundCell(_ context.Context, addr common.Address) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bindings[addr], nil
}

func (s *Store) Bind(_ context.Context, addr common.Address, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[addr] = id
	return nil
}

func (s *Store) Unbind(_ context.Context, addr common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bindings, addr)
	return nil
}

func (s *Store) PairCell(_ context.Context, key common.Hash) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pairs[key], nil
}

func (s *Store) SetPairCell(_ context.Context, key common.Hash, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs[key] = id
	return nil
}

func (s *Store) LoadSettings(context.Context) (store.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings, nil
}

func (s *Store) SaveSettings(_ context.Context, settings store.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	return nil
}

func (s *Store) AddOwed(_ context.Context, o store.Owed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owed[owedKey{o.CellID, o.To}] = o
	return nil
}

func (s *Store) Owed(context.Context) ([]store.Owed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Owed, 0, len(s.owed))
	for _, o := range s.owed {
		out = append(out, o)
	}
	store.SortOwed(out)
	return out, nil
}

func (s *Store) ClearOwed(_ context.Context, cellID uint64, to common.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.owed, owedKey{cellID, to})
	return nil
}

func (s *Store) Close() error {
	return nil
}
