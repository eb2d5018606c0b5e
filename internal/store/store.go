// Package store defines the keyed stores the engine persists through and a
// registry of backends that implement them.
//
// The engine sees four independent collaborators: cell records by id,
// participant bindings by address, cell ids by pairing key, and the
// settings/ledger metadata. A backend usually implements all of them on one
// handle, but nothing in the engine relies on that.
package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ErrNotFound is returned by LoadCell for an id that was never saved.
var ErrNotFound = errors.New("store: not found")

// Settings is the one-time engine configuration.
type Settings struct {
	Owner       common.Address
	MinStake    uint256.Int
	Initialized bool
}

// Owed is a settlement payment that failed and has not been retried
// successfully yet.
type Owed struct {
	CellID uint64
	To     common.Address
	Amount uint256.Int
}

// Cells stores encoded cell records by integer id.
type Cells interface {
	LoadCell(ctx context.Context, id uint64) ([]byte, error)
	SaveCell(ctx context.Context, id uint64, record []byte) error
	// NextCellID allocates the next id. Ids start at 1; 0 means "no cell".
	NextCellID(ctx context.Context) (uint64, error)
	CellCount(ctx context.Context) (uint64, error)
}

// Bindings maps a participant to the open cell they are in.
type Bindings interface {
	// BoundCell returns 0 for an unbound participant.
	BoundCell(ctx context.Context, addr common.Address) (uint64, error)
	Bind(ctx context.Context, addr common.Address, id uint64) error
	Unbind(ctx context.Context, addr common.Address) error
}

// Pairs maps a pairing key to the cell the pair played in.
type Pairs interface {
	// PairCell returns 0 for an unknown pair.
	PairCell(ctx context.Context, key common.Hash) (uint64, error)
	SetPairCell(ctx context.Context, key common.Hash, id uint64) error
}

// Meta holds the engine settings.
type Meta interface {
	// LoadSettings returns the zero Settings before initialisation.
	LoadSettings(ctx context.Context) (Settings, error)
	SaveSettings(ctx context.Context, s Settings) error
}

// Ledger tracks settlement payments that could not be made.
type Ledger interface {
	// AddOwed records a payment; a second entry for the same cell and
	// recipient replaces the first.
	AddOwed(ctx context.Context, o Owed) error
	// Owed lists outstanding payments ordered by cell id then recipient.
	Owed(ctx context.Context) ([]Owed, error)
	ClearOwed(ctx context.Context, cellID uint64, to common.Address) error
}

// Store is a backend implementing every keyed store.
type Store interface {
	Cells
	Bindings
	Pairs
	Meta
	Ledger
	io.Closer
}

// Creator opens a backend rooted at dir. In-memory backends ignore dir.
type Creator func(dir string) (Store, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Creator{}
)

// Register makes a backend available to Open. Backends call it from init.
func Register(name string, creator Creator) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("store: backend registered twice: " + name)
	}
	registry[name] = creator
}

// Open opens the named backend.
func Open(name, dir string) (Store, error) {
	registryMu.RLock()
	creator, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("store: unknown backend %q (have %v)", name, Backends())
	}
	return creator(dir)
}

// Backends lists the registered backend names.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EncodeID is the fixed 8-byte big-endian form used for cell ids in values
// and ordered keys.
func EncodeID(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return b[:]
}

// DecodeID is the inverse of EncodeID. Short input decodes to 0.
func DecodeID(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

const settingsLen = common.AddressLength + 32 + 1

// EncodeSettings serialises Settings for byte-oriented backends.
func EncodeSettings(s Settings) []byte {
	out := make([]byte, 0, settingsLen)
	out = append(out, s.Owner.Bytes()...)
	stake := s.MinStake.Bytes32()
	out = append(out, stake[:]...)
	if s.Initialized {
		return append(out, 1)
	}
	return append(out, 0)
}

// DecodeSettings is the inverse of EncodeSettings.
func DecodeSettings(b []byte) (Settings, error) {
	var s Settings
	if len(b) != settingsLen {
		return s, fmt.Errorf("store: settings record has %d bytes, want %d", len(b), settingsLen)
	}
	s.Owner = common.BytesToAddress(b[:common.AddressLength])
	s.MinStake.SetBytes32(b[common.AddressLength : common.AddressLength+32])
	s.Initialized = b[settingsLen-1] != 0
	return s, nil
}

// SortOwed orders entries by cell id then recipient.
func SortOwed(owed []Owed) {
	sort.Slice(owed, func(i, j int) bool {
		if owed[i].CellID != owed[j].CellID {
			return owed[i].CellID < owed[j].CellID
		}
		return bytes.Compare(owed[i].To[:], owed[j].To[:]) < 0
	})
}
