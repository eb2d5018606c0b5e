// Package leveldb is a durable store backend on goleveldb.
//
// Every keyed store lives in the same database under its own prefix:
//
//	cell/<id:8>          encoded cell record
//	bind/<addr:20>       bound cell id
//	pair/<hash:32>       paired cell id
//	meta/counter         last allocated cell id
//	meta/settings        encoded settings
//	owed/<id:8><addr:20> owed amount, 32 bytes
package leveldb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/lox/dilemmacell/internal/store"
)

// Name is the backend name passed to store.Open.
const Name = "leveldb"

func init() {
	store.Register(Name, func(dir string) (store.Store, error) {
		return Open(filepath.Join(dir, "cells.db"))
	})
}

var (
	prefixCell = []byte("cell/")
	prefixBind = []byte("bind/")
	prefixPair = []byte("pair/")
	prefixOwed = []byte("owed/")

	keyCounter  = []byte("meta/counter")
	keySettings = []byte("meta/settings")
)

// Store is a goleveldb-backed store.
type Store struct {
	db *leveldb.DB
	// idMu serialises counter read-increment-write.
	idMu sync.Mutex
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the database at path, recovering it if corrupted.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		OpenFilesCacheCapacity: 64,
		BlockCacheCapacity:     16 * opt.MiB,
		WriteBuffer:            8 * opt.MiB,
		Filter:                 filter.NewBloomFilter(10),
	})
	var corrupted *lerrors.ErrCorrupted
	if errors.As(err, &corrupted) {
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("leveldb: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func key(prefix []byte, parts ...[]byte) []byte {
	n := len(prefix)
	for _, p := range parts {
		n += len(p)
	}
	k := make([]byte, 0, n)
	k = append(k, prefix...)
	for _, p := range parts {
		k = append(k, p...)
	}
	return k
}

// get returns nil, nil for a missing key.
func (s *Store) get(k []byte) ([]byte, error) {
	v, err := s.db.Get(k, nil)
	if errors.Is(err, lerrors.ErrNotFound) {
		return nil, nil
	}
	return v, err
}

func (s *Store) getID(k []byte) (uint64, error) {
	v, err := s.get(k)
	if err != nil {
		return 0, err
	}
	return store.DecodeID(v), nil
}

func (s *Store) LoadCell(_ context.Context, id uint64) ([]byte, error) {
	v, err := s.db.Get(key(prefixCell, store.EncodeID(id)), nil)
	if errors.Is(err, lerrors.ErrNotFound) {
		return nil, store.ErrNotFound
	}
	return v, err
}

func (s *Store) SaveCell(_ context.Context, id uint64, record []byte) error {
	return s.db.Put(key(prefixCell, store.EncodeID(id)), record, nil)
}

func (s *Store) NextCellID(context.Context) (uint64, error) {
	s.idMu.Lock()
	defer s.idMu.Unlock()

	last, err := s.getID(keyCounter)
	if err != nil {
		return 0, err
	}
	next := last + 1
	if err := s.db.Put(keyCounter, store.EncodeID(next), &opt.WriteOptions{Sync: true}); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *Store) CellCount(context.Context) (uint64, error) {
	return s.getID(keyCounter)
}

func (s *Store) BoundCell(_ context.Context, addr common.Address) (uint64, error) {
	return s.getID(key(prefixBind, addr[:]))
}

func (s *Store) Bind(_ context.Context, addr common.Address, id uint64) error {
	return s.db.Put(key(prefixBind, addr[:]), store.EncodeID(id), nil)
}

func (s *Store) Unbind(_ context.Context, addr common.Address) error {
	return s.db.Delete(key(prefixBind, addr[:]), nil)
}

func (s *Store) PairCell(_ context.Context, h common.Hash) (uint64, error) {
	return s.getID(key(prefixPair, h[:]))
}

func (s *Store) SetPairCell(_ context.Context, h common.Hash, id uint64) error {
	return s.db.Put(key(prefixPair, h[:]), store.EncodeID(id), nil)
}

func (s *Store) LoadSettings(context.Context) (store.Settings, error) {
	v, err := s.get(keySettings)
	if err != nil || v == nil {
		return store.Settings{}, err
	}
	return store.DecodeSettings(v)
}

func (s *Store) SaveSettings(_ context.Context, settings store.Settings) error {
	return s.db.Put(keySettings, store.EncodeSettings(settings), &opt.WriteOptions{Sync: true})
}

func (s *Store) AddOwed(_ context.Context, o store.Owed) error {
	amount := o.Amount.Bytes32()
	return s.db.Put(key(prefixOwed, store.EncodeID(o.CellID), o.To[:]), amount[:], &opt.WriteOptions{Sync: true})
}

func (s *Store) Owed(context.Context) ([]store.Owed, error) {
	iter := s.db.NewIterator(util.BytesPrefix(prefixOwed), nil)
	defer iter.Release()

	var out []store.Owed
	for iter.Next() {
		k := iter.Key()[len(prefixOwed):]
		if len(k) != 8+common.AddressLength || len(iter.Value()) != 32 {
			return nil, fmt.Errorf("leveldb: malformed owed entry %x", iter.Key())
		}
		o := store.Owed{
			CellID: store.DecodeID(k[:8]),
			To:     common.BytesToAddress(k[8:]),
		}
		o.Amount.SetBytes32(iter.Value())
		out = append(out, o)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	// Keys already sort by big-endian id then address.
	return out, nil
}

func (s *Store) ClearOwed(_ context.Context, cellID uint64, to common.Address) error {
	return s.db.Delete(key(prefixOwed, store.EncodeID(cellID), to[:]), nil)
}

func (s *Store) Close() error {
	return s.db.Close()
}
