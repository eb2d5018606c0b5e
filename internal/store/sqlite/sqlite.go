// Package sqlite is a durable store backend on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
	_ "modernc.org/sqlite"

	"github.com/lox/dilemmacell/internal/store"
)

// Name is the backend name passed to store.Open.
const Name = "sqlite"

func init() {
	store.Register(Name, func(dir string) (store.Store, error) {
		return Open(filepath.Join(dir, "cells.sqlite"))
	})
}

const schema = `
CREATE TABLE IF NOT EXISTS cells (
	id     INTEGER PRIMARY KEY,
	record BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS bindings (
	addr    BLOB PRIMARY KEY,
	cell_id INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS pairs (
	pair_key BLOB PRIMARY KEY,
	cell_id  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
	name  TEXT PRIMARY KEY,
	value BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS owed (
	cell_id INTEGER NOT NULL,
	addr    BLOB NOT NULL,
	amount  BLOB NOT NULL,
	PRIMARY KEY (cell_id, addr)
);
`

// Store is a SQLite-backed store.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// One writer keeps counter allocation serial.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) LoadCell(ctx context.Context, id uint64) ([]byte, error) {
	var rec []byte
	err := s.db.QueryRowContext(ctx, `SELECT record FROM cells WHERE id = ?`, int64(id)).Scan(&rec)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return rec, err
}

func (s *Store) SaveCell(ctx context.Context, id uint64, record []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cells (id, record) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET record = excluded.record`,
		int64(id), record)
	return err
}

func (s *Store) NextCellID(ctx context.Context) (uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	last, err := metaID(ctx, tx, "counter")
	if err != nil {
		return 0, err
	}
	next := last + 1
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO meta (name, value) VALUES ('counter', ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
		store.EncodeID(next)); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *Store) CellCount(ctx context.Context) (uint64, error) {
	return metaID(ctx, s.db, "counter")
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func metaID(ctx context.Context, q queryer, name string) (uint64, error) {
	v, err := metaValue(ctx, q, name)
	if err != nil {
		return 0, err
	}
	return store.DecodeID(v), nil
}

// metaValue returns nil for a missing entry.
func metaValue(ctx context.Context, q queryer, name string) ([]byte, error) {
	var v []byte
	err := q.QueryRowContext(ctx, `SELECT value FROM meta WHERE name = ?`, name).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

func (s *Store) lookupID(ctx context.Context, query string, k []byte) (uint64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, query, k).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return uint64(id), err
}

func (s *Store) BoundCell(ctx context.Context, addr common.Address) (uint64, error) {
	return s.lookupID(ctx, `SELECT cell_id FROM bindings WHERE addr = ?`, addr[:])
}

func (s *Store) Bind(ctx context.Context, addr common.Address, id uint64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bindings (addr, cell_id) VALUES (?, ?) ON CONFLICT(addr) DO UPDATE SET cell_id = excluded.cell_id`,
		addr[:], int64(id))
	return err
}

func (s *Store) Unbind(ctx context.Context, addr common.Address) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM bindings WHERE addr = ?`, addr[:])
	return err
}

func (s *Store) PairCell(ctx context.Context, key common.Hash) (uint64, error) {
	return s.lookupID(ctx, `SELECT cell_id FROM pairs WHERE pair_key = ?`, key[:])
}

func (s *Store) SetPairCell(ctx context.Context, key common.Hash, id uint64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pairs (pair_key, cell_id) VALUES (?, ?) ON CONFLICT(pair_key) DO UPDATE SET cell_id = excluded.cell_id`,
		key[:], int64(id))
	return err
}

func (s *Store) LoadSettings(ctx context.Context) (store.Settings, error) {
	v, err := metaValue(ctx, s.db, "settings")
	if err != nil || v == nil {
		return store.Settings{}, err
	}
	return store.DecodeSettings(v)
}

func (s *Store) SaveSettings(ctx context.Context, settings store.Settings) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (name, value) VALUES ('settings', ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
		store.EncodeSettings(settings))
	return err
}

func (s *Store) AddOwed(ctx context.Context, o store.Owed) error {
	amount := o.Amount.Bytes32()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO owed (cell_id, addr, amount) VALUES (?, ?, ?) ON CONFLICT(cell_id, addr) DO UPDATE SET amount = excluded.amount`,
		int64(o.CellID), o.To[:], amount[:])
	return err
}

func (s *Store) Owed(ctx context.Context) ([]store.Owed, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT cell_id, addr, amount FROM owed ORDER BY cell_id, addr`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Owed
	for rows.Next() {
		var (
			id     int64
			addr   []byte
			amount []byte
		)
		if err := rows.Scan(&id, &addr, &amount); err != nil {
			return nil, err
		}
		o := store.Owed{CellID: uint64(id), To: common.BytesToAddress(addr)}
		o.Amount.SetBytes32(amount)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) ClearOwed(ctx context.Context, cellID uint64, to common.Address) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM owed WHERE cell_id = ? AND addr = ?`, int64(cellID), to[:])
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}
