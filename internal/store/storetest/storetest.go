// Package storetest is a conformance suite every store backend runs.
package storetest

import (
	"context"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/dilemmacell/internal/store"
)

// Run exercises s against the store contract. open must return a fresh,
// empty store each call.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	t.Helper()

	t.Run("cells", func(t *testing.T) { testCells(t, open(t)) })
	t.Run("counter", func(t *testing.T) { testCounter(t, open(t)) })
	t.Run("bindings", func(t *testing.T) { testBindings(t, open(t)) })
	t.Run("pairs", func(t *testing.T) { testPairs(t, open(t)) })
	t.Run("settings", func(t *testing.T) { testSettings(t, open(t)) })
	t.Run("owed", func(t *testing.T) { testOwed(t, open(t)) })
}

var (
	alice = common.HexToAddress("0x1111111111111111111111111111111111111111")
	bob   = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func testCells(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.LoadCell(ctx, 1)
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.SaveCell(ctx, 1, []byte{1, 2, 3}))
	rec, err := s.LoadCell(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, rec)

	require.NoError(t, s.SaveCell(ctx, 1, []byte{9}))
	rec, err = s.LoadCell(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, rec, "save overwrites")
}

func testCounter(t *testing.T, s store.Store) {
	ctx := context.Background()

	n, err := s.CellCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	const workers, each = 4, 25
	var (
		mu   sync.Mutex
		seen = map[uint64]bool{}
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				id, err := s.NextCellID(ctx)
				assert.NoError(t, err)
				mu.Lock()
				assert.False(t, seen[id], "id %d allocated twice", id)
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for id := uint64(1); id <= workers*each; id++ {
		assert.True(t, seen[id], "id %d never allocated", id)
	}
	n, err = s.CellCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(workers*each), n)
}

func testBindings(t *testing.T, s store.Store) {
	ctx := context.Background()

	id, err := s.BoundCell(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, id)

	require.NoError(t, s.Bind(ctx, alice, 7))
	id, err = s.BoundCell(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), id)

	id, err = s.BoundCell(ctx, bob)
	require.NoError(t, err)
	assert.Zero(t, id)

	require.NoError(t, s.Unbind(ctx, alice))
	id, err = s.BoundCell(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, id)

	require.NoError(t, s.Unbind(ctx, bob), "unbinding an unbound address is fine")
}

func testPairs(t *testing.T, s store.Store) {
	ctx := context.Background()
	key := common.HexToHash("0xabcdef")

	id, err := s.PairCell(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, id)

	require.NoError(t, s.SetPairCell(ctx, key, 3))
	require.NoError(t, s.SetPairCell(ctx, key, 4))
	id, err = s.PairCell(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), id)
}

func testSettings(t *testing.T, s store.Store) {
	ctx := context.Background()

	got, err := s.LoadSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.Settings{}, got)

	want := store.Settings{Owner: alice, MinStake: *uint256.NewInt(1000), Initialized: true}
	require.NoError(t, s.SaveSettings(ctx, want))
	got, err = s.LoadSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func testOwed(t *testing.T, s store.Store) {
	ctx := context.Background()

	owed, err := s.Owed(ctx)
	require.NoError(t, err)
	assert.Empty(t, owed)

	entries := []store.Owed{
		{CellID: 2, To: bob, Amount: *uint256.NewInt(20)},
		{CellID: 1, To: bob, Amount: *uint256.NewInt(11)},
		{CellID: 1, To: alice, Amount: *uint256.NewInt(10)},
	}
	for _, o := range entries {
		require.NoError(t, s.AddOwed(ctx, o))
	}
	require.NoError(t, s.AddOwed(ctx, store.Owed{CellID: 2, To: bob, Amount: *uint256.NewInt(21)}))

	owed, err = s.Owed(ctx)
	require.NoError(t, err)
	assert.Equal(t, []store.Owed{
		{CellID: 1, To: alice, Amount: *uint256.NewInt(10)},
		{CellID: 1, To: bob, Amount: *uint256.NewInt(11)},
		{CellID: 2, To: bob, Amount: *uint256.NewInt(21)},
	}, owed)

	require.NoError(t, s.ClearOwed(ctx, 1, alice))
	owed, err = s.Owed(ctx)
	require.NoError(t, err)
	assert.Len(t, owed, 2)
	assert.Equal(t, uint64(1), owed[0].CellID)
	assert.Equal(t, bob, owed[0].To)
}
