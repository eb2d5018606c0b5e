package engine

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/dilemmacell/internal/cell"
	"github.com/lox/dilemmacell/internal/escrow"
	"github.com/lox/dilemmacell/internal/store"
	"github.com/lox/dilemmacell/internal/store/memstore"
)

var (
	owner   = common.HexToAddress("0x000000000000000000000000000000000000000f")
	alice   = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob     = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol   = common.HexToAddress("0x00000000000000000000000000000000000ca401")
	mallory = common.HexToAddress("0x000000000000000000000000000000000000bad0")
)

const (
	cooperate byte = 0
	defect    byte = 1
)

func u(v uint64) uint256.Int {
	return *uint256.NewInt(v)
}

// recorder collects published events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.EventType()
	}
	return out
}

type harness struct {
	engine *Engine
	store  *memstore.Store
	vault  *escrow.Vault
	events *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  memstore.New(),
		vault:  escrow.NewVault(),
		events: &recorder{},
	}
	h.engine = New(StoresFrom(h.store),
		WithLogger(log.NewWithOptions(io.Discard, log.Options{Level: log.ErrorLevel})),
		WithClock(quartz.NewMock(t)),
		WithSink(h.events),
		WithCustodian(h.vault),
	)
	require.NoError(t, h.engine.Initialize(context.Background(), owner, u(100)))
	return h
}

// fund tops up the vault so payouts above the escrowed stakes succeed.
func (h *harness) fund(amount uint64) {
	h.vault.Deposit(common.Address{}, uint256.NewInt(amount))
}

// open creates and joins a cell with the given round target.
func (h *harness) open(t *testing.T, p1, p2 common.Address, totalRounds uint8) uint64 {
	t.Helper()
	ctx := context.Background()
	id, err := h.engine.CreateCell(ctx, p1, u(100), uint64(totalRounds-1))
	require.NoError(t, err)
	require.NoError(t, h.engine.JoinCell(ctx, id, p2, u(100)))
	return id
}

func (h *harness) play(t *testing.T, id uint64, m1, m2 byte) cell.Outcome {
	t.Helper()
	ctx := context.Background()
	_, err := h.engine.SubmitMove(ctx, id, alice, m1)
	require.NoError(t, err)
	out, err := h.engine.SubmitMove(ctx, id, bob, m2)
	require.NoError(t, err)
	return out
}

func TestInitializeIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.Initialize(ctx, mallory, u(1)))

	got, err := h.engine.Owner(ctx)
	require.NoError(t, err)
	assert.Equal(t, owner, got)
	stake, err := h.engine.MinStake(ctx)
	require.NoError(t, err)
	assert.Equal(t, u(100), stake)
}

func TestCreateCellRequiresInitialize(t *testing.T) {
	t.Parallel()
	e := New(StoresFrom(memstore.New()))
	_, err := e.CreateCell(context.Background(), alice, u(100), 0)
	assert.ErrorIs(t, err, cell.ErrNotInitialized)
}

func TestCreateCell(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.engine.CreateCell(ctx, alice, u(150), 12)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	sum, err := h.engine.Cell(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, alice, sum.Player1)
	assert.Equal(t, common.Address{}, sum.Player2)
	assert.Equal(t, u(150), sum.Stake)
	assert.Equal(t, uint8(3), sum.TotalRounds)
	assert.Zero(t, sum.CurrentRound)

	bound, err := h.engine.PlayerCell(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, id, bound)

	n, err := h.engine.CellCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	assert.Equal(t, u(150), h.vault.Balance())
	assert.Equal(t, []EventType{EventTypeCellCreated}, h.events.types())
}

func TestCreateCellRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		creator common.Address
		stake   uint256.Int
		want    error
	}{
		{"stake below minimum", carol, u(99), cell.ErrStakeTooLow},
		{"stake above maximum", carol, *new(uint256.Int).AddUint64(cell.MaxStake, 1), cell.ErrStakeTooHigh},
		{"creator already bound", alice, u(100), cell.ErrAlreadyInCell},
		{"empty identity", common.Address{}, u(100), cell.ErrInvalidIdentity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			ctx := context.Background()
			_, err := h.engine.CreateCell(ctx, alice, u(100), 0)
			require.NoError(t, err)

			_, err = h.engine.CreateCell(ctx, tt.creator, tt.stake, 0)
			assert.ErrorIs(t, err, tt.want)

			n, err := h.engine.CellCount(ctx)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), n, "no id allocated on failure")
		})
	}
}

func TestMinimumStakeIsAccepted(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	_, err := h.engine.CreateCell(context.Background(), alice, u(100), 0)
	assert.NoError(t, err)
}

func TestJoinCell(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	id := h.open(t, alice, bob, 3)

	sum, err := h.engine.Cell(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, bob, sum.Player2)
	assert.Equal(t, uint8(1), sum.CurrentRound)

	rounds, err := h.engine.RoundCount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, rounds)

	for _, pair := range [][2]common.Address{{alice, bob}, {bob, alice}} {
		got, err := h.engine.PlayersCell(ctx, pair[0], pair[1])
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}
	got, err := h.engine.PlayersCell(ctx, alice, carol)
	require.NoError(t, err)
	assert.Zero(t, got)

	assert.Equal(t, u(200), h.vault.Balance())
	assert.Equal(t, []EventType{EventTypeCellCreated, EventTypePlayerJoined}, h.events.types())
}

func TestJoinCellRejects(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name   string
		id     uint64
		joiner common.Address
		stake  uint256.Int
		want   error
	}{
		{"unknown cell", 99, bob, u(100), cell.ErrCellNotFound},
		{"creator joins own cell", 1, alice, u(100), cell.ErrAlreadyInCell},
		{"joiner bound elsewhere", 1, carol, u(100), cell.ErrAlreadyInCell},
		{"cell full", 2, bob, u(100), cell.ErrCellFull},
		{"wrong stake", 1, bob, u(101), cell.ErrWrongStake},
		{"empty identity", 1, common.Address{}, u(100), cell.ErrInvalidIdentity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			first, err := h.engine.CreateCell(ctx, alice, u(100), 0)
			require.NoError(t, err)
			second := h.openWith(t, carol, mallory)
			require.Equal(t, uint64(2), second)

			before, err := h.engine.Record(ctx, first)
			require.NoError(t, err)

			err = h.engine.JoinCell(ctx, tt.id, tt.joiner, tt.stake)
			assert.ErrorIs(t, err, tt.want)

			after, err := h.engine.Record(ctx, first)
			require.NoError(t, err)
			assert.Equal(t, before, after, "record unchanged")
			bound, err := h.engine.PlayerCell(ctx, bob)
			require.NoError(t, err)
			assert.Zero(t, bound, "joiner not bound")
		})
	}
}

func (h *harness) openWith(t *testing.T, p1, p2 common.Address) uint64 {
	t.Helper()
	ctx := context.Background()
	id, err := h.engine.CreateCell(ctx, p1, u(100), 0)
	require.NoError(t, err)
	require.NoError(t, h.engine.JoinCell(ctx, id, p2, u(100)))
	return id
}

func TestMutationsOnUnknownCell(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.SubmitMove(ctx, 7, alice, cooperate)
	assert.ErrorIs(t, err, cell.ErrCellNotFound)
	_, err = h.engine.SubmitContinuationDecision(ctx, 7, alice, true)
	assert.ErrorIs(t, err, cell.ErrCellNotFound)
}

func TestQueriesOnUnknownCell(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	sum, err := h.engine.Cell(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, cell.Summary{}, sum)

	res, err := h.engine.RoundResult(ctx, 42, 1)
	require.NoError(t, err)
	assert.Equal(t, cell.RoundResult{}, res)

	status, err := h.engine.ContinuationStatus(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, cell.VoteStatus{}, status)

	rec, err := h.engine.Record(ctx, 42)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestCooperateContinueScenario(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fund(1000)
	ctx := context.Background()
	id := h.open(t, alice, bob, 2)

	out := h.play(t, id, cooperate, cooperate)
	assert.Equal(t, cell.Outcome{Resolved: 1}, out)

	res, err := h.engine.RoundResult(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, cell.RoundResult{Player1Move: cell.Cooperate, Player2Move: cell.Cooperate, Player1Payout: u(100), Player2Payout: u(100)}, res)

	_, err = h.engine.SubmitContinuationDecision(ctx, id, alice, true)
	require.NoError(t, err)
	status, err := h.engine.ContinuationStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, cell.VoteStatus{Player1Decided: true, Player1Wants: true}, status)

	out, err = h.engine.SubmitContinuationDecision(ctx, id, bob, true)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), out.Opened)

	status, err = h.engine.ContinuationStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, cell.VoteStatus{}, status, "votes reset once resolved")

	out = h.play(t, id, cooperate, cooperate)
	assert.Equal(t, cell.Outcome{Resolved: 2, Completed: true}, out)

	sum, err := h.engine.Cell(ctx, id)
	require.NoError(t, err)
	assert.True(t, sum.Complete)
	assert.Equal(t, u(200), h.vault.Credited(alice))
	assert.Equal(t, u(200), h.vault.Credited(bob))

	for _, addr := range []common.Address{alice, bob} {
		bound, err := h.engine.PlayerCell(ctx, addr)
		require.NoError(t, err)
		assert.Zero(t, bound, "binding cleared")
	}

	assert.Equal(t, []EventType{
		EventTypeCellCreated,
		EventTypePlayerJoined,
		EventTypeRoundComplete,
		EventTypeRoundOpened,
		EventTypeRoundComplete,
		EventTypeCellComplete,
	}, h.events.types())
}

func TestFinalRoundSettlesWithoutVote(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fund(1000)
	ctx := context.Background()
	id := h.open(t, alice, bob, 1)

	out := h.play(t, id, defect, cooperate)
	assert.True(t, out.Completed)

	assert.Equal(t, u(150), h.vault.Credited(alice))
	assert.Equal(t, u(50), h.vault.Credited(bob))

	_, err := h.engine.SubmitContinuationDecision(ctx, id, alice, true)
	assert.ErrorIs(t, err, cell.ErrCellIsComplete)
	_, err = h.engine.SubmitMove(ctx, id, alice, cooperate)
	assert.ErrorIs(t, err, cell.ErrCellIsComplete)

	// Both are free to play again.
	next := h.open(t, bob, alice, 1)
	assert.Equal(t, uint64(2), next)
	got, err := h.engine.PlayersCell(ctx, alice, bob)
	require.NoError(t, err)
	assert.Equal(t, next, got, "pair key points at the latest cell")
}

func TestOneSidedStopLeavesCellOpen(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fund(1000)
	ctx := context.Background()
	id := h.open(t, alice, bob, 5)
	h.play(t, id, defect, defect)

	_, err := h.engine.SubmitContinuationDecision(ctx, id, alice, false)
	require.NoError(t, err)

	sum, err := h.engine.Cell(ctx, id)
	require.NoError(t, err)
	assert.False(t, sum.Complete)
	bound, err := h.engine.PlayerCell(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, id, bound)

	out, err := h.engine.SubmitContinuationDecision(ctx, id, bob, true)
	require.NoError(t, err)
	assert.True(t, out.Completed, "any stop ends the cell")
	assert.Equal(t, u(50), h.vault.Credited(alice))
	assert.Equal(t, u(50), h.vault.Credited(bob))
}

func TestFailedPaymentIsOwed(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	// Stakes cover 200; defect/cooperate pays 150 + 50, then 150 + 50 again.
	id := h.open(t, alice, bob, 2)
	h.play(t, id, defect, cooperate)
	_, err := h.engine.SubmitContinuationDecision(ctx, id, alice, true)
	require.NoError(t, err)
	_, err = h.engine.SubmitContinuationDecision(ctx, id, bob, true)
	require.NoError(t, err)

	out := h.play(t, id, defect, cooperate)
	require.True(t, out.Completed)

	sum, err := h.engine.Cell(ctx, id)
	require.NoError(t, err)
	assert.True(t, sum.Complete, "completion is not rolled back")
	bound, err := h.engine.PlayerCell(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, bound)

	// Alice's 300 cannot be covered; Bob's 100 can.
	assert.Equal(t, uint256.Int{}, h.vault.Credited(alice))
	assert.Equal(t, u(100), h.vault.Credited(bob))

	owed, err := h.engine.Owed(ctx)
	require.NoError(t, err)
	require.Len(t, owed, 1)
	assert.Equal(t, store.Owed{CellID: id, To: alice, Amount: u(300)}, owed[0])
	assert.Contains(t, h.events.types(), EventTypePaymentFailed)

	paid, remaining, err := h.engine.RetryOwed(ctx)
	require.NoError(t, err)
	assert.Zero(t, paid)
	assert.Equal(t, 1, remaining)

	h.fund(1000)
	paid, remaining, err = h.engine.RetryOwed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, paid)
	assert.Zero(t, remaining)
	assert.Equal(t, u(300), h.vault.Credited(alice))

	owed, err = h.engine.Owed(ctx)
	require.NoError(t, err)
	assert.Empty(t, owed)
}

// failingStore fails SaveCell or SetPairCell once armed.
type failingStore struct {
	*memstore.Store
	fail     bool
	failPair bool
}

func (f *failingStore) SaveCell(ctx context.Context, id uint64, rec []byte) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.Store.SaveCell(ctx, id, rec)
}

func (f *failingStore) SetPairCell(ctx context.Context, key common.Hash, id uint64) error {
	if f.failPair {
		return errors.New("pair index unavailable")
	}
	return f.Store.SetPairCell(ctx, key, id)
}

func TestJoinRollsBackOnPairFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := &failingStore{Store: memstore.New()}
	e := New(StoresFrom(fs))
	require.NoError(t, e.Initialize(ctx, owner, u(1)))
	id, err := e.CreateCell(ctx, alice, u(10), 0)
	require.NoError(t, err)

	fs.failPair = true
	err = e.JoinCell(ctx, id, bob, u(10))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pair index unavailable")

	summary, err := e.Cell(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, common.Address{}, summary.Player2)
	assert.Zero(t, summary.CurrentRound)

	bound, err := e.PlayerCell(ctx, bob)
	require.NoError(t, err)
	assert.Zero(t, bound)

	fs.failPair = false
	require.NoError(t, e.JoinCell(ctx, id, bob, u(10)))
	bound, err = e.PlayerCell(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, id, bound)
	paired, err := e.PlayersCell(ctx, bob, alice)
	require.NoError(t, err)
	assert.Equal(t, id, paired)
}

func TestStoreErrorsAreWrapped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := &failingStore{Store: memstore.New()}
	e := New(StoresFrom(fs))
	require.NoError(t, e.Initialize(ctx, owner, u(1)))
	id, err := e.CreateCell(ctx, alice, u(10), 0)
	require.NoError(t, err)

	fs.fail = true
	err = e.JoinCell(ctx, id, bob, u(10))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, "Internal", cell.Code(err))

	bound, err := e.PlayerCell(ctx, bob)
	require.NoError(t, err)
	assert.Zero(t, bound)
}

func TestBindingExclusiveUnderContention(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	const attempts = 20
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids []uint64
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := h.engine.CreateCell(ctx, alice, u(100), 0)
			if err != nil {
				assert.ErrorIs(t, err, cell.ErrAlreadyInCell)
				return
			}
			mu.Lock()
			ids = append(ids, id)
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, ids, 1)
}

func TestConcurrentJoinsOneWinner(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	id, err := h.engine.CreateCell(ctx, alice, u(100), 0)
	require.NoError(t, err)

	joiners := []common.Address{bob, carol, mallory, common.HexToAddress("0x1234")}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []common.Address
	)
	for _, j := range joiners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.engine.JoinCell(ctx, id, j, u(100)); err != nil {
				assert.ErrorIs(t, err, cell.ErrCellFull)
				return
			}
			mu.Lock()
			winners = append(winners, j)
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, winners, 1)

	sum, err := h.engine.Cell(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, winners[0], sum.Player2)
}

func TestConcurrentMovesResolveOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fund(1 << 20)
	ctx := context.Background()

	const cells = 16
	players := make([][2]common.Address, cells)
	ids := make([]uint64, cells)
	for i := range players {
		players[i] = [2]common.Address{
			common.BytesToAddress([]byte{0xa0, byte(i + 1)}),
			common.BytesToAddress([]byte{0xb0, byte(i + 1)}),
		}
		ids[i] = h.openWith(t, players[i][0], players[i][1])
	}

	var wg sync.WaitGroup
	for i := range ids {
		for seat := 0; seat < 2; seat++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := h.engine.SubmitMove(ctx, ids[i], players[i][seat], cooperate)
				assert.NoError(t, err)
			}()
		}
	}
	wg.Wait()

	completes := 0
	for _, typ := range h.events.types() {
		if typ == EventTypeCellComplete {
			completes++
		}
	}
	assert.Equal(t, cells, completes)
}

func TestRetryLoopPaysOwed(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := quartz.NewMock(t)
	st := memstore.New()
	vault := escrow.NewVault()
	e := New(StoresFrom(st), WithClock(clock), WithCustodian(vault))
	require.NoError(t, st.AddOwed(ctx, store.Owed{CellID: 1, To: alice, Amount: u(10)}))
	vault.Deposit(common.Address{}, uint256.NewInt(10))

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.RetryLoop(ctx, time.Minute)
	}()

	require.Eventually(t, func() bool {
		clock.Advance(time.Minute)
		owed, err := e.Owed(ctx)
		return err == nil && len(owed) == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, u(10), vault.Credited(alice))

	cancel()
	<-done
}
