package recovery

import (
	"binance-ladder-bot-go/internal/exchange"
	"binance-ladder-bot-go/internal/ladder"
	"binance-ladder-bot-go/internal/models"
	"binance-ladder-bot-go/internal/persistence"
	"binance-ladder-bot-go/internal/retry"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const symbol = "BTCUSDT"

var t0 = time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)

// countingStore counts non-empty commits.
type countingStore struct {
	persistence.Store
	mu      sync.Mutex
	commits int
}

func (s *countingStore) Commit(b *persistence.Batch) error {
	s.mu.Lock()
	if !b.Empty() {
		s.commits++
	}
	s.mu.Unlock()
	return s.Store.Commit(b)
}

func (s *countingStore) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

type fixture struct {
	store *countingStore
	paper *exchange.PaperExchange
	mgr   *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	inner, err := persistence.NewInMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { inner.Close() })
	store := &countingStore{Store: inner}

	paper, err := exchange.NewPaperExchange(models.PaperConfig{InitialBalance: 10000, TickSize: "0.1", StepSize: "0.001", MinNotional: "5"}, nil)
	require.NoError(t, err)
	paper.SetPrice(symbol, 60000, t0)

	policy := retry.Policy{Attempts: 2, Min: time.Millisecond, Max: time.Millisecond, Factor: 2}
	machine := ladder.NewMachine(store, paper, ladder.Config{Symbol: symbol, PostOnly: true, Timeout: 4 * time.Hour, MinNotional: 5, Retry: policy}, zap.NewNop())
	return &fixture{store: store, paper: paper, mgr: NewManager(store, paper, machine, policy, zap.NewNop())}
}

// seed writes an order in the given state; onExchange also submits it to the paper venue.
func (f *fixture) seed(t *testing.T, ladderID string, level int, price float64, state models.OrderState, onExchange bool) *models.LadderOrder {
	t.Helper()
	cid := ladder.ClientOrderID(ladderID, level)
	o := &models.LadderOrder{
		ID: cid, LadderID: ladderID, Symbol: symbol, Side: models.Buy, Kind: models.KindEntry,
		Level: level, Price: price, Size: 0.01, State: state, ClientOrderID: cid,
		CreatedAt: t0, UpdatedAt: t0,
	}
	if onExchange {
		ref, err := f.paper.PlaceOrder(context.Background(), exchange.OrderRequest{
			Symbol: symbol, Side: models.Buy, Type: exchange.OrderTypeLimit, Price: price, Size: 0.01, PostOnly: true, ClientOrderID: cid,
		})
		require.NoError(t, err)
		if state == models.StatePlaced || state == models.StateCancelling {
			o.ExchangeOrderID = ref.ExchangeOrderID
			o.PlacedAt = t0
		}
	}
	require.NoError(t, f.store.Commit(persistence.NewBatch().PutOrder(o)))
	return o
}

func (f *fixture) get(t *testing.T, id string) *models.LadderOrder {
	t.Helper()
	o, err := f.store.GetOrder(id)
	require.NoError(t, err)
	require.NotNil(t, o)
	return o
}

func (f *fixture) reconcile(t *testing.T) ladder.Report {
	t.Helper()
	rep, err := f.mgr.Reconcile(context.Background(), []string{symbol}, t0.Add(time.Hour))
	require.NoError(t, err)
	return rep
}

func TestCrashAfterTwoOfThreeLegs(t *testing.T) {
	f := newFixture(t)
	a := f.seed(t, "ladder-d", 0, 59900, models.StatePlaced, true)
	b := f.seed(t, "ladder-d", 1, 59800, models.StatePlaced, true)
	c := f.seed(t, "ladder-d", 2, 59700, models.StateIntended, false)
	placeCalls := f.paper.Calls("PlaceOrder")

	rep := f.reconcile(t)
	assert.Equal(t, 1, rep.Rejected)
	assert.Zero(t, rep.Placed)
	assert.Equal(t, models.StatePlaced, f.get(t, a.ID).State)
	assert.Equal(t, models.StatePlaced, f.get(t, b.ID).State)
	assert.Equal(t, models.StateRejected, f.get(t, c.ID).State)
	assert.Equal(t, placeCalls, f.paper.Calls("PlaceOrder"), "nothing resubmitted")

	open, err := f.paper.FetchOpenOrders(context.Background(), symbol)
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestReconcileIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "l1", 0, 59900, models.StatePlacing, true)
	f.seed(t, "l1", 1, 59800, models.StatePlacing, false)
	gone := f.seed(t, "l1", 2, 59700, models.StatePlaced, true)
	f.paper.Forget(gone.ClientOrderID)
	f.seed(t, "l2", 0, 59600, models.StatePlaced, true)

	first := f.reconcile(t)
	assert.Equal(t, 1, first.Placed)
	assert.Equal(t, 1, first.Rejected)
	assert.Len(t, first.Alerts, 1)

	before := f.store.Commits()
	placeCalls := f.paper.Calls("PlaceOrder")
	second := f.reconcile(t)
	assert.Equal(t, before, f.store.Commits(), "second pass writes nothing")
	assert.Equal(t, placeCalls, f.paper.Calls("PlaceOrder"))
	assert.Zero(t, second.Placed+second.Rejected+second.Filled+second.Cancelled)
	assert.Empty(t, second.Alerts, "irreconcilable orders are alerted once")
}

func TestPlacingFoundOnExchangeIsPlaced(t *testing.T) {
	f := newFixture(t)
	o := f.seed(t, "l1", 0, 59900, models.StatePlacing, true)

	rep := f.reconcile(t)
	assert.Equal(t, 1, rep.Placed)
	got := f.get(t, o.ID)
	assert.Equal(t, models.StatePlaced, got.State)
	assert.NotEmpty(t, got.ExchangeOrderID)
	assert.Equal(t, t0.Add(5*time.Hour), got.TimeoutAt, "timeout armed from the recovery time")
}

func TestPlacingFilledOnExchange(t *testing.T) {
	f := newFixture(t)
	o := f.seed(t, "l1", 0, 59900, models.StatePlacing, true)
	require.NoError(t, f.paper.ForceFill(o.ClientOrderID))

	rep := f.reconcile(t)
	assert.Equal(t, 1, rep.Filled)
	assert.Equal(t, models.StateFilled, f.get(t, o.ID).State)

	pos, err := f.store.LoadPosition(symbol)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.InDelta(t, 0.01, pos.Size, 1e-12)
}

func TestPlacedFillsAppliedInExchangeOrder(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Commit(persistence.NewBatch().PutPosition(&models.Position{
		Symbol: symbol, Side: models.Short, Size: 0.01, EntryPrice: 60000, OpenedAt: t0,
	})))
	first := f.seed(t, "l1", 0, 59900, models.StatePlaced, true)
	second := f.seed(t, "l1", 1, 59800, models.StatePlaced, true)
	// the deeper level trades first on the exchange
	require.NoError(t, f.paper.ForceFill(second.ClientOrderID))
	require.NoError(t, f.paper.ForceFill(first.ClientOrderID))

	rep := f.reconcile(t)
	assert.Equal(t, 2, rep.Filled)

	risk, err := f.store.LoadRiskState()
	require.NoError(t, err)
	require.NotNil(t, risk)
	assert.InDelta(t, 2, risk.DailyRealizedPnL, 1e-6, "short closed at 59800, not 59900")

	pos, err := f.store.LoadPosition(symbol)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, models.Long, pos.Side)
	assert.InDelta(t, 0.01, pos.Size, 1e-12)
	assert.InDelta(t, 59900, pos.EntryPrice, 1e-6)
}

func TestPlacedCancelledOnExchange(t *testing.T) {
	f := newFixture(t)
	o := f.seed(t, "l1", 0, 59900, models.StatePlaced, true)
	_, err := f.paper.CancelOrder(context.Background(), symbol, o.ExchangeOrderID)
	require.NoError(t, err)

	rep := f.reconcile(t)
	assert.Equal(t, 1, rep.Cancelled)
	assert.Equal(t, models.StateCancelled, f.get(t, o.ID).State)
}

func TestCancellingResolution(t *testing.T) {
	f := newFixture(t)
	resting := f.seed(t, "l1", 0, 59900, models.StatePlaced, true)
	resting.State = models.StateCancelling
	require.NoError(t, f.store.Commit(persistence.NewBatch().PutOrder(resting)))

	done := f.seed(t, "l1", 1, 59800, models.StatePlaced, true)
	_, err := f.paper.CancelOrder(context.Background(), symbol, done.ExchangeOrderID)
	require.NoError(t, err)
	done.State = models.StateCancelling
	require.NoError(t, f.store.Commit(persistence.NewBatch().PutOrder(done)))

	rep := f.reconcile(t)
	assert.Equal(t, 1, rep.Cancelled)
	assert.Equal(t, models.StateCancelling, f.get(t, resting.ID).State, "still open: left for the sweep")
	assert.Equal(t, models.StateCancelled, f.get(t, done.ID).State)
}

func TestOrphanOrdersCancelled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ghost := ladder.ClientOrderID("ghost", 0)
	_, err := f.paper.PlaceOrder(ctx, exchange.OrderRequest{Symbol: symbol, Side: models.Buy, Type: exchange.OrderTypeLimit, Price: 59000, Size: 0.01, ClientOrderID: ghost})
	require.NoError(t, err)
	_, err = f.paper.PlaceOrder(ctx, exchange.OrderRequest{Symbol: symbol, Side: models.Buy, Type: exchange.OrderTypeLimit, Price: 58000, Size: 0.01, ClientOrderID: "manual-1"})
	require.NoError(t, err)

	rep := f.reconcile(t)
	require.Len(t, rep.Alerts, 1)
	assert.Contains(t, rep.Alerts[0], ghost)

	open, err := f.paper.FetchOpenOrders(ctx, symbol)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "manual-1", open[0].ClientOrderID, "orders placed by hand are left alone")
}

func TestOpenOrdersUnavailableSkipsSymbol(t *testing.T) {
	f := newFixture(t)
	o := f.seed(t, "l1", 0, 59900, models.StatePlacing, true)
	f.paper.SetFailure("FetchOpenOrders", func(int) error { return exchange.ErrTransient })
	before := f.store.Commits()

	rep := f.reconcile(t)
	assert.True(t, rep.Transient)
	assert.NotEmpty(t, rep.Errors)
	assert.Equal(t, before, f.store.Commits())
	assert.Equal(t, models.StatePlacing, f.get(t, o.ID).State)
}

func TestReconciledFillBooksLikeOnFill(t *testing.T) {
	reconciled := newFixture(t)
	o := reconciled.seed(t, "l1", 0, 59900, models.StatePlaced, true)
	require.NoError(t, reconciled.paper.ForceFill(o.ClientOrderID))
	reconciled.reconcile(t)

	direct := newFixture(t)
	d := direct.seed(t, "l1", 0, 59900, models.StatePlaced, true)
	_, err := direct.mgr.machine.OnFill(d.ID, 0.01, 59900, t0.Add(time.Hour))
	require.NoError(t, err)

	for _, f := range []*fixture{reconciled, direct} {
		got := f.get(t, o.ID)
		assert.Equal(t, models.StateFilled, got.State)
		assert.InDelta(t, 0.01, got.FilledSize, 1e-12)
		assert.InDelta(t, 59900, got.AvgFillPrice, 1e-6)
	}
	a, err := reconciled.store.LoadPosition(symbol)
	require.NoError(t, err)
	b, err := direct.store.LoadPosition(symbol)
	require.NoError(t, err)
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.Equal(t, b.Side, a.Side)
	assert.InDelta(t, b.Size, a.Size, 1e-12)
	assert.InDelta(t, b.EntryPrice, a.EntryPrice, 1e-6)
}

func TestVanishedOrderBlocksSymbol(t *testing.T) {
	f := newFixture(t)
	// placed locally but never reached the venue
	o := f.seed(t, "l1", 0, 59900, models.StatePlaced, false)
	o.ExchangeOrderID = "777"
	require.NoError(t, f.store.Commit(persistence.NewBatch().PutOrder(o)))

	rep := f.reconcile(t)
	require.Len(t, rep.Alerts, 1)
	assert.Contains(t, rep.Alerts[0], "blocked until /flat")
	got := f.get(t, o.ID)
	assert.True(t, got.Irreconcilable)
	assert.Equal(t, models.StatePlaced, got.State)

	entries, err := f.mgr.machine.ActiveEntries()
	require.NoError(t, err)
	assert.Len(t, entries, 1, "still counts as an active ladder")

	// a second pass leaves it alone and does not alert again
	rep = f.reconcile(t)
	assert.Empty(t, rep.Alerts)
}
