package bot

import (
	"binance-ladder-bot-go/internal/commands"
	"binance-ladder-bot-go/internal/config"
	"binance-ladder-bot-go/internal/exchange"
	"binance-ladder-bot-go/internal/ladder"
	"binance-ladder-bot-go/internal/models"
	"binance-ladder-bot-go/internal/notify"
	"binance-ladder-bot-go/internal/persistence"
	"binance-ladder-bot-go/internal/recovery"
	"binance-ladder-bot-go/internal/retry"
	"binance-ladder-bot-go/internal/risk"
	"binance-ladder-bot-go/internal/storage"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const symbol = "BTCUSDT"

const bar = 4 * time.Hour

// 08:01 UTC, one minute after a 4h candle closed
var start = time.Date(2026, 10, 15, 8, 1, 0, 0, time.UTC)

// fixedScorer always returns the same side and score, or err when set.
type fixedScorer struct {
	mu    sync.Mutex
	side  models.SignalSide
	score float64
	err   error
}

func (s *fixedScorer) Predict(fv models.FeatureVector) (models.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return models.Signal{}, s.err
	}
	return models.Signal{Side: s.side, Score: s.score, ModelVersion: "test", CandleTime: fv.CandleTime}, nil
}

func (s *fixedScorer) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// recordingChannel keeps every message sent, or fails while down is set.
type recordingChannel struct {
	sync.Mutex
	msgs []string
	down bool
}

func (c *recordingChannel) Send(ctx context.Context, text string) error {
	c.Lock()
	defer c.Unlock()
	if c.down {
		return errors.New("chat unreachable")
	}
	c.msgs = append(c.msgs, text)
	return nil
}

func (c *recordingChannel) setDown(down bool) {
	c.Lock()
	defer c.Unlock()
	c.down = down
}

// flakyStore fails ActiveOrders while broken is set.
type flakyStore struct {
	persistence.Store
	mu     sync.Mutex
	broken bool
}

func (s *flakyStore) ActiveOrders(symbol string) ([]*models.LadderOrder, error) {
	s.mu.Lock()
	broken := s.broken
	s.mu.Unlock()
	if broken {
		return nil, errors.New("disk I/O error")
	}
	return s.Store.ActiveOrders(symbol)
}

func (s *flakyStore) setBroken(b bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broken = b
}

func (c *recordingChannel) contains(sub string) bool {
	c.Lock()
	defer c.Unlock()
	for _, m := range c.msgs {
		if strings.Contains(m, sub) {
			return true
		}
	}
	return false
}

type fixture struct {
	cfg    *models.Config
	store  persistence.Store
	paper  *exchange.PaperExchange
	queue  *commands.MemoryQueue
	ch     *recordingChannel
	scorer *fixedScorer
	now    time.Time
	orch   *Orchestrator
}

// flatCandles are 60 closed 4h candles ranging 59900..60100 around 60000, so ATR is 200.
func flatCandles(end time.Time) []models.Candle {
	var out []models.Candle
	for i := 60; i >= 1; i-- {
		open := end.Add(-time.Duration(i) * bar)
		out = append(out, models.Candle{
			OpenTime:  open,
			CloseTime: open.Add(bar - time.Millisecond),
			Open:      60000, High: 60100, Low: 59900, Close: 60000, Volume: 10,
		})
	}
	return out
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, nil, nil)
}

// newFixtureWith lets a test adjust the config and wrap the store before the
// components are built.
func newFixtureWith(t *testing.T, tweak func(*models.Config), wrap func(persistence.Store) persistence.Store) *fixture {
	t.Helper()
	cfg := config.Defaults()
	cfg.Symbol = symbol
	cfg.RiskFraction = 0.1
	cfg.CandleLimit = 60
	cfg.RetryAttempts = 2
	cfg.RetryInitialDelayMs = 1
	cfg.RetryMaxDelayMs = 1
	cfg.TransientAlertThreshold = 2
	cfg.Metrics.TextfilePath = ""
	if tweak != nil {
		tweak(cfg)
	}

	mem, err := persistence.NewInMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })
	var store persistence.Store = mem
	if wrap != nil {
		store = wrap(mem)
	}
	db, err := storage.InitDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	paper, err := exchange.NewPaperExchange(models.PaperConfig{InitialBalance: 10000, TickSize: "0.1", StepSize: "0.001", MinNotional: "5"}, nil)
	require.NoError(t, err)
	paper.AddCandles(symbol, flatCandles(start.Truncate(bar))...)

	policy := retry.Policy{Attempts: 2, Min: time.Millisecond, Max: time.Millisecond, Factor: 2}
	logger := zap.NewNop()
	machine := ladder.NewMachine(store, paper, ladder.Config{
		Symbol:      symbol,
		PostOnly:    cfg.PostOnly,
		Timeout:     cfg.LadderTimeout(),
		MinNotional: cfg.MinNotionalValue,
		Retry:       policy,
	}, logger)

	f := &fixture{
		cfg:    cfg,
		store:  store,
		paper:  paper,
		queue:  commands.NewMemoryQueue(),
		ch:     &recordingChannel{},
		scorer: &fixedScorer{side: models.SignalLong, score: 0.7},
		now:    start,
	}
	f.orch = NewOrchestrator(cfg, Deps{
		Store:    store,
		Exchange: paper,
		Candles:  NewCandleLoader(db, paper, symbol, cfg.Timeframe, cfg.CandleLimit, policy, logger),
		Scorer:   f.scorer,
		Engine:   risk.NewEngine(risk.ConfigFrom(cfg)),
		Machine:  machine,
		Recovery: recovery.NewManager(store, paper, machine, policy, logger),
		Queue:    f.queue,
		Notifier: notify.NewNotifier(f.ch, store, 3, logger),
		Logger:   logger,
		Now:      func() time.Time { return f.now },
	})
	return f
}

func (f *fixture) run(t *testing.T) models.CycleSummary {
	t.Helper()
	s, err := f.orch.RunOnce(context.Background())
	require.NoError(t, err)
	return s
}

func (f *fixture) openOrders(t *testing.T) []exchange.OrderRef {
	t.Helper()
	open, err := f.paper.FetchOpenOrders(context.Background(), symbol)
	require.NoError(t, err)
	return open
}

func TestCyclePlacesLadder(t *testing.T) {
	f := newFixture(t)
	s := f.run(t)

	assert.Equal(t, models.ActionPlaceLadder, s.Action, s.Reason)
	assert.Equal(t, 3, s.Placed)
	assert.Empty(t, s.Errors)
	require.NotNil(t, s.Signal)
	assert.Equal(t, models.SignalLong, s.Signal.Side)

	open := f.openOrders(t)
	require.Len(t, open, 3)
	prices := []float64{open[0].Price, open[1].Price, open[2].Price}
	assert.ElementsMatch(t, []float64{59950, 59900, 59850}, prices)
	for _, o := range open {
		assert.InDelta(t, 0.005, o.Size, 1e-12)
		assert.True(t, ladder.IsOwnClientID(o.ClientOrderID))
	}

	rs, err := f.store.LoadRiskState()
	require.NoError(t, err)
	require.NotNil(t, rs)
	assert.Equal(t, "2026-10-15", rs.LastResetDate)
	assert.InDelta(t, 300, rs.DailyLossLimit, 1e-9, "3% of 10000 equity")

	logs, err := f.store.RecentCycleLogs(1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, s.CycleID, logs[0].CycleID)
	assert.Positive(t, s.Seq)

	_, err = f.store.AcquireLock("next-run", f.now, time.Hour)
	assert.NoError(t, err, "lock released after the cycle")
}

func TestSecondCycleHoldsWhileLadderActive(t *testing.T) {
	f := newFixture(t)
	f.run(t)
	f.now = f.now.Add(time.Hour)

	s := f.run(t)
	assert.Equal(t, models.ActionHold, s.Action)
	assert.Zero(t, s.Placed)
	assert.Len(t, f.openOrders(t), 3)
	logs, err := f.store.RecentCycleLogs(2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.NotEqual(t, logs[0].Seq, logs[1].Seq)
}

func TestHaltCommandBlocksPlacement(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.queue.Push(context.Background(), models.Command{Type: models.CommandHalt, ReceivedAt: start, Source: "telegram"}))

	s := f.run(t)
	assert.Equal(t, []models.CommandType{models.CommandHalt}, s.Commands)
	assert.Equal(t, models.ActionHold, s.Action)
	assert.True(t, s.Halted)
	assert.Zero(t, s.Placed)
	assert.Empty(t, f.openOrders(t))
	assert.True(t, f.ch.contains("halted by command"))

	events, err := f.store.HaltEvents()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "command", events[0].Source)

	// resume clears the flag and the next cycle trades again
	require.NoError(t, f.queue.Push(context.Background(), models.Command{Type: models.CommandResume, ReceivedAt: start.Add(time.Minute)}))
	f.now = f.now.Add(time.Minute)
	s = f.run(t)
	assert.False(t, s.Halted)
	assert.Equal(t, 3, s.Placed)
}

func TestLossLimitHaltsAndNotifies(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Commit(persistence.NewBatch().PutRiskState(&models.RiskState{
		DailyRealizedPnL: -105,
		DailyLossLimit:   100,
		LastResetDate:    "2026-10-15",
	})))

	s := f.run(t)
	assert.True(t, s.Halted)
	assert.Zero(t, s.Placed)
	assert.Empty(t, f.openOrders(t))
	assert.True(t, f.ch.contains("trading halted on BTCUSDT"))

	events, err := f.store.HaltEvents()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "policy", events[0].Source)

	// still halted on the next cycle without another notification of the breach
	f.now = f.now.Add(bar)
	s = f.run(t)
	assert.True(t, s.Halted)
	assert.Zero(t, s.Placed)
	events, _ = f.store.HaltEvents()
	assert.Len(t, events, 1)
}

func TestDataFailureSkipsToSweep(t *testing.T) {
	f := newFixture(t)
	first := f.run(t)
	require.Equal(t, 3, first.Placed)

	f.paper.SetFailure("FetchCandles", func(int) error { return exchange.ErrTransient })
	f.now = f.now.Add(bar + time.Hour)
	s := f.run(t)
	assert.True(t, s.DataFailure)
	assert.Empty(t, s.Action, "no decision without data")
	assert.Equal(t, 3, s.Cancelled, "timed out ladder still swept")
	assert.Empty(t, f.openOrders(t))
	assert.False(t, f.ch.contains("consecutive"), "a single failing cycle is not notified")

	f.now = f.now.Add(bar)
	s = f.run(t)
	assert.True(t, s.DataFailure)
	assert.True(t, f.ch.contains("2 consecutive cycles with failures"))
}

func TestHeldLockSkipsCleanly(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.AcquireLock("other-run", start.Add(-time.Minute), time.Hour)
	require.NoError(t, err)

	s := f.run(t)
	assert.True(t, s.Skipped)
	assert.Zero(t, f.paper.Calls("FetchOpenOrders"))
	assert.Zero(t, f.paper.Calls("PlaceOrder"))
}

func TestStaleLockIsTakenOver(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.AcquireLock("crashed-run", start.Add(-3*bar), time.Hour)
	require.NoError(t, err)

	s := f.run(t)
	assert.False(t, s.Skipped)
	assert.True(t, s.StaleLock)
	assert.Equal(t, 3, s.Placed)
}

func TestFlatCommandClosesPosition(t *testing.T) {
	f := newFixture(t)
	first := f.run(t)
	require.NoError(t, f.paper.ForceFill(ladder.ClientOrderID(first.LadderID, 0)))

	require.NoError(t, f.queue.Push(context.Background(), models.Command{Type: models.CommandFlat, ReceivedAt: start.Add(time.Minute)}))
	f.now = f.now.Add(time.Hour)
	s := f.run(t)

	assert.Equal(t, models.ActionFlatten, s.Action)
	assert.Equal(t, 2, s.Filled, "entry fill found by reconcile plus the exit")
	assert.Equal(t, 2, s.Cancelled)
	assert.Empty(t, f.openOrders(t), "no new ladder after a flat command")

	pos, err := f.store.LoadPosition(symbol)
	require.NoError(t, err)
	assert.Nil(t, pos)
	rs, err := f.store.LoadRiskState()
	require.NoError(t, err)
	assert.InDelta(t, 0.25, rs.DailyRealizedPnL, 1e-6)
	assert.True(t, f.ch.contains("flatten BTCUSDT"))
}

func TestSnapCommandSendsReport(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.queue.Push(context.Background(), models.Command{Type: models.CommandSnap, ReceivedAt: start}))
	f.run(t)
	assert.True(t, f.ch.contains("BTCUSDT snapshot"))
	assert.True(t, f.ch.contains("59950.00"), "ladder placed this cycle is listed")
}

func TestScorerErrorIsDataFailureNotFlatten(t *testing.T) {
	f := newFixture(t)
	first := f.run(t)
	require.NoError(t, f.paper.ForceFill(ladder.ClientOrderID(first.LadderID, 0)))

	f.scorer.fail(errors.New("invalid features: momentum is not finite"))
	f.now = f.now.Add(time.Hour)
	s := f.run(t)
	assert.True(t, s.DataFailure)
	assert.Empty(t, s.Action)
	assert.Nil(t, s.Signal)
	assert.Equal(t, 1, s.Filled, "only the entry fill found by reconcile")
	assert.False(t, f.ch.contains("flatten BTCUSDT"))

	pos, err := f.store.LoadPosition(symbol)
	require.NoError(t, err)
	require.NotNil(t, pos, "position left open")
	assert.Equal(t, models.Long, pos.Side)
}

func TestNotificationOutageHalts(t *testing.T) {
	f := newFixture(t)
	f.ch.setDown(true)
	require.NoError(t, f.store.SetMeta("notify_fail_streak", "3"))

	s := f.run(t)
	assert.True(t, s.Halted)
	assert.Zero(t, s.Placed)
	assert.Empty(t, f.openOrders(t))
	events, err := f.store.HaltEvents()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "notifications down", events[0].Reason)
	assert.Equal(t, "policy", events[0].Source)

	// the chat is back; /resume gets through and trading continues
	f.ch.setDown(false)
	require.NoError(t, f.queue.Push(context.Background(), models.Command{Type: models.CommandResume, ReceivedAt: start.Add(time.Minute)}))
	f.now = f.now.Add(time.Minute)
	s = f.run(t)
	assert.False(t, s.Halted)
	assert.Equal(t, 3, s.Placed)
}

func TestExtremeFundingHalts(t *testing.T) {
	f := newFixtureWith(t, func(cfg *models.Config) { cfg.FundingFreezeAnnualized = 1 }, nil)
	f.paper.SetFundingRate(symbol, 0.001)

	s := f.run(t)
	require.NotNil(t, s.FundingAnnualized)
	assert.InDelta(t, 1.095, *s.FundingAnnualized, 1e-9)
	assert.True(t, s.Halted)
	assert.Zero(t, s.Placed)
	assert.True(t, f.ch.contains("annualized funding"))
	events, err := f.store.HaltEvents()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "policy", events[0].Source)
}

func TestModerateFundingTrades(t *testing.T) {
	f := newFixtureWith(t, func(cfg *models.Config) { cfg.FundingFreezeAnnualized = 1 }, nil)
	f.paper.SetFundingRate(symbol, -0.0001)

	s := f.run(t)
	assert.False(t, s.Halted)
	assert.Equal(t, 3, s.Placed)
}

func TestFundingUnavailableDoesNotHalt(t *testing.T) {
	f := newFixtureWith(t, func(cfg *models.Config) { cfg.FundingFreezeAnnualized = 1 }, nil)
	f.paper.SetFailure("FundingRate", func(int) error { return exchange.ErrTransient })

	s := f.run(t)
	assert.Nil(t, s.FundingAnnualized)
	assert.False(t, s.Halted)
	assert.Equal(t, 3, s.Placed)
	assert.True(t, s.Transient)
}

func TestCommandsSurviveFailedCycle(t *testing.T) {
	var fs *flakyStore
	f := newFixtureWith(t, nil, func(s persistence.Store) persistence.Store {
		fs = &flakyStore{Store: s}
		return fs
	})
	ctx := context.Background()
	require.NoError(t, f.queue.Push(ctx,
		models.Command{Type: models.CommandFlat, ReceivedAt: start},
		models.Command{Type: models.CommandSnap, ReceivedAt: start.Add(time.Second)}))

	fs.setBroken(true)
	_, err := f.orch.RunOnce(ctx)
	require.Error(t, err)
	assert.False(t, f.ch.contains("BTCUSDT snapshot"))

	fs.setBroken(false)
	f.now = f.now.Add(time.Minute)
	s := f.run(t)
	assert.Equal(t, []models.CommandType{models.CommandFlat, models.CommandSnap}, s.Commands)
	assert.Equal(t, models.ActionFlatten, s.Action)
	assert.True(t, f.ch.contains("BTCUSDT snapshot"))

	left, err := f.queue.Drain(ctx)
	require.NoError(t, err)
	assert.Empty(t, left, "applied commands are not queued again")
}
