package persistence

import (
	"binance-ladder-bot-go/internal/models"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewInMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testOrder(id string, level int, state models.OrderState, created time.Time) *models.LadderOrder {
	return &models.LadderOrder{
		ID:            id,
		LadderID:      "ladder-1",
		Symbol:        "BTCUSDT",
		Side:          models.Buy,
		Kind:          models.KindEntry,
		Level:         level,
		Price:         60000 - float64(level)*100,
		Size:          0.01,
		State:         state,
		ClientOrderID: "lb" + id,
		CreatedAt:     created,
	}
}

func TestRiskStateRoundTrip(t *testing.T) {
	s := newTestStore(t)

	state, err := s.LoadRiskState()
	require.NoError(t, err)
	assert.Nil(t, state, "first run has no risk state")

	want := &models.RiskState{DailyRealizedPnL: -42, DailyLossLimit: 100, HaltFlag: true, HaltReason: "loss limit", LastResetDate: "2026-10-15"}
	require.NoError(t, s.Commit(NewBatch().PutRiskState(want)))

	got, err := s.LoadRiskState()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.DailyRealizedPnL, got.DailyRealizedPnL)
	assert.True(t, got.HaltFlag)
	assert.Equal(t, "2026-10-15", got.LastResetDate)
}

func TestCommitWritesLadderIntentsTogether(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)

	batch := NewBatch()
	for i := 0; i < 3; i++ {
		batch.PutOrder(testOrder(string(rune('a'+i)), i, models.StateIntended, now))
	}
	require.NoError(t, s.Commit(batch))

	orders, err := s.ActiveOrders("BTCUSDT")
	require.NoError(t, err)
	require.Len(t, orders, 3)
	for i, o := range orders {
		assert.Equal(t, i, o.Level, "orders come back in level order")
		assert.Equal(t, models.StateIntended, o.State)
	}

	other, err := s.ActiveOrders("ETHUSDT")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestTerminalOrdersAreArchived(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	o := testOrder("x", 0, models.StatePlaced, now)
	require.NoError(t, s.Commit(NewBatch().PutOrder(o)))

	require.NoError(t, o.Transition(models.StateCancelling, now))
	require.NoError(t, o.Transition(models.StateCancelled, now))
	require.NoError(t, s.Commit(NewBatch().PutOrder(o)))

	active, err := s.ActiveOrders("")
	require.NoError(t, err)
	assert.Empty(t, active)

	archived, err := s.GetOrder("x")
	require.NoError(t, err)
	require.NotNil(t, archived, "archived orders stay readable")
	assert.Equal(t, models.StateCancelled, archived.State)

	missing, err := s.GetOrder("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPositionLifecycle(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()
	pos := &models.Position{Symbol: "BTCUSDT", Side: models.Long, Size: 0.02, EntryPrice: 60000, EntryLadderID: "ladder-1", OpenedAt: now}
	require.NoError(t, s.Commit(NewBatch().PutPosition(pos)))

	got, err := s.LoadPosition("BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 0.02, got.Size)

	pos.ClosedAt = now.Add(time.Hour)
	require.NoError(t, s.Commit(NewBatch().ClosePosition(pos)))
	got, err = s.LoadPosition("BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestHaltAuditIsAppendOnly(t *testing.T) {
	s := newTestStore(t)
	at := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Commit(NewBatch().
		AppendHaltEvent(models.HaltEvent{At: at, Halted: true, Reason: "loss", Source: "policy"}).
		AppendHaltEvent(models.HaltEvent{At: at, Halted: false, Reason: "resume", Source: "command"})))
	require.NoError(t, s.Commit(NewBatch().AppendHaltEvent(models.HaltEvent{At: at.Add(time.Hour), Halted: true, Reason: "manual", Source: "command"})))

	events, err := s.HaltEvents()
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "loss", events[0].Reason)
	assert.Equal(t, "resume", events[1].Reason)
	assert.Equal(t, "manual", events[2].Reason)
}

func TestCycleLogNewestFirst(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendCycleLog(models.CycleSummary{CycleID: string(rune('a' + i)), StartedAt: base.Add(time.Duration(i) * time.Hour)}))
	}

	logs, err := s.RecentCycleLogs(2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "e", logs[0].CycleID)
	assert.Equal(t, "d", logs[1].CycleID)
}

func TestCycleLockStaleTakeover(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)

	stale, err := s.AcquireLock("run-1", now, 8*time.Hour)
	require.NoError(t, err)
	assert.Nil(t, stale)

	_, err = s.AcquireLock("run-2", now.Add(time.Hour), 8*time.Hour)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLockHeld))

	stale, err = s.AcquireLock("run-3", now.Add(9*time.Hour), 8*time.Hour)
	require.NoError(t, err)
	require.NotNil(t, stale, "an expired lock is reported as a crash marker")
	assert.Equal(t, "run-1", stale.Owner)

	// only the owner may release
	require.NoError(t, s.ReleaseLock("run-1"))
	_, err = s.AcquireLock("run-4", now.Add(10*time.Hour), 8*time.Hour)
	assert.True(t, errors.Is(err, ErrLockHeld))

	require.NoError(t, s.ReleaseLock("run-3"))
	_, err = s.AcquireLock("run-4", now.Add(10*time.Hour), 8*time.Hour)
	assert.NoError(t, err)
}

func TestMeta(t *testing.T) {
	s := newTestStore(t)
	v, err := s.GetMeta("telegram_offset")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, s.SetMeta("telegram_offset", "1024"))
	v, err = s.GetMeta("telegram_offset")
	require.NoError(t, err)
	assert.Equal(t, "1024", v)
}
