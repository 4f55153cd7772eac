package reporter

import (
	"binance-ladder-bot-go/internal/exchange"
	"binance-ladder-bot-go/internal/models"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)

func TestRenderSnapshot(t *testing.T) {
	out := RenderSnapshot(Snapshot{
		Symbol:   "BTCUSDT",
		At:       t0,
		Balance:  &exchange.Balance{Asset: "USDT", Equity: 10250.5, Available: 9800},
		Risk:     models.RiskState{DailyRealizedPnL: -12.5, DailyLossLimit: 300, HaltFlag: true, HaltReason: "manual halt"},
		Position: &models.Position{Symbol: "BTCUSDT", Side: models.Long, Size: 0.02, EntryPrice: 60000},
		MarkPx:   60500,
		Orders: []*models.LadderOrder{
			{Level: 0, Side: models.Buy, Price: 59900, Size: 0.01, State: models.StatePlaced, TimeoutAt: t0.Add(16 * time.Hour)},
			{Level: 1, Side: models.Buy, Price: 59800, Size: 0.01, State: models.StatePlaced, Irreconcilable: true},
		},
	})
	assert.Contains(t, out, "10250.50")
	assert.Contains(t, out, "YES: manual halt")
	assert.Contains(t, out, "LONG")
	assert.Contains(t, out, "10.00", "unrealized PnL at the mark")
	assert.Contains(t, out, "59900.00")
	assert.Contains(t, out, "10-16 00:00")
	assert.Contains(t, out, "placed (!)")
}

func TestRenderSnapshotEmpty(t *testing.T) {
	out := RenderSnapshot(Snapshot{Symbol: "BTCUSDT", At: t0})
	assert.Contains(t, out, "unavailable")
	assert.Contains(t, out, "No open position")
	assert.Contains(t, out, "No live ladder orders")
}

func TestUnrealizedPnLShort(t *testing.T) {
	s := Snapshot{Position: &models.Position{Side: models.Short, Size: 0.5, EntryPrice: 100}, MarkPx: 90}
	assert.InDelta(t, 5, s.UnrealizedPnL(), 1e-9)
}

func TestFormatCycle(t *testing.T) {
	msg := FormatCycle(models.CycleSummary{
		CycleID: "0123456789abcdef",
		Symbol:  "BTCUSDT",
		Action:  models.ActionPlaceLadder,
		Signal:  &models.Signal{Side: models.SignalLong, Score: 0.712},
		Placed:  3,
		Errors:  []string{"sweep: cancel timed out"},
	})
	assert.Contains(t, msg, "cycle 01234567 BTCUSDT: place_ladder")
	assert.Contains(t, msg, "p=0.712")
	assert.Contains(t, msg, "placed 3")
	assert.Contains(t, msg, "- sweep: cancel timed out")

	assert.Contains(t, FormatCycle(models.CycleSummary{CycleID: "c1", Skipped: true, Reason: "cycle lock held"}), "skipped: cycle lock held")
	assert.Contains(t, FormatCycle(models.CycleSummary{CycleID: "c2", DataFailure: true, Halted: true}), "trading halted")
}
