package risk

import (
	"binance-ladder-bot-go/internal/models"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDailyResetOncePerUTCDay(t *testing.T) {
	lc := LimitConfig{Pct: 0.03}
	state := models.RiskState{DailyRealizedPnL: -50, DailyLossLimit: 100, LastResetDate: "2026-10-14"}

	morning := time.Date(2026, 10, 15, 0, 5, 0, 0, time.UTC)
	next, changed := ApplyDailyReset(state, morning, 20000, lc)
	assert.True(t, changed)
	assert.Equal(t, 0.0, next.DailyRealizedPnL)
	assert.Equal(t, "2026-10-15", next.LastResetDate)
	assert.InDelta(t, 600, next.DailyLossLimit, 1e-9)

	// a loss later the same day must survive further resets
	next.DailyRealizedPnL = -42
	again, changed := ApplyDailyReset(next, morning.Add(20*time.Hour), 15000, lc)
	assert.False(t, changed)
	assert.Equal(t, next, again)
}

func TestDailyResetUsesUTC(t *testing.T) {
	tz := time.FixedZone("UTC+8", 8*3600)
	// 2026-10-15 07:00 local is still 10-14 in UTC
	local := time.Date(2026, 10, 15, 7, 0, 0, 0, tz)
	next, changed := ApplyDailyReset(models.RiskState{LastResetDate: "2026-10-14", DailyRealizedPnL: -10}, local, 1000, LimitConfig{Pct: 0.03})
	assert.False(t, changed)
	assert.Equal(t, -10.0, next.DailyRealizedPnL)
}

func TestDailyResetKeepsHalt(t *testing.T) {
	state := models.RiskState{HaltFlag: true, HaltReason: "manual", LastResetDate: "2026-10-14"}
	next, changed := ApplyDailyReset(state, time.Date(2026, 10, 15, 1, 0, 0, 0, time.UTC), 1000, LimitConfig{Absolute: 100})
	assert.True(t, changed)
	assert.True(t, next.HaltFlag)
	assert.Equal(t, "manual", next.HaltReason)
	assert.Equal(t, 100.0, next.DailyLossLimit, "absolute limit wins over pct")
}

func TestDailyResetKeepsLimitWithoutEquity(t *testing.T) {
	state := models.RiskState{DailyLossLimit: 250, LastResetDate: "2026-10-14"}
	next, _ := ApplyDailyReset(state, time.Date(2026, 10, 15, 1, 0, 0, 0, time.UTC), 0, LimitConfig{Pct: 0.03})
	assert.Equal(t, 250.0, next.DailyLossLimit)
}
