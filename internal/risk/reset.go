package risk

import (
	"binance-ladder-bot-go/internal/models"
	"time"
)

// DateLayout is the format of RiskState.LastResetDate.
const DateLayout = "2006-01-02"

// LimitConfig 定义了每日亏损上限的两种来源
type LimitConfig struct {
	Absolute float64 // 固定金额，优先
	Pct      float64 // 占日初权益的比例
}

// ApplyDailyReset starts a new UTC day: realized PnL is zeroed and the loss
// limit recomputed. Calling it again on the same day returns the state
// unchanged and false. The halt flag is never touched.
func ApplyDailyReset(state models.RiskState, now time.Time, equity float64, lc LimitConfig) (models.RiskState, bool) {
	today := now.UTC().Format(DateLayout)
	if state.LastResetDate == today {
		return state, false
	}
	state.DailyRealizedPnL = 0
	state.LastResetDate = today
	state.UpdatedAt = now
	switch {
	case lc.Absolute > 0:
		state.DailyLossLimit = lc.Absolute
	case lc.Pct > 0 && equity > 0:
		state.DailyLossLimit = lc.Pct * equity
	}
	return state, true
}
