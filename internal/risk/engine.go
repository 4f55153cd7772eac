package risk

import (
	"binance-ladder-bot-go/internal/exchange"
	"binance-ladder-bot-go/internal/models"
	"fmt"
	"math"
)

// Config holds the policy parameters. It is derived once from models.Config.
type Config struct {
	RiskFraction     float64
	MinNotional      float64
	Levels           int
	ATRMultiple      float64
	MinSpacingPct    float64
	FlattenOnNeutral bool
	AllowShort       bool
	// FundingFreezeAnnualized halts trading when |annualized funding| exceeds it; 0 disables.
	FundingFreezeAnnualized float64
}

// ConfigFrom extracts the policy parameters from the bot configuration.
func ConfigFrom(cfg *models.Config) Config {
	return Config{
		RiskFraction:     cfg.RiskFraction,
		MinNotional:      cfg.MinNotionalValue,
		Levels:           cfg.LadderLevels,
		ATRMultiple:      cfg.ATRMultiple,
		MinSpacingPct:    cfg.MinSpacingPct,
		FlattenOnNeutral: cfg.FlattenOnNeutral,
		AllowShort:       cfg.AllowShort,

		FundingFreezeAnnualized: cfg.FundingFreezeAnnualized,
	}
}

// Input is everything a decision may look at.
type Input struct {
	Signal       models.Signal
	Risk         models.RiskState
	Position     *models.Position // nil when flat
	ActiveLadder bool             // entry orders for the symbol are still live
	Equity       float64
	RefPrice     float64
	ATR          float64
	Rules        *exchange.SymbolRules
	// FundingAnnualized is nil when the rate is unknown.
	FundingAnnualized *float64
	// NotifyDown is set while operator notifications keep failing.
	NotifyDown bool
}

// HaltDirective asks the caller to set the halt flag.
type HaltDirective struct {
	Reason string
}

// Decision is the outcome of one evaluation. Side and Levels are set for PlaceLadder.
type Decision struct {
	Action models.ActionType
	Side   models.Side
	Levels []models.LadderLevel
	Reason string
	Halt   *HaltDirective
}

// Engine evaluates the risk policy. It holds no state; every call is a pure
// function of its input and the configuration.
type Engine struct {
	cfg Config
}

// NewEngine creates a policy engine.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Decide 按优先级依次评估: 暂停 > 反转平仓 > 日亏损/资金费率/通知故障熔断 > 阶梯计算
func (e *Engine) Decide(in Input) Decision {
	if in.Risk.HaltFlag {
		return Decision{Action: models.ActionHold, Reason: "halted: " + in.Risk.HaltReason}
	}

	if in.Position != nil && in.Position.Size > 0 && e.reverses(in.Signal.Side, in.Position.Side) {
		return Decision{Action: models.ActionFlatten, Reason: fmt.Sprintf("signal %s against %s position", in.Signal.Side, in.Position.Side)}
	}

	if in.Risk.DailyLossLimit > 0 && in.Risk.DailyRealizedPnL <= -in.Risk.DailyLossLimit {
		reason := fmt.Sprintf("daily loss %.2f reached limit %.2f", in.Risk.DailyRealizedPnL, in.Risk.DailyLossLimit)
		return Decision{Action: models.ActionHold, Reason: reason, Halt: &HaltDirective{Reason: reason}}
	}

	if f := in.FundingAnnualized; f != nil && e.cfg.FundingFreezeAnnualized > 0 && math.Abs(*f) > e.cfg.FundingFreezeAnnualized {
		reason := fmt.Sprintf("annualized funding %.4f beyond %.4f", *f, e.cfg.FundingFreezeAnnualized)
		return Decision{Action: models.ActionHold, Reason: reason, Halt: &HaltDirective{Reason: reason}}
	}

	if in.NotifyDown {
		reason := "notifications down"
		return Decision{Action: models.ActionHold, Reason: reason, Halt: &HaltDirective{Reason: reason}}
	}

	if in.ActiveLadder {
		return Decision{Action: models.ActionHold, Reason: "ladder already active"}
	}

	side, ok := e.entrySide(in.Signal.Side)
	if !ok {
		return Decision{Action: models.ActionNoOp, Reason: fmt.Sprintf("no entry for signal %s", in.Signal.Side)}
	}
	if in.Position != nil && in.Position.Size > 0 {
		return Decision{Action: models.ActionHold, Reason: fmt.Sprintf("%s position already open", in.Position.Side)}
	}

	levels, reason := e.buildLevels(side, in)
	if levels == nil {
		return Decision{Action: models.ActionNoOp, Reason: reason}
	}
	return Decision{Action: models.ActionPlaceLadder, Side: side, Levels: levels, Reason: reason}
}

// reverses reports whether the signal calls for closing the position.
func (e *Engine) reverses(sig models.SignalSide, pos models.PositionSide) bool {
	switch sig {
	case models.SignalLong:
		return pos == models.Short
	case models.SignalShort:
		return pos == models.Long
	default:
		return e.cfg.FlattenOnNeutral
	}
}

func (e *Engine) entrySide(sig models.SignalSide) (models.Side, bool) {
	switch sig {
	case models.SignalLong:
		return models.Buy, true
	case models.SignalShort:
		if e.cfg.AllowShort {
			return models.Sell, true
		}
	}
	return "", false
}

// Spacing is the distance between consecutive levels, never below one tick.
func (e *Engine) Spacing(refPrice, atr, tick float64) float64 {
	return math.Max(e.cfg.ATRMultiple*atr, math.Max(e.cfg.MinSpacingPct*refPrice, tick))
}

// buildLevels prices and sizes every level. A nil result means at least one
// level is unplaceable and the whole ladder is dropped.
func (e *Engine) buildLevels(side models.Side, in Input) ([]models.LadderLevel, string) {
	if e.cfg.Levels < 1 {
		return nil, "no ladder levels configured"
	}
	if in.Rules == nil {
		return nil, "symbol rules unavailable"
	}
	if in.RefPrice <= 0 || in.Equity <= 0 {
		return nil, fmt.Sprintf("invalid reference price %.8f or equity %.2f", in.RefPrice, in.Equity)
	}

	tick := in.Rules.Tick()
	spacing := e.Spacing(in.RefPrice, in.ATR, tick)
	perLevel := in.Equity * e.cfg.RiskFraction / float64(e.cfg.Levels)

	levels := make([]models.LadderLevel, 0, e.cfg.Levels)
	prev := in.RefPrice
	for i := 0; i < e.cfg.Levels; i++ {
		offset := float64(i+1) * spacing
		var price float64
		if side == models.Buy {
			price = in.Rules.RoundPrice(in.RefPrice-offset, side)
			if price >= prev {
				price = in.Rules.RoundPrice(prev-tick, side)
			}
		} else {
			price = in.Rules.RoundPrice(in.RefPrice+offset, side)
			if price <= prev {
				price = in.Rules.RoundPrice(prev+tick, side)
			}
		}
		if price <= 0 {
			return nil, fmt.Sprintf("level %d price %.8f not positive", i, price)
		}

		size := in.Rules.FloorQty(perLevel / price)
		// 每一档单独校验最小名义价值
		if err := in.Rules.Check(price, size, e.cfg.MinNotional); err != nil {
			return nil, fmt.Sprintf("level %d (%.8f x %.8f, budget %.2f): %v", i, price, size, perLevel, err)
		}
		levels = append(levels, models.LadderLevel{Index: i, Price: price, Size: size})
		prev = price
	}
	return levels, fmt.Sprintf("%d levels spaced %.8f, %.2f each", len(levels), spacing, perLevel)
}
