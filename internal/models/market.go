package models

import (
	"strings"
	"time"
)

// Candle 是一根已收盘的K线，一经写入不再修改
type Candle struct {
	OpenTime  time.Time `json:"open_time"`
	CloseTime time.Time `json:"close_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// FeatureVector holds the indicators derived from a candle window.
// CandleTime is the open time of the last candle in that window.
type FeatureVector struct {
	CandleTime time.Time `json:"candle_time"`
	Close      float64   `json:"close"`
	ATR        float64   `json:"atr"`
	ADX        float64   `json:"adx"`
	Return1    float64   `json:"return_1"`
	Momentum   float64   `json:"momentum"`
	Volatility float64   `json:"volatility"`
}

// Values exposes features by name for scorers.
func (f FeatureVector) Values() map[string]float64 {
	return map[string]float64{
		"atr_pct":    safeDiv(f.ATR, f.Close),
		"adx":        f.ADX,
		"return_1":   f.Return1,
		"momentum":   f.Momentum,
		"volatility": f.Volatility,
	}
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

// SignalSide 是模型给出的方向
type SignalSide string

const (
	SignalLong  SignalSide = "LONG"
	SignalShort SignalSide = "SHORT"
	SignalNone  SignalSide = "NONE"
)

// Signal is produced once per cycle and never mutated.
type Signal struct {
	Score        float64    `json:"score"` // calibrated probability of an up move, [0,1]
	Side         SignalSide `json:"side"`
	Confidence   float64    `json:"confidence"`
	ModelVersion string     `json:"model_version"`
	CandleTime   time.Time  `json:"candle_time"`
}

// ActionType 是风控引擎的决策结果
type ActionType string

const (
	ActionPlaceLadder ActionType = "place_ladder"
	ActionFlatten     ActionType = "flatten"
	ActionHold        ActionType = "hold"
	ActionNoOp        ActionType = "noop"
)

// LadderLevel is one priced and sized rung of a ladder decision.
type LadderLevel struct {
	Index int     `json:"index"`
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// CommandType 命令类型
type CommandType string

const (
	CommandSnap   CommandType = "snap"
	CommandFlat   CommandType = "flat"
	CommandHalt   CommandType = "halt"
	CommandResume CommandType = "resume"
)

// Command 是一次性的外部命令
type Command struct {
	Type       CommandType `json:"type"`
	ReceivedAt time.Time   `json:"received_at"`
	Source     string      `json:"source,omitempty"`
}

// CycleSummary 是每轮周期写入 cycle_log 的摘要
type CycleSummary struct {
	CycleID    string        `json:"cycle_id"`
	Seq        int64         `json:"seq,omitempty"` // 单调递增的周期序号
	Symbol     string        `json:"symbol"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Skipped    bool          `json:"skipped,omitempty"`
	StaleLock  bool          `json:"stale_lock,omitempty"`
	Commands   []CommandType `json:"commands,omitempty"`
	Action     ActionType    `json:"action,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Signal     *Signal       `json:"signal,omitempty"`
	// 年化资金费率，未检查时为空
	FundingAnnualized *float64 `json:"funding_annualized,omitempty"`
	LadderID          string   `json:"ladder_id,omitempty"`
	Placed            int      `json:"placed"`
	Rejected          int      `json:"rejected"`
	Cancelled         int      `json:"cancelled"`
	Filled            int      `json:"filled"`
	Halted            bool     `json:"halted"`
	DataFailure       bool     `json:"data_failure,omitempty"`
	Transient         bool     `json:"transient,omitempty"`
	Errors            []string `json:"errors,omitempty"`
}

// ParseCommand recognizes a chat command such as "/halt" or "/snap@mybot".
func ParseCommand(text string) (CommandType, bool) {
	word := strings.TrimSpace(text)
	if i := strings.IndexAny(word, " \n\t"); i >= 0 {
		word = word[:i]
	}
	word = strings.TrimPrefix(word, "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	switch t := CommandType(strings.ToLower(word)); t {
	case CommandSnap, CommandFlat, CommandHalt, CommandResume:
		return t, true
	}
	return "", false
}
