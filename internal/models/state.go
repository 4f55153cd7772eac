package models

import (
	"fmt"
	"time"
)

// Side 定义了交易方向的类型
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the closing side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// PositionSide 定义了持仓方向
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

// EntrySide is the order side that opens a position in this direction.
func (p PositionSide) EntrySide() Side {
	if p == Short {
		return Sell
	}
	return Buy
}

// RiskState 是进程内唯一的风控状态，必须持久化。
// HaltFlag 为 true 时禁止任何新订单，直到收到 resume 命令。
type RiskState struct {
	DailyRealizedPnL float64   `json:"daily_realized_pnl"`
	DailyLossLimit   float64   `json:"daily_loss_limit"`
	HaltFlag         bool      `json:"halt_flag"`
	HaltReason       string    `json:"halt_reason,omitempty"`
	HaltedAt         time.Time `json:"halted_at,omitempty"`
	LastResetDate    string    `json:"last_reset_date"` // UTC 日期, "2006-01-02"
	UpdatedAt        time.Time `json:"updated_at"`
}

// HaltEvent 是暂停/恢复的审计记录，只追加不修改
type HaltEvent struct {
	At     time.Time `json:"at"`
	Halted bool      `json:"halted"`
	Reason string    `json:"reason"`
	Source string    `json:"source"` // "policy", "command"
}

// Position 代表一个交易对上的持仓。每个交易对同时最多一个。
type Position struct {
	Symbol        string       `json:"symbol"`
	Side          PositionSide `json:"side"`
	Size          float64      `json:"size"`
	EntryPrice    float64      `json:"entry_price"`
	EntryLadderID string       `json:"entry_ladder_id"`
	OpenedAt      time.Time    `json:"opened_at"`
	ClosedAt      time.Time    `json:"closed_at,omitempty"`
	RealizedPnL   float64      `json:"realized_pnl,omitempty"`
}

// OrderState 是阶梯订单的生命周期状态
type OrderState string

const (
	StateIntended   OrderState = "intended"
	StatePlacing    OrderState = "placing"
	StatePlaced     OrderState = "placed"
	StateFilled     OrderState = "filled"
	StateCancelling OrderState = "cancelling"
	StateCancelled  OrderState = "cancelled"
	StateRejected   OrderState = "rejected"
)

var transitions = map[OrderState][]OrderState{
	StateIntended:   {StatePlacing, StatePlaced, StateRejected},
	StatePlacing:    {StatePlaced, StateFilled, StateRejected},
	StatePlaced:     {StateFilled, StateCancelling, StateCancelled},
	StateCancelling: {StateCancelled, StateFilled},
}

// Terminal reports whether no further transition is possible.
func (s OrderState) Terminal() bool {
	return s == StateFilled || s == StateCancelled || s == StateRejected
}

// CanTransition reports whether s -> to is an edge of the ladder state machine.
func (s OrderState) CanTransition(to OrderState) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// OrderKind distinguishes ladder entries from position exits.
type OrderKind string

const (
	KindEntry OrderKind = "entry"
	KindExit  OrderKind = "exit"
)

// LadderOrder 是阶梯中的一档挂单。同一 LadderID 的订单由一次决策原子地创建。
type LadderOrder struct {
	ID              string     `json:"id"`
	LadderID        string     `json:"ladder_id"`
	Symbol          string     `json:"symbol"`
	Side            Side       `json:"side"`
	Kind            OrderKind  `json:"kind"`
	Level           int        `json:"level"`
	Price           float64    `json:"price"` // 市价单为0
	Size            float64    `json:"size"`
	State           OrderState `json:"state"`
	ClientOrderID   string     `json:"client_order_id"`
	ExchangeOrderID string     `json:"exchange_order_id,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	PlacedAt        time.Time  `json:"placed_at,omitempty"`
	TimeoutAt       time.Time  `json:"timeout_at,omitempty"`
	FilledSize      float64    `json:"filled_size,omitempty"`
	AvgFillPrice    float64    `json:"avg_fill_price,omitempty"`
	RejectReason    string     `json:"reject_reason,omitempty"`
	CancelAttempts  int        `json:"cancel_attempts,omitempty"`
	Irreconcilable  bool       `json:"irreconcilable,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Transition moves the order to the next state, refusing edges outside the machine.
func (o *LadderOrder) Transition(to OrderState, at time.Time) error {
	if !o.State.CanTransition(to) {
		return fmt.Errorf("order %s: illegal transition %s -> %s", o.ID, o.State, to)
	}
	o.State = to
	o.UpdatedAt = at
	return nil
}

// Notional returns price * size for a limit order.
func (o *LadderOrder) Notional() float64 {
	return o.Price * o.Size
}

// CycleLock 是持久化的周期锁
type CycleLock struct {
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
}
