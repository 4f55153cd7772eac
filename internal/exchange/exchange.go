package exchange

import (
	"binance-ladder-bot-go/internal/models"
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Client 定义了交易核心依赖的交易所操作。
// 所有调用都可能因网络失败，返回的错误可通过 Classify 归类。
// 这使得机器人可以在实盘和模拟盘之间轻松切换。
type Client interface {
	// FetchCandles returns candles opening at or after since, oldest first.
	// A zero since asks for the latest limit candles.
	FetchCandles(ctx context.Context, symbol, timeframe string, since time.Time, limit int) ([]models.Candle, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderRef, error)
	// CancelOrder returns the final order snapshot, including any partial fill.
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) (*OrderRef, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]OrderRef, error)
	// FetchOrder looks an order up by client order id; unknown ids yield ErrNotFound.
	FetchOrder(ctx context.Context, symbol, clientOrderID string) (*OrderRef, error)
	FetchBalance(ctx context.Context) (*Balance, error)
	SymbolRules(ctx context.Context, symbol string) (*SymbolRules, error)
}

// FundingSource reports the funding rate of a perpetual for one settlement
// period. Venues without funding do not implement it.
type FundingSource interface {
	FundingRate(ctx context.Context, symbol string) (float64, error)
}

// FundingPeriodsPerYear assumes the usual 8h settlement.
const FundingPeriodsPerYear = 3 * 365

// OrderType 订单类型
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderRequest 描述一次下单
type OrderRequest struct {
	Symbol        string
	Side          models.Side
	Type          OrderType
	Price         float64
	Size          float64
	PostOnly      bool
	ReduceOnly    bool
	ClientOrderID string
}

// OrderStatus mirrors the exchange order status values.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// Open reports whether the order still rests on the book.
func (s OrderStatus) Open() bool {
	return s == StatusNew || s == StatusPartiallyFilled
}

// OrderRef 是交易所侧的订单快照
type OrderRef struct {
	ExchangeOrderID string
	ClientOrderID   string
	Symbol          string
	Side            models.Side
	Price           float64
	Size            float64
	FilledSize      float64
	AvgPrice        float64
	Status          OrderStatus
	UpdateTime      time.Time
}

// Balance 账户权益
type Balance struct {
	Asset     string
	Equity    float64
	Available float64
}

// SymbolRules holds the trading filters of a symbol.
type SymbolRules struct {
	Symbol      string
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// NewSymbolRules parses exchange filter strings.
func NewSymbolRules(symbol, tick, step, minQty, minNotional string) (*SymbolRules, error) {
	r := &SymbolRules{Symbol: symbol}
	fields := []struct {
		raw string
		dst *decimal.Decimal
	}{{tick, &r.TickSize}, {step, &r.StepSize}, {minQty, &r.MinQty}, {minNotional, &r.MinNotional}}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return nil, fmt.Errorf("%s: bad filter value %q: %w", symbol, f.raw, err)
		}
		*f.dst = d
	}
	return r, nil
}

// RoundPrice 将价格对齐到 tick：买单向下取整，卖单向上取整，保证挂单不会比决策价更激进
func (r *SymbolRules) RoundPrice(price float64, side models.Side) float64 {
	if r.TickSize.IsZero() {
		return price
	}
	units := decimal.NewFromFloat(price).Div(r.TickSize)
	if side == models.Buy {
		units = units.Floor()
	} else {
		units = units.Ceil()
	}
	return units.Mul(r.TickSize).InexactFloat64()
}

// FloorQty 将数量向下对齐到 step
func (r *SymbolRules) FloorQty(qty float64) float64 {
	if r.StepSize.IsZero() {
		return qty
	}
	return decimal.NewFromFloat(qty).Div(r.StepSize).Floor().Mul(r.StepSize).InexactFloat64()
}

// Tick returns the price increment as a float.
func (r *SymbolRules) Tick() float64 {
	return r.TickSize.InexactFloat64()
}

// FormatPrice renders a price with the tick's precision.
func (r *SymbolRules) FormatPrice(price float64) string {
	return decimal.NewFromFloat(price).StringFixed(-r.TickSize.Exponent())
}

// FormatQty renders a size with the step's precision.
func (r *SymbolRules) FormatQty(qty float64) string {
	return decimal.NewFromFloat(qty).StringFixed(-r.StepSize.Exponent())
}

// Check 在提交前校验订单是否满足交易所规则，不满足时返回 ErrRejected
func (r *SymbolRules) Check(price, qty, minNotional float64) error {
	q := decimal.NewFromFloat(qty)
	if !q.IsPositive() {
		return fmt.Errorf("%w: size %v is not positive", ErrRejected, qty)
	}
	if q.LessThan(r.MinQty) {
		return fmt.Errorf("%w: size %v below min qty %s", ErrRejected, qty, r.MinQty)
	}
	if !r.StepSize.IsZero() && !q.Mod(r.StepSize).IsZero() {
		return fmt.Errorf("%w: size %v not a multiple of step %s", ErrRejected, qty, r.StepSize)
	}
	if price <= 0 {
		// market orders carry no price; notional is checked by the exchange
		return nil
	}
	p := decimal.NewFromFloat(price)
	if !r.TickSize.IsZero() && !p.Mod(r.TickSize).IsZero() {
		return fmt.Errorf("%w: price %v not a multiple of tick %s", ErrRejected, price, r.TickSize)
	}
	floor := decimal.Max(r.MinNotional, decimal.NewFromFloat(minNotional))
	if notional := p.Mul(q); notional.LessThan(floor) {
		return fmt.Errorf("%w: notional %s below minimum %s", ErrRejected, notional.StringFixed(4), floor)
	}
	return nil
}
