package exchange

import (
	"binance-ladder-bot-go/internal/models"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"
)

// CandleFeed supplies market data to the paper exchange.
type CandleFeed interface {
	FetchCandles(ctx context.Context, symbol, timeframe string, since time.Time, limit int) ([]models.Candle, error)
}

// FailureFunc decides whether the n-th call (1-based) of an operation fails.
type FailureFunc func(call int) error

// paperOrder 是模拟盘中的一笔订单
type paperOrder struct {
	ID         int64       `json:"id"`
	ClientID   string      `json:"client_id"`
	Symbol     string      `json:"symbol"`
	Side       models.Side `json:"side"`
	Type       OrderType   `json:"type"`
	Price      float64     `json:"price"`
	Size       float64     `json:"size"`
	FilledSize float64     `json:"filled_size"`
	AvgPrice   float64     `json:"avg_price"`
	Status     OrderStatus `json:"status"`
	UpdateTime time.Time   `json:"update_time"`
}

func (o *paperOrder) ref() OrderRef {
	return OrderRef{
		ExchangeOrderID: strconv.FormatInt(o.ID, 10),
		ClientOrderID:   o.ClientID,
		Symbol:          o.Symbol,
		Side:            o.Side,
		Price:           o.Price,
		Size:            o.Size,
		FilledSize:      o.FilledSize,
		AvgPrice:        o.AvgPrice,
		Status:          o.Status,
		UpdateTime:      o.UpdateTime,
	}
}

// PaperExchange 模拟交易所：挂单按K线的 O->L->H->C 路径撮合，计算手续费和滑点。
// 可通过 SetFailure 注入故障，用于测试网络异常和交易所拒单。
type PaperExchange struct {
	mu sync.Mutex

	Cash          float64
	Positions     map[string]float64 // 带符号的持仓数量，空头为负
	AvgEntryPrice map[string]float64
	CurrentPrice  map[string]float64
	CurrentTime   time.Time
	TotalFees     float64

	orders      map[int64]*paperOrder
	byClient    map[string]int64
	nextOrderID int64
	seq         int64

	makerFeeRate float64
	takerFeeRate float64
	slippageRate float64
	rules        *SymbolRules

	feed     CandleFeed
	candles  map[string][]models.Candle
	lastSeen map[string]time.Time

	funding map[string]float64

	failures map[string]FailureFunc
	calls    map[string]int
}

// NewPaperExchange creates a simulated venue with the given rules and starting balance.
func NewPaperExchange(cfg models.PaperConfig, feed CandleFeed) (*PaperExchange, error) {
	rules, err := NewSymbolRules("", cfg.TickSize, cfg.StepSize, cfg.StepSize, cfg.MinNotional)
	if err != nil {
		return nil, err
	}
	return &PaperExchange{
		Cash:          cfg.InitialBalance,
		Positions:     make(map[string]float64),
		AvgEntryPrice: make(map[string]float64),
		CurrentPrice:  make(map[string]float64),
		orders:        make(map[int64]*paperOrder),
		byClient:      make(map[string]int64),
		nextOrderID:   1,
		makerFeeRate:  cfg.MakerFeeRate,
		takerFeeRate:  cfg.TakerFeeRate,
		slippageRate:  cfg.SlippageRate,
		rules:         rules,
		feed:          feed,
		candles:       make(map[string][]models.Candle),
		lastSeen:      make(map[string]time.Time),
		funding:       make(map[string]float64),
		failures:      make(map[string]FailureFunc),
		calls:         make(map[string]int),
	}, nil
}

// SetFailure installs a failure function for op ("PlaceOrder", "CancelOrder", ...). nil removes it.
func (e *PaperExchange) SetFailure(op string, fn FailureFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fn == nil {
		delete(e.failures, op)
		return
	}
	e.failures[op] = fn
	e.calls[op] = 0
}

// Calls returns how many times op was invoked, counted from the last SetFailure for op.
func (e *PaperExchange) Calls(op string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[op]
}

// 必须在持有锁的情况下调用
func (e *PaperExchange) injected(op string) error {
	e.calls[op]++
	if fn, ok := e.failures[op]; ok {
		return fn(e.calls[op])
	}
	return nil
}

// AddCandles queues candles for FetchCandles when no feed is configured.
func (e *PaperExchange) AddCandles(symbol string, candles ...models.Candle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.candles[symbol] = append(e.candles[symbol], candles...)
}

// SetPrice 设置当前价格并检查挂单是否成交
func (e *PaperExchange) SetPrice(symbol string, price float64, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CurrentTime = at
	e.CurrentPrice[symbol] = price
	e.checkLimitOrdersAtPrice(symbol, price)
}

// applyCandle 按 O->L->H->C 的路径模拟价格变动并处理所有可能成交的订单。必须在持有锁的情况下调用。
func (e *PaperExchange) applyCandle(symbol string, c models.Candle) {
	if !c.OpenTime.After(e.lastSeen[symbol]) {
		return
	}
	e.lastSeen[symbol] = c.OpenTime
	e.CurrentTime = c.CloseTime
	for _, p := range []float64{c.Open, c.Low, c.High, c.Close} {
		e.CurrentPrice[symbol] = p
		e.checkLimitOrdersAtPrice(symbol, p)
	}
}

// checkLimitOrdersAtPrice 按订单ID顺序检查挂单是否可在指定价格成交。必须在持有锁的情况下调用。
func (e *PaperExchange) checkLimitOrdersAtPrice(symbol string, price float64) {
	var ids []int64
	for id, o := range e.orders {
		if o.Symbol == symbol && o.Status.Open() && o.Type == OrderTypeLimit {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		o := e.orders[id]
		if (o.Side == models.Buy && price <= o.Price) || (o.Side == models.Sell && price >= o.Price) {
			e.fill(o, o.Price, e.makerFeeRate)
		}
	}
}

// fill 以剩余数量全部成交。必须在持有锁的情况下调用。
func (e *PaperExchange) fill(o *paperOrder, price, feeRate float64) {
	e.fillQty(o, o.Size-o.FilledSize, price, feeRate)
}

// fillQty 处理成交，更新持仓、均价和现金。必须在持有锁的情况下调用。
func (e *PaperExchange) fillQty(o *paperOrder, qty, price, feeRate float64) {
	fee := price * qty * feeRate
	e.TotalFees += fee
	e.Cash -= fee

	signed := qty
	if o.Side == models.Sell {
		signed = -qty
	}
	pos := e.Positions[o.Symbol]
	avg := e.AvgEntryPrice[o.Symbol]

	switch {
	case pos == 0 || math.Signbit(pos) == math.Signbit(signed):
		// 开仓或加仓
		newPos := pos + signed
		e.AvgEntryPrice[o.Symbol] = (avg*math.Abs(pos) + price*qty) / math.Abs(newPos)
		e.Positions[o.Symbol] = newPos
	default:
		// 平仓，只在减少的部分上实现盈亏
		closing := math.Min(qty, math.Abs(pos))
		direction := 1.0
		if pos < 0 {
			direction = -1.0
		}
		e.Cash += (price - avg) * closing * direction
		newPos := pos + signed
		if math.Abs(newPos) < 1e-12 {
			newPos = 0
		}
		e.Positions[o.Symbol] = newPos
		switch {
		case newPos == 0:
			e.AvgEntryPrice[o.Symbol] = 0
		case math.Signbit(newPos) != math.Signbit(pos):
			// 反手后的剩余部分按成交价开仓
			e.AvgEntryPrice[o.Symbol] = price
		}
	}

	e.seq++
	if o.FilledSize == 0 {
		o.AvgPrice = price
	} else {
		o.AvgPrice = (o.AvgPrice*o.FilledSize + price*qty) / (o.FilledSize + qty)
	}
	o.FilledSize += qty
	o.Status = StatusPartiallyFilled
	if o.FilledSize >= o.Size-1e-12 {
		o.FilledSize = o.Size
		o.Status = StatusFilled
	}
	o.UpdateTime = e.CurrentTime.Add(time.Duration(e.seq) * time.Microsecond)
}

// FetchCandles 返回新的已收盘K线，并用它们推进撮合
func (e *PaperExchange) FetchCandles(ctx context.Context, symbol, timeframe string, since time.Time, limit int) ([]models.Candle, error) {
	e.mu.Lock()
	if err := e.injected("FetchCandles"); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	feed := e.feed
	e.mu.Unlock()

	var candles []models.Candle
	if feed != nil {
		fetched, err := feed.FetchCandles(ctx, symbol, timeframe, since, limit)
		if err != nil {
			return nil, err
		}
		candles = fetched
	} else {
		e.mu.Lock()
		for _, c := range e.candles[symbol] {
			if since.IsZero() || !c.OpenTime.Before(since) {
				candles = append(candles, c)
			}
		}
		e.mu.Unlock()
		if since.IsZero() && limit > 0 && len(candles) > limit {
			candles = candles[len(candles)-limit:]
		}
	}

	e.mu.Lock()
	for _, c := range candles {
		e.applyCandle(symbol, c)
	}
	e.mu.Unlock()
	return candles, nil
}

func (e *PaperExchange) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderRef, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.injected("PlaceOrder"); err != nil {
		return nil, err
	}
	if _, dup := e.byClient[req.ClientOrderID]; dup && req.ClientOrderID != "" {
		return nil, fmt.Errorf("PlaceOrder: %w: %s", ErrDuplicateOrder, req.ClientOrderID)
	}
	price := req.Price
	if req.Type == OrderTypeMarket {
		price = 0
	}
	if err := e.rules.Check(price, req.Size, 0); err != nil {
		return nil, fmt.Errorf("PlaceOrder: %w", err)
	}

	current, hasPrice := e.CurrentPrice[req.Symbol]
	if req.Type == OrderTypeMarket && !hasPrice {
		return nil, fmt.Errorf("PlaceOrder: %w: no market price for %s", ErrRejected, req.Symbol)
	}
	if req.ReduceOnly {
		pos := e.Positions[req.Symbol]
		if pos == 0 || (pos > 0) == (req.Side == models.Buy) {
			return nil, fmt.Errorf("PlaceOrder: %w: reduce-only order would increase position", ErrRejected)
		}
	}

	o := &paperOrder{
		ID:         e.nextOrderID,
		ClientID:   req.ClientOrderID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Price:      req.Price,
		Size:       req.Size,
		Status:     StatusNew,
		UpdateTime: e.CurrentTime,
	}
	e.nextOrderID++
	e.orders[o.ID] = o
	if o.ClientID != "" {
		e.byClient[o.ClientID] = o.ID
	}

	switch {
	case req.Type == OrderTypeMarket:
		// 市价单使用当前价作为基础，加上滑点
		exec := current * (1 + e.slippageRate)
		if req.Side == models.Sell {
			exec = current * (1 - e.slippageRate)
		}
		e.fill(o, exec, e.takerFeeRate)
	case hasPrice && ((req.Side == models.Buy && req.Price >= current) || (req.Side == models.Sell && req.Price <= current)):
		if req.PostOnly {
			o.Status = StatusExpired
			return nil, fmt.Errorf("PlaceOrder: %w: post-only order would take liquidity", ErrRejected)
		}
		e.fill(o, current, e.takerFeeRate)
	}

	ref := o.ref()
	return &ref, nil
}

func (e *PaperExchange) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) (*OrderRef, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.injected("CancelOrder"); err != nil {
		return nil, err
	}
	id, _ := strconv.ParseInt(exchangeOrderID, 10, 64)
	o, ok := e.orders[id]
	if !ok || !o.Status.Open() {
		return nil, fmt.Errorf("CancelOrder: %w: %s", ErrNotFound, exchangeOrderID)
	}
	o.Status = StatusCanceled
	e.seq++
	o.UpdateTime = e.CurrentTime.Add(time.Duration(e.seq) * time.Microsecond)
	ref := o.ref()
	return &ref, nil
}

func (e *PaperExchange) FetchOpenOrders(ctx context.Context, symbol string) ([]OrderRef, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.injected("FetchOpenOrders"); err != nil {
		return nil, err
	}
	var refs []OrderRef
	for _, o := range e.orders {
		if o.Symbol == symbol && o.Status.Open() {
			refs = append(refs, o.ref())
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ExchangeOrderID < refs[j].ExchangeOrderID })
	return refs, nil
}

func (e *PaperExchange) FetchOrder(ctx context.Context, symbol, clientOrderID string) (*OrderRef, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.injected("FetchOrder"); err != nil {
		return nil, err
	}
	id, ok := e.byClient[clientOrderID]
	if !ok {
		return nil, fmt.Errorf("FetchOrder: %w: %s", ErrNotFound, clientOrderID)
	}
	ref := e.orders[id].ref()
	return &ref, nil
}

// FetchBalance 合约账户总权益 = 现金 + 未实现盈亏
func (e *PaperExchange) FetchBalance(ctx context.Context) (*Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.injected("FetchBalance"); err != nil {
		return nil, err
	}
	equity := e.Cash
	for symbol, pos := range e.Positions {
		equity += (e.CurrentPrice[symbol] - e.AvgEntryPrice[symbol]) * pos
	}
	return &Balance{Asset: "USDT", Equity: equity, Available: e.Cash}, nil
}

func (e *PaperExchange) SymbolRules(ctx context.Context, symbol string) (*SymbolRules, error) {
	r := *e.rules
	r.Symbol = symbol
	return &r, nil
}

// SetFundingRate fixes the per-period funding rate reported for symbol.
func (e *PaperExchange) SetFundingRate(symbol string, rate float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.funding[symbol] = rate
}

// FundingRate returns the rate set with SetFundingRate, otherwise the feed's
// rate when the feed is a FundingSource, otherwise zero.
func (e *PaperExchange) FundingRate(ctx context.Context, symbol string) (float64, error) {
	e.mu.Lock()
	if err := e.injected("FundingRate"); err != nil {
		e.mu.Unlock()
		return 0, err
	}
	rate, ok := e.funding[symbol]
	feed := e.feed
	e.mu.Unlock()
	if ok {
		return rate, nil
	}
	if src, isSource := feed.(FundingSource); isSource {
		return src.FundingRate(ctx, symbol)
	}
	return 0, nil
}

// ForceFill fills a resting order at its limit price, as if the market traded through it.
func (e *PaperExchange) ForceFill(clientOrderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.byClient[clientOrderID]
	if !ok || !e.orders[id].Status.Open() {
		return fmt.Errorf("%w: %s", ErrNotFound, clientOrderID)
	}
	o := e.orders[id]
	e.fill(o, o.Price, e.makerFeeRate)
	return nil
}

// PartialFill executes qty of a resting order at its limit price and leaves the rest on the book.
func (e *PaperExchange) PartialFill(clientOrderID string, qty float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.byClient[clientOrderID]
	if !ok || !e.orders[id].Status.Open() {
		return fmt.Errorf("%w: %s", ErrNotFound, clientOrderID)
	}
	o := e.orders[id]
	if qty <= 0 || qty >= o.Size-o.FilledSize {
		return fmt.Errorf("partial fill %v out of range for %s", qty, clientOrderID)
	}
	e.fillQty(o, qty, o.Price, e.makerFeeRate)
	return nil
}

// Forget drops an order from the venue entirely, simulating an order the exchange has no record of.
func (e *PaperExchange) Forget(clientOrderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id, ok := e.byClient[clientOrderID]; ok {
		delete(e.orders, id)
		delete(e.byClient, clientOrderID)
	}
}

// paperSnapshot 是模拟盘的持久化格式
type paperSnapshot struct {
	Cash          float64              `json:"cash"`
	Positions     map[string]float64   `json:"positions"`
	AvgEntryPrice map[string]float64   `json:"avg_entry_price"`
	CurrentPrice  map[string]float64   `json:"current_price"`
	CurrentTime   time.Time            `json:"current_time"`
	TotalFees     float64              `json:"total_fees"`
	Orders        []*paperOrder        `json:"orders"`
	NextOrderID   int64                `json:"next_order_id"`
	LastSeen      map[string]time.Time `json:"last_seen"`
}

// Save writes the simulated account to path so a later run can resume it.
func (e *PaperExchange) Save(path string) error {
	e.mu.Lock()
	snap := paperSnapshot{
		Cash:          e.Cash,
		Positions:     e.Positions,
		AvgEntryPrice: e.AvgEntryPrice,
		CurrentPrice:  e.CurrentPrice,
		CurrentTime:   e.CurrentTime,
		TotalFees:     e.TotalFees,
		NextOrderID:   e.nextOrderID,
		LastSeen:      e.lastSeen,
	}
	for _, o := range e.orders {
		snap.Orders = append(snap.Orders, o)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	e.mu.Unlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load restores a snapshot written by Save. A missing file is not an error.
func (e *PaperExchange) Load(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap paperSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse paper state %s: %w", path, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.Cash = snap.Cash
	e.TotalFees = snap.TotalFees
	e.CurrentTime = snap.CurrentTime
	e.nextOrderID = snap.NextOrderID
	for k, v := range snap.Positions {
		e.Positions[k] = v
	}
	for k, v := range snap.AvgEntryPrice {
		e.AvgEntryPrice[k] = v
	}
	for k, v := range snap.CurrentPrice {
		e.CurrentPrice[k] = v
	}
	for k, v := range snap.LastSeen {
		e.lastSeen[k] = v
	}
	for _, o := range snap.Orders {
		e.orders[o.ID] = o
		if o.ClientID != "" {
			e.byClient[o.ClientID] = o.ID
		}
	}
	return nil
}
