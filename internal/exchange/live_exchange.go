package exchange

import (
	"binance-ladder-bot-go/internal/models"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"go.uber.org/zap"
)

const (
	baseURLProduction = "https://fapi.binance.com"
	baseURLTestnet    = "https://testnet.binancefuture.com"
	klinePageLimit    = 1000 // 币安单次请求最多1000条
)

// LiveExchange 通过 go-binance 的 U 本位合约客户端实现 Client。
type LiveExchange struct {
	client      *futures.Client
	callTimeout time.Duration
	logger      *zap.Logger
	now         func() time.Time

	mu    sync.Mutex
	rules map[string]*SymbolRules // 缓存交易规则
}

// NewLiveExchange 创建实盘交易所适配器。没有密钥时仅可访问公共接口（K线、交易规则）。
func NewLiveExchange(apiKey, secretKey string, testnet bool, callTimeout time.Duration, logger *zap.Logger) *LiveExchange {
	client := futures.NewClient(apiKey, secretKey)
	// Set BaseURL directly instead of using global futures.UseTestnet
	if testnet {
		client.BaseURL = baseURLTestnet
	} else {
		client.BaseURL = baseURLProduction
	}
	logger.Info("binance futures client configured", zap.String("baseURL", client.BaseURL))

	return &LiveExchange{
		client:      client,
		callTimeout: callTimeout,
		logger:      logger,
		now:         time.Now,
		rules:       make(map[string]*SymbolRules),
	}
}

func (e *LiveExchange) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.callTimeout)
}

// FetchCandles 分页下载K线，只返回已收盘的K线
func (e *LiveExchange) FetchCandles(ctx context.Context, symbol, timeframe string, since time.Time, limit int) ([]models.Candle, error) {
	now := e.now()
	var out []models.Candle

	for page := 0; ; page++ {
		svc := e.client.NewKlinesService().Symbol(symbol).Interval(timeframe)
		if since.IsZero() {
			svc = svc.Limit(limit)
		} else {
			svc = svc.StartTime(since.UnixMilli()).Limit(klinePageLimit)
		}

		callCtx, cancel := e.withTimeout(ctx)
		klines, err := svc.Do(callCtx)
		cancel()
		if err != nil {
			return nil, mapError("FetchCandles", err)
		}

		candles, err := klinesToCandles(klines)
		if err != nil {
			return nil, fmt.Errorf("FetchCandles: %w", err)
		}
		for _, c := range candles {
			if c.CloseTime.Before(now) {
				out = append(out, c)
			}
		}

		// 更新下一次请求的开始时间
		if since.IsZero() || len(klines) < klinePageLimit {
			break
		}
		since = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		if !since.Before(now) {
			break
		}
	}
	return out, nil
}

func klinesToCandles(klines []*futures.Kline) ([]models.Candle, error) {
	candles := make([]models.Candle, 0, len(klines))
	for _, k := range klines {
		vals := make([]float64, 5)
		for i, raw := range []string{k.Open, k.High, k.Low, k.Close, k.Volume} {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("parse kline %d: %w", k.OpenTime, err)
			}
			vals[i] = v
		}
		candles = append(candles, models.Candle{
			OpenTime:  time.UnixMilli(k.OpenTime).UTC(),
			CloseTime: time.UnixMilli(k.CloseTime).UTC(),
			Open:      vals[0],
			High:      vals[1],
			Low:       vals[2],
			Close:     vals[3],
			Volume:    vals[4],
		})
	}
	return candles, nil
}

// PlaceOrder 下单。只挂单(post-only)使用 GTX，被拒时交易所返回 EXPIRED 状态。
func (e *LiveExchange) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderRef, error) {
	rules, err := e.SymbolRules(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}

	svc := e.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Quantity(rules.FormatQty(req.Size)).
		NewClientOrderID(req.ClientOrderID).
		NewOrderResponseType(futures.NewOrderRespTypeRESULT)
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.Type == OrderTypeMarket {
		svc = svc.Type(futures.OrderTypeMarket)
	} else {
		tif := futures.TimeInForceTypeGTC
		if req.PostOnly {
			tif = futures.TimeInForceTypeGTX
		}
		svc = svc.Type(futures.OrderTypeLimit).TimeInForce(tif).Price(rules.FormatPrice(req.Price))
	}

	callCtx, cancel := e.withTimeout(ctx)
	defer cancel()
	resp, err := svc.Do(callCtx)
	if err != nil {
		return nil, mapError("PlaceOrder", err)
	}

	ref := &OrderRef{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID:   resp.ClientOrderID,
		Symbol:          resp.Symbol,
		Side:            models.Side(resp.Side),
		Price:           parseFloat(resp.Price),
		Size:            parseFloat(resp.OrigQuantity),
		FilledSize:      parseFloat(resp.ExecutedQuantity),
		AvgPrice:        parseFloat(resp.AvgPrice),
		Status:          OrderStatus(resp.Status),
		UpdateTime:      time.UnixMilli(resp.UpdateTime).UTC(),
	}
	if req.PostOnly && ref.Status == StatusExpired {
		return nil, fmt.Errorf("PlaceOrder: %w: post-only order would take liquidity", ErrRejected)
	}
	return ref, nil
}

func (e *LiveExchange) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) (*OrderRef, error) {
	id, err := strconv.ParseInt(exchangeOrderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("CancelOrder: %w: bad order id %q", ErrNotFound, exchangeOrderID)
	}

	callCtx, cancel := e.withTimeout(ctx)
	defer cancel()
	resp, err := e.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(callCtx)
	if err != nil {
		return nil, mapError("CancelOrder", err)
	}
	return &OrderRef{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID:   resp.ClientOrderID,
		Symbol:          resp.Symbol,
		Side:            models.Side(resp.Side),
		Price:           parseFloat(resp.Price),
		Size:            parseFloat(resp.OrigQuantity),
		FilledSize:      parseFloat(resp.ExecutedQuantity),
		AvgPrice:        parseFloat(resp.Price), // maker fills execute at the limit price
		Status:          OrderStatus(resp.Status),
		UpdateTime:      time.UnixMilli(resp.UpdateTime).UTC(),
	}, nil
}

func (e *LiveExchange) FetchOpenOrders(ctx context.Context, symbol string) ([]OrderRef, error) {
	callCtx, cancel := e.withTimeout(ctx)
	defer cancel()
	orders, err := e.client.NewListOpenOrdersService().Symbol(symbol).Do(callCtx)
	if err != nil {
		return nil, mapError("FetchOpenOrders", err)
	}
	refs := make([]OrderRef, 0, len(orders))
	for _, o := range orders {
		refs = append(refs, *orderToRef(o))
	}
	return refs, nil
}

func (e *LiveExchange) FetchOrder(ctx context.Context, symbol, clientOrderID string) (*OrderRef, error) {
	callCtx, cancel := e.withTimeout(ctx)
	defer cancel()
	o, err := e.client.NewGetOrderService().Symbol(symbol).OrigClientOrderID(clientOrderID).Do(callCtx)
	if err != nil {
		return nil, mapError("FetchOrder", err)
	}
	return orderToRef(o), nil
}

func orderToRef(o *futures.Order) *OrderRef {
	update := o.UpdateTime
	if update == 0 {
		update = o.Time
	}
	return &OrderRef{
		ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
		ClientOrderID:   o.ClientOrderID,
		Symbol:          o.Symbol,
		Side:            models.Side(o.Side),
		Price:           parseFloat(o.Price),
		Size:            parseFloat(o.OrigQuantity),
		FilledSize:      parseFloat(o.ExecutedQuantity),
		AvgPrice:        parseFloat(o.AvgPrice),
		Status:          OrderStatus(o.Status),
		UpdateTime:      time.UnixMilli(update).UTC(),
	}
}

// FetchBalance 返回账户保证金余额作为权益
func (e *LiveExchange) FetchBalance(ctx context.Context) (*Balance, error) {
	callCtx, cancel := e.withTimeout(ctx)
	defer cancel()
	acc, err := e.client.NewGetAccountService().Do(callCtx)
	if err != nil {
		return nil, mapError("FetchBalance", err)
	}
	return &Balance{
		Asset:     "USDT",
		Equity:    parseFloat(acc.TotalMarginBalance),
		Available: parseFloat(acc.AvailableBalance),
	}, nil
}

// SymbolRules 获取并缓存交易对的 PRICE_FILTER / LOT_SIZE / MIN_NOTIONAL 规则
func (e *LiveExchange) SymbolRules(ctx context.Context, symbol string) (*SymbolRules, error) {
	e.mu.Lock()
	cached, ok := e.rules[symbol]
	e.mu.Unlock()
	if ok {
		return cached, nil
	}

	callCtx, cancel := e.withTimeout(ctx)
	defer cancel()
	info, err := e.client.NewExchangeInfoService().Do(callCtx)
	if err != nil {
		return nil, mapError("SymbolRules", err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		rules, err := rulesFromFilters(symbol, s.Filters)
		if err != nil {
			return nil, fmt.Errorf("SymbolRules: %w: %w", ErrFatal, err)
		}
		e.mu.Lock()
		e.rules[symbol] = rules
		e.mu.Unlock()
		e.logger.Info("cached symbol rules",
			zap.String("symbol", symbol),
			zap.String("tick", rules.TickSize.String()),
			zap.String("step", rules.StepSize.String()),
			zap.String("minNotional", rules.MinNotional.String()))
		return rules, nil
	}
	return nil, fmt.Errorf("SymbolRules: %w: symbol %s not listed", ErrFatal, symbol)
}

// FundingRate returns lastFundingRate from the premium index.
func (e *LiveExchange) FundingRate(ctx context.Context, symbol string) (float64, error) {
	callCtx, cancel := e.withTimeout(ctx)
	defer cancel()
	res, err := e.client.NewPremiumIndexService().Symbol(symbol).Do(callCtx)
	if err != nil {
		return 0, mapError("FundingRate", err)
	}
	for _, p := range res {
		if p.Symbol == symbol {
			return parseFloat(p.LastFundingRate), nil
		}
	}
	return 0, fmt.Errorf("FundingRate: %w: no premium index for %s", ErrNotFound, symbol)
}

func rulesFromFilters(symbol string, filters []map[string]interface{}) (*SymbolRules, error) {
	var tick, step, minQty, minNotional string
	for _, f := range filters {
		str := func(key string) string {
			v, _ := f[key].(string)
			return v
		}
		switch str("filterType") {
		case "PRICE_FILTER":
			tick = str("tickSize")
		case "LOT_SIZE":
			step = str("stepSize")
			minQty = str("minQty")
		case "MIN_NOTIONAL":
			minNotional = str("notional")
		}
	}
	if tick == "" || step == "" {
		return nil, fmt.Errorf("%s: missing PRICE_FILTER or LOT_SIZE", symbol)
	}
	return NewSymbolRules(symbol, tick, step, minQty, minNotional)
}

// mapError 将 go-binance 的错误映射到错误分类
func mapError(op string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		var mapped error
		switch apiErr.Code {
		case -1000, -1001, -1003, -1007, -1008, -1021: // unknown, disconnected, rate limit, timeout, overloaded, recvWindow
			mapped = ErrTransient
		case -1002, -1022, -2014, -2015: // unauthorized, bad signature, bad key, permissions
			mapped = ErrFatal
		case -2011, -2013: // unknown order on cancel, order does not exist
			mapped = ErrNotFound
		case -4116: // ClientOrderId is duplicated
			mapped = ErrDuplicateOrder
		default:
			mapped = ErrRejected
		}
		return fmt.Errorf("%s failed: %w: %w", op, mapped, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s canceled: %w", op, err)
	}
	return fmt.Errorf("%s failed: %w: %w", op, ErrTransient, err)
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
