package bot

import (
	"binance-ladder-bot-go/internal/exchange"
	"binance-ladder-bot-go/internal/models"
	"binance-ladder-bot-go/internal/retry"
	"binance-ladder-bot-go/internal/storage"
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// fetchLimit 是单次请求的最大K线数量 (Binance 上限 1500)
const fetchLimit = 1000

// CandleLoader keeps the sqlite candle cache current and serves the window
// the feature stage needs. Only closed candles are cached; cached rows are
// never rewritten.
type CandleLoader struct {
	db        *sql.DB
	ex        exchange.Client
	symbol    string
	timeframe string
	bar       time.Duration
	window    int
	policy    retry.Policy
	logger    *zap.Logger
}

func NewCandleLoader(db *sql.DB, ex exchange.Client, symbol, timeframe string, window int, policy retry.Policy, logger *zap.Logger) *CandleLoader {
	bar, _ := models.ParseTimeframe(timeframe)
	return &CandleLoader{
		db:        db,
		ex:        ex,
		symbol:    symbol,
		timeframe: timeframe,
		bar:       bar,
		window:    window,
		policy:    policy,
		logger:    logger,
	}
}

// Load fetches candles newer than the cache, stores the closed ones and
// returns the latest window. A failed fetch is returned as an error even when
// older candles are cached: deciding on stale data is worse than skipping.
func (l *CandleLoader) Load(ctx context.Context, now time.Time) ([]models.Candle, error) {
	last, cached, err := storage.LastCandleTime(l.db, l.symbol, l.timeframe)
	if err != nil {
		return nil, err
	}
	var since time.Time
	limit := l.window + 1
	if cached {
		since = last.Add(l.bar)
		limit = fetchLimit
	}

	res := retry.Do(ctx, l.policy, exchange.IsTransient, func(ctx context.Context) ([]models.Candle, error) {
		return l.ex.FetchCandles(ctx, l.symbol, l.timeframe, since, limit)
	})
	if !res.OK() {
		return nil, fmt.Errorf("获取K线失败 (%d 次尝试): %w", res.Attempts, res.Err)
	}

	closed := make([]models.Candle, 0, len(res.Value))
	for _, c := range res.Value {
		// 未收盘的K线不入库
		if c.CloseTime.After(now) {
			continue
		}
		closed = append(closed, c)
	}
	inserted, err := storage.InsertCandles(l.db, l.symbol, l.timeframe, closed)
	if err != nil {
		return nil, err
	}
	l.logger.Debug("candles synced",
		zap.String("symbol", l.symbol),
		zap.Int("fetched", len(res.Value)),
		zap.Int("inserted", inserted))

	candles, err := storage.RecentCandles(l.db, l.symbol, l.timeframe, l.window)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("no closed candles cached for %s %s", l.symbol, l.timeframe)
	}
	// 最新一根K线过旧说明数据源停滞
	if newest := candles[len(candles)-1]; now.Sub(newest.OpenTime) > 3*l.bar {
		return nil, fmt.Errorf("newest %s candle opened %s, market data is stale", l.timeframe, newest.OpenTime.Format(time.RFC3339))
	}
	return candles, nil
}

// NextCycleNumber hands out the monotonically increasing cycle number kept
// next to the candle cache.
func (l *CandleLoader) NextCycleNumber() (int64, error) {
	return storage.GetNextCycleID(l.db)
}
