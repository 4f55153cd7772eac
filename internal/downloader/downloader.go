package downloader

import (
	"binance-ladder-bot-go/internal/exchange"
	"binance-ladder-bot-go/internal/models"
	"binance-ladder-bot-go/internal/retry"
	"binance-ladder-bot-go/internal/storage"
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// pageLimit 是单次请求的K线数量
const pageLimit = 1000

// KlineDownloader 把历史K线分页写入 sqlite 缓存，用于冷启动和离线训练
type KlineDownloader struct {
	ex     exchange.Client
	db     *sql.DB
	policy retry.Policy
	pause  time.Duration // 两次请求之间的间隔，避免触发限频
	logger *zap.Logger
}

// NewKlineDownloader 创建一个新的下载器实例
func NewKlineDownloader(ex exchange.Client, db *sql.DB, policy retry.Policy, pause time.Duration, logger *zap.Logger) *KlineDownloader {
	return &KlineDownloader{ex: ex, db: db, policy: policy, pause: pause, logger: logger}
}

// Backfill downloads closed candles in [start, end) and stores them. Candles
// already cached are skipped by the store. It returns the number inserted.
func (d *KlineDownloader) Backfill(ctx context.Context, symbol, timeframe string, start, end time.Time) (int, error) {
	bar, ok := models.ParseTimeframe(timeframe)
	if !ok {
		return 0, fmt.Errorf("unsupported timeframe %q", timeframe)
	}
	if !start.Before(end) {
		return 0, fmt.Errorf("start %s is not before end %s", start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	total := 0
	for t := start; t.Before(end); {
		since := t
		res := retry.Do(ctx, d.policy, exchange.IsTransient, func(ctx context.Context) ([]models.Candle, error) {
			return d.ex.FetchCandles(ctx, symbol, timeframe, since, pageLimit)
		})
		if !res.OK() {
			return total, fmt.Errorf("下载K线数据失败 (%s): %w", since.Format(time.RFC3339), res.Err)
		}
		if len(res.Value) == 0 {
			break
		}

		page := make([]models.Candle, 0, len(res.Value))
		for _, c := range res.Value {
			if !c.OpenTime.Before(end) {
				break
			}
			page = append(page, c)
		}
		n, err := storage.InsertCandles(d.db, symbol, timeframe, page)
		if err != nil {
			return total, err
		}
		total += n

		next := res.Value[len(res.Value)-1].OpenTime.Add(bar)
		if !next.After(t) {
			break
		}
		t = next
		d.logger.Info("已下载数据",
			zap.String("symbol", symbol),
			zap.String("until", t.Format("2006-01-02 15:04:05")),
			zap.Int("inserted", n))

		if d.pause > 0 && t.Before(end) {
			select {
			case <-ctx.Done():
				return total, ctx.Err()
			case <-time.After(d.pause):
			}
		}
	}
	return total, nil
}

// ExportCSV writes the cached candles of a symbol to filePath, oldest first.
// n limits the export to the latest n candles.
func ExportCSV(db *sql.DB, symbol, timeframe string, n int, filePath string) (int, error) {
	candles, err := storage.RecentCandles(db, symbol, timeframe, n)
	if err != nil {
		return 0, err
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("无法创建目录 %s: %v", dir, err)
	}
	file, err := os.Create(filePath)
	if err != nil {
		return 0, fmt.Errorf("无法创建文件 %s: %v", filePath, err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"open_time", "open", "high", "low", "close", "volume", "close_time"}); err != nil {
		return 0, fmt.Errorf("写入CSV表头失败: %v", err)
	}
	for _, c := range candles {
		record := []string{
			strconv.FormatInt(c.OpenTime.UnixMilli(), 10),
			strconv.FormatFloat(c.Open, 'f', -1, 64),
			strconv.FormatFloat(c.High, 'f', -1, 64),
			strconv.FormatFloat(c.Low, 'f', -1, 64),
			strconv.FormatFloat(c.Close, 'f', -1, 64),
			strconv.FormatFloat(c.Volume, 'f', -1, 64),
			strconv.FormatInt(c.CloseTime.UnixMilli(), 10),
		}
		if err := writer.Write(record); err != nil {
			return 0, fmt.Errorf("写入CSV记录失败: %v", err)
		}
	}
	writer.Flush()
	return len(candles), writer.Error()
}
