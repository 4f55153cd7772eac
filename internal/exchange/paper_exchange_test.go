package exchange

import (
	"binance-ladder-bot-go/internal/models"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPaper(t *testing.T) *PaperExchange {
	t.Helper()
	e, err := NewPaperExchange(models.PaperConfig{
		InitialBalance: 10000,
		TickSize:       "0.1",
		StepSize:       "0.001",
		MinNotional:    "5",
	}, nil)
	require.NoError(t, err)
	return e
}

var t0 = time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)

func candle(open time.Time, o, h, l, c float64) models.Candle {
	return models.Candle{OpenTime: open, CloseTime: open.Add(4*time.Hour - time.Millisecond), Open: o, High: h, Low: l, Close: c, Volume: 1}
}

func TestPaperLimitOrderFillsOnCandlePath(t *testing.T) {
	ctx := context.Background()
	e := newPaper(t)
	e.SetPrice("BTCUSDT", 60000, t0)

	ref, err := e.PlaceOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Type: OrderTypeLimit, Price: 59500, Size: 0.01, PostOnly: true, ClientOrderID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, StatusNew, ref.Status)

	open, err := e.FetchOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, open, 1)

	e.AddCandles("BTCUSDT", candle(t0, 60000, 60100, 59400, 59800))
	_, err = e.FetchCandles(ctx, "BTCUSDT", "4h", time.Time{}, 10)
	require.NoError(t, err)

	got, err := e.FetchOrder(ctx, "BTCUSDT", "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, got.Status)
	assert.Equal(t, 59500.0, got.AvgPrice)
	assert.InDelta(t, 0.01, e.Positions["BTCUSDT"], 1e-12)

	open, err = e.FetchOpenOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestPaperPostOnlyCrossingIsRejected(t *testing.T) {
	e := newPaper(t)
	e.SetPrice("BTCUSDT", 60000, t0)

	_, err := e.PlaceOrder(context.Background(), OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Type: OrderTypeLimit, Price: 60010, Size: 0.01, PostOnly: true, ClientOrderID: "c1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejected))
}

func TestPaperDuplicateClientIDRefused(t *testing.T) {
	ctx := context.Background()
	e := newPaper(t)
	req := OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Type: OrderTypeLimit, Price: 59000, Size: 0.01, ClientOrderID: "same"}
	_, err := e.PlaceOrder(ctx, req)
	require.NoError(t, err)
	_, err = e.PlaceOrder(ctx, req)
	assert.True(t, errors.Is(err, ErrDuplicateOrder))
}

func TestPaperCancel(t *testing.T) {
	ctx := context.Background()
	e := newPaper(t)
	ref, err := e.PlaceOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Type: OrderTypeLimit, Price: 59000, Size: 0.01, ClientOrderID: "c1"})
	require.NoError(t, err)

	cancelled, err := e.CancelOrder(ctx, "BTCUSDT", ref.ExchangeOrderID)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, cancelled.Status)

	_, err = e.CancelOrder(ctx, "BTCUSDT", ref.ExchangeOrderID)
	assert.True(t, errors.Is(err, ErrNotFound), "second cancel finds nothing to cancel")
}

func TestPaperRoundTripRealizesPnL(t *testing.T) {
	ctx := context.Background()
	e := newPaper(t)
	e.SetPrice("BTCUSDT", 60000, t0)

	_, err := e.PlaceOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Type: OrderTypeMarket, Size: 0.1, ClientOrderID: "open"})
	require.NoError(t, err)
	e.SetPrice("BTCUSDT", 61000, t0.Add(time.Hour))

	bal, err := e.FetchBalance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10100, bal.Equity, 1e-6)

	ref, err := e.PlaceOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: models.Sell, Type: OrderTypeMarket, Size: 0.1, ReduceOnly: true, ClientOrderID: "close"})
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, ref.Status)
	assert.Equal(t, 0.0, e.Positions["BTCUSDT"])
	assert.InDelta(t, 10100, e.Cash, 1e-6)

	_, err = e.PlaceOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: models.Sell, Type: OrderTypeMarket, Size: 0.1, ReduceOnly: true, ClientOrderID: "again"})
	assert.True(t, errors.Is(err, ErrRejected), "reduce-only without a position is refused")
}

func TestPaperFailureInjection(t *testing.T) {
	ctx := context.Background()
	e := newPaper(t)
	e.SetFailure("PlaceOrder", func(call int) error {
		if call == 2 {
			return ErrTransient
		}
		return nil
	})

	for i, id := range []string{"a", "b", "c"} {
		_, err := e.PlaceOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Type: OrderTypeLimit, Price: 59000, Size: 0.01, ClientOrderID: id})
		if i == 1 {
			assert.True(t, errors.Is(err, ErrTransient))
			continue
		}
		assert.NoError(t, err)
	}
	assert.Equal(t, 3, e.Calls("PlaceOrder"))

	_, err := e.FetchOrder(ctx, "BTCUSDT", "b")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPaperSaveLoad(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "paper.json")
	e := newPaper(t)
	e.SetPrice("BTCUSDT", 60000, t0)
	_, err := e.PlaceOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Type: OrderTypeLimit, Price: 59000, Size: 0.01, ClientOrderID: "keep"})
	require.NoError(t, err)
	require.NoError(t, e.Save(path))

	restored := newPaper(t)
	require.NoError(t, restored.Load(path))
	got, err := restored.FetchOrder(ctx, "BTCUSDT", "keep")
	require.NoError(t, err)
	assert.Equal(t, StatusNew, got.Status)

	// new orders continue the id sequence
	ref, err := restored.PlaceOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Type: OrderTypeLimit, Price: 58000, Size: 0.01, ClientOrderID: "next"})
	require.NoError(t, err)
	assert.Equal(t, "2", ref.ExchangeOrderID)

	assert.NoError(t, newPaper(t).Load(filepath.Join(t.TempDir(), "missing.json")))
}

func TestPaperPartialFillThenCancel(t *testing.T) {
	ctx := context.Background()
	e := newPaper(t)
	e.SetPrice("BTCUSDT", 60000, t0)
	ref, err := e.PlaceOrder(ctx, OrderRequest{Symbol: "BTCUSDT", Side: models.Buy, Type: OrderTypeLimit, Price: 59000, Size: 0.01, ClientOrderID: "p1"})
	require.NoError(t, err)

	require.NoError(t, e.PartialFill("p1", 0.004))
	got, err := e.FetchOrder(ctx, "BTCUSDT", "p1")
	require.NoError(t, err)
	assert.Equal(t, StatusPartiallyFilled, got.Status)
	assert.InDelta(t, 0.004, got.FilledSize, 1e-12)

	cancelled, err := e.CancelOrder(ctx, "BTCUSDT", ref.ExchangeOrderID)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, cancelled.Status)
	assert.InDelta(t, 0.004, cancelled.FilledSize, 1e-12)
	assert.Equal(t, 59000.0, cancelled.AvgPrice)
	assert.InDelta(t, 0.004, e.Positions["BTCUSDT"], 1e-12)

	assert.Error(t, e.PartialFill("p1", 0.001), "cancelled orders cannot fill")
}

type fundingFeed struct {
	rate float64
}

func (f fundingFeed) FetchCandles(ctx context.Context, symbol, timeframe string, since time.Time, limit int) ([]models.Candle, error) {
	return nil, nil
}

func (f fundingFeed) FundingRate(ctx context.Context, symbol string) (float64, error) {
	return f.rate, nil
}

func TestPaperFundingRate(t *testing.T) {
	ctx := context.Background()
	e := newPaper(t)
	rate, err := e.FundingRate(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Zero(t, rate)

	e.SetFundingRate("BTCUSDT", 0.003)
	rate, err = e.FundingRate(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 0.003, rate)

	e.SetFailure("FundingRate", func(int) error { return ErrTransient })
	_, err = e.FundingRate(ctx, "BTCUSDT")
	assert.True(t, errors.Is(err, ErrTransient))

	fed, err := NewPaperExchange(models.PaperConfig{TickSize: "0.1", StepSize: "0.001", MinNotional: "5"}, fundingFeed{rate: -0.0001})
	require.NoError(t, err)
	rate, err = fed.FundingRate(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, -0.0001, rate, "taken from the live feed")
}
