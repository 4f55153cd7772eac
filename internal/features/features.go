package features

import (
	"binance-ladder-bot-go/internal/models"
	"errors"
	"fmt"
	"math"
)

// ErrInsufficientData is returned when the window is shorter than the indicators need.
var ErrInsufficientData = errors.New("not enough candles for features")

// MinCandles is the window length Compute needs for a given period.
func MinCandles(period int) int {
	return 2*period + 1
}

// Compute derives the feature vector of the last candle. It is a pure function of
// the window; candles must be ascending by open time.
func Compute(candles []models.Candle, period int) (models.FeatureVector, error) {
	if period < 2 {
		return models.FeatureVector{}, fmt.Errorf("period must be >= 2, got %d", period)
	}
	if len(candles) < MinCandles(period) {
		return models.FeatureVector{}, fmt.Errorf("%w: need %d, got %d", ErrInsufficientData, MinCandles(period), len(candles))
	}

	last := candles[len(candles)-1]
	prev := candles[len(candles)-2]
	fv := models.FeatureVector{
		CandleTime: last.OpenTime,
		Close:      last.Close,
		ATR:        ATR(candles, period),
		ADX:        ADX(candles, period),
		Volatility: Volatility(candles, period),
	}
	if prev.Close != 0 {
		fv.Return1 = (last.Close - prev.Close) / prev.Close
	}
	if base := candles[len(candles)-1-period].Close; base != 0 {
		fv.Momentum = last.Close/base - 1
	}
	return fv, nil
}

func trueRange(c, prev models.Candle) float64 {
	return math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prev.Close), math.Abs(c.Low-prev.Close)))
}

// ATR is the Average True Range with Wilder's smoothing. The first value is the
// simple mean of the first period true ranges.
func ATR(candles []models.Candle, period int) float64 {
	if len(candles) < period+1 {
		return 0
	}
	atr := 0.0
	for i := 1; i <= period; i++ {
		atr += trueRange(candles[i], candles[i-1])
	}
	atr /= float64(period)
	for i := period + 1; i < len(candles); i++ {
		atr = (atr*float64(period-1) + trueRange(candles[i], candles[i-1])) / float64(period)
	}
	return atr
}

// ADX is Wilder's Average Directional Index, 0..100.
func ADX(candles []models.Candle, period int) float64 {
	if len(candles) < MinCandles(period) {
		return 0
	}
	n := float64(period)
	var trS, plusS, minusS float64
	var dxs []float64

	for i := 1; i < len(candles); i++ {
		c, p := candles[i], candles[i-1]
		up := c.High - p.High
		down := p.Low - c.Low
		plusDM, minusDM := 0.0, 0.0
		if up > down && up > 0 {
			plusDM = up
		}
		if down > up && down > 0 {
			minusDM = down
		}
		tr := trueRange(c, p)

		if i <= period {
			trS += tr
			plusS += plusDM
			minusS += minusDM
			if i < period {
				continue
			}
		} else {
			trS = trS - trS/n + tr
			plusS = plusS - plusS/n + plusDM
			minusS = minusS - minusS/n + minusDM
		}

		if trS == 0 {
			dxs = append(dxs, 0)
			continue
		}
		plusDI := 100 * plusS / trS
		minusDI := 100 * minusS / trS
		if plusDI+minusDI == 0 {
			dxs = append(dxs, 0)
			continue
		}
		dxs = append(dxs, 100*math.Abs(plusDI-minusDI)/(plusDI+minusDI))
	}

	adx := 0.0
	for i := 0; i < period; i++ {
		adx += dxs[i]
	}
	adx /= n
	for i := period; i < len(dxs); i++ {
		adx = (adx*(n-1) + dxs[i]) / n
	}
	return adx
}

// Volatility is the population standard deviation of the last period close-to-close returns.
func Volatility(candles []models.Candle, period int) float64 {
	if len(candles) < period+1 {
		return 0
	}
	rets := make([]float64, 0, period)
	for i := len(candles) - period; i < len(candles); i++ {
		prev := candles[i-1].Close
		if prev == 0 {
			continue
		}
		rets = append(rets, (candles[i].Close-prev)/prev)
	}
	if len(rets) == 0 {
		return 0
	}
	mean := 0.0
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))
	variance := 0.0
	for _, r := range rets {
		variance += (r - mean) * (r - mean)
	}
	return math.Sqrt(variance / float64(len(rets)))
}
