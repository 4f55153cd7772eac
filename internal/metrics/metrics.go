// Package metrics holds the Prometheus metrics the cycle updates.
//
// A cron-driven run exits after one cycle, so instead of serving /metrics the
// registry is written to a node_exporter textfile at the end of each cycle:
//   - ladderbot_cycles_total{outcome}     completed|skipped|data_failure|error
//   - ladderbot_decisions_total{action}   place_ladder|flatten|hold|noop
//   - ladderbot_orders_total{result}      placed|rejected|cancelled|filled
//   - ladderbot_halted                    1 while the halt flag is set
//   - ladderbot_daily_realized_pnl        realized PnL since the UTC reset
//   - ladderbot_equity_usd                account equity seen by the cycle
//   - ladderbot_signal_score              last model probability
//   - ladderbot_cycle_duration_seconds    wall time of a cycle
package metrics

import (
	"binance-ladder-bot-go/internal/models"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry is separate from the default one so the textfile carries only bot metrics.
var Registry = prometheus.NewRegistry()

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ladderbot_cycles_total",
			Help: "Cycles by outcome",
		},
		[]string{"outcome"},
	)

	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ladderbot_decisions_total",
			Help: "Risk engine decisions by action",
		},
		[]string{"action"},
	)

	ordersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ladderbot_orders_total",
			Help: "Ladder order transitions by result",
		},
		[]string{"result"},
	)

	halted = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ladderbot_halted",
			Help: "1 while trading is halted",
		},
	)

	dailyPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ladderbot_daily_realized_pnl",
			Help: "Realized PnL since the last daily reset",
		},
	)

	equity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ladderbot_equity_usd",
			Help: "Account equity",
		},
	)

	signalScore = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ladderbot_signal_score",
			Help: "Last calibrated model probability",
		},
	)

	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ladderbot_cycle_duration_seconds",
			Help:    "Cycle wall time",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)
)

func init() {
	Registry.MustRegister(cyclesTotal, decisionsTotal, ordersTotal)
	Registry.MustRegister(halted, dailyPnL, equity, signalScore, cycleDuration)
}

// ObserveCycle records the outcome of one cycle.
func ObserveCycle(s models.CycleSummary) {
	switch {
	case s.Skipped:
		cyclesTotal.WithLabelValues("skipped").Inc()
	case s.DataFailure:
		cyclesTotal.WithLabelValues("data_failure").Inc()
	case len(s.Errors) > 0:
		cyclesTotal.WithLabelValues("error").Inc()
	default:
		cyclesTotal.WithLabelValues("completed").Inc()
	}
	if s.Action != "" {
		decisionsTotal.WithLabelValues(string(s.Action)).Inc()
	}
	ordersTotal.WithLabelValues("placed").Add(float64(s.Placed))
	ordersTotal.WithLabelValues("rejected").Add(float64(s.Rejected))
	ordersTotal.WithLabelValues("cancelled").Add(float64(s.Cancelled))
	ordersTotal.WithLabelValues("filled").Add(float64(s.Filled))
	if s.Signal != nil {
		signalScore.Set(s.Signal.Score)
	}
	if !s.FinishedAt.IsZero() && !s.StartedAt.IsZero() {
		cycleDuration.Observe(s.FinishedAt.Sub(s.StartedAt).Seconds())
	}
}

// SetRisk mirrors the persisted risk state.
func SetRisk(rs models.RiskState) {
	if rs.HaltFlag {
		halted.Set(1)
	} else {
		halted.Set(0)
	}
	dailyPnL.Set(rs.DailyRealizedPnL)
}

func SetEquity(v float64) { equity.Set(v) }

// WriteTextfile atomically writes the registry in text exposition format.
func WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, Registry)
}
