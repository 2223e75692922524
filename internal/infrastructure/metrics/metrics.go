// Package metrics holds the Prometheus collectors of the analysis loop.
//
// Every method is safe on a nil *Metrics so components can run without instrumentation
// (tests, one-off tools).
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	CandlesTotal       *prometheus.CounterVec // labels: symbol, kind=new|update
	TickDuration       prometheus.Histogram
	Levels             *prometheus.GaugeVec   // labels: symbol
	SizingFailures     *prometheus.CounterVec // labels: symbol, reason
	OrdersTotal        *prometheus.CounterVec // labels: symbol, outcome=submitted|failed|closed
	CollaboratorErrors *prometheus.CounterVec // labels: operation
	LedgerRiskPercent  prometheus.Gauge
	LedgerBalance      prometheus.Gauge
	PredictorRtR       *prometheus.GaugeVec // labels: symbol, predictor, step
	StrategyState      *prometheus.GaugeVec // labels: symbol
}

// New creates the collectors and registers them with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		CandlesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snr_candles_total",
			Help: "Candles ingested, split into new candles and in-place updates",
		}, []string{"symbol", "kind"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "snr_tick_duration_seconds",
			Help:    "Time spent handling one candle update end to end",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}),
		Levels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "snr_levels",
			Help: "Support/resistance levels currently detected",
		}, []string{"symbol"}),
		SizingFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snr_sizing_failures_total",
			Help: "Trade sizing attempts that failed",
		}, []string{"symbol", "reason"}),
		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snr_orders_total",
			Help: "Orders sent to the execution venue by outcome",
		}, []string{"symbol", "outcome"}),
		CollaboratorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snr_collaborator_errors_total",
			Help: "Failures of the host platform (account, positions, orders, feed)",
		}, []string{"operation"}),
		LedgerRiskPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "snr_ledger_risk_percent",
			Help: "Risk at stop of all positions and pending orders, percent of balance",
		}),
		LedgerBalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "snr_ledger_balance",
			Help: "Account balance at the last ledger refresh",
		}),
		PredictorRtR: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "snr_predictor_reward_to_risk",
			Help: "Mean reward:risk of forecasts by steps since the forecast",
		}, []string{"symbol", "predictor", "step"}),
		StrategyState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "snr_strategy_state",
			Help: "Strategy state (0=find entry, 1=enter on pullback, 2=manage position)",
		}, []string{"symbol"}),
	}

	reg.MustRegister(
		m.CandlesTotal,
		m.TickDuration,
		m.Levels,
		m.SizingFailures,
		m.OrdersTotal,
		m.CollaboratorErrors,
		m.LedgerRiskPercent,
		m.LedgerBalance,
		m.PredictorRtR,
		m.StrategyState,
	)
	return m
}

func (m *Metrics) ObserveCandle(symbol string, newCandle bool) {
	if m == nil {
		return
	}
	kind := "update"
	if newCandle {
		kind = "new"
	}
	m.CandlesTotal.WithLabelValues(symbol, kind).Inc()
}

func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.TickDuration.Observe(d.Seconds())
}

func (m *Metrics) SetLevels(symbol string, n int) {
	if m == nil {
		return
	}
	m.Levels.WithLabelValues(symbol).Set(float64(n))
}

func (m *Metrics) SizingFailed(symbol, reason string) {
	if m == nil {
		return
	}
	m.SizingFailures.WithLabelValues(symbol, reason).Inc()
}

func (m *Metrics) Order(symbol, outcome string) {
	if m == nil {
		return
	}
	m.OrdersTotal.WithLabelValues(symbol, outcome).Inc()
}

func (m *Metrics) CollaboratorError(operation string) {
	if m == nil {
		return
	}
	m.CollaboratorErrors.WithLabelValues(operation).Inc()
}

func (m *Metrics) SetLedger(balance, riskPercent float64) {
	if m == nil {
		return
	}
	m.LedgerBalance.Set(balance)
	m.LedgerRiskPercent.Set(riskPercent)
}

func (m *Metrics) SetPredictorRtR(symbol, predictor string, step int, rtr float64) {
	if m == nil {
		return
	}
	m.PredictorRtR.WithLabelValues(symbol, predictor, strconv.Itoa(step)).Set(rtr)
}

func (m *Metrics) SetStrategyState(symbol string, state int) {
	if m == nil {
		return
	}
	m.StrategyState.WithLabelValues(symbol).Set(float64(state))
}
