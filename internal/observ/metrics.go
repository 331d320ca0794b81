// Prometheus metrics for the trading pipeline.
//
// Primary series:
//   - trader_symbols_skipped_total{reason}      availability filter skips
//   - trader_decisions_dropped_total{reason}    validator drops
//   - trader_decisions_total{action}            decisions surviving validation
//   - trader_size_clamps_total{kind}            risk clamps (size|leverage|exposure)
//   - trader_trading_halted{breaker}            1 while a circuit breaker holds
//   - trader_orders_submitted_total{mode,action} exchange submissions
//   - trader_order_retries_total                transient-failure retries
//   - trader_execution_failures_total           submissions that exhausted retries
//   - trader_protection_incomplete_total        positions left without full brackets
//   - trader_positions_open                     open position count
//   - trader_positions_closed_total{reason}     closes by reason
//   - trader_equity_usd, trader_drawdown_pct, trader_daily_loss_pct
//   - trader_cycle_duration_seconds, trader_oracle_latency_seconds
//
// Registered in init() and served from /metrics by cmd/trader.
package observ

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	symbolsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_symbols_skipped_total",
			Help: "Symbols excluded by the availability filter, by reason",
		},
		[]string{"reason"},
	)

	decisionsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_decisions_dropped_total",
			Help: "Oracle decisions dropped by the validator, by reason",
		},
		[]string{"reason"},
	)

	decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_decisions_total",
			Help: "Decisions surviving validation, by action",
		},
		[]string{"action"},
	)

	sizeClamps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_size_clamps_total",
			Help: "Risk-manager clamps applied to decisions",
		},
		[]string{"kind"}, // size|leverage|exposure
	)

	tradingHalted = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "trader_trading_halted",
			Help: "1 while the named circuit breaker is holding new entries",
		},
		[]string{"breaker"}, // drawdown|daily_loss
	)

	ordersSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_orders_submitted_total",
			Help: "Orders accepted by the exchange",
		},
		[]string{"mode", "action"}, // mode: sim|live
	)

	orderRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_order_retries_total",
			Help: "Order submissions retried after a transient failure",
		},
	)

	executionFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_execution_failures_total",
			Help: "Order submissions abandoned after exhausting retries",
		},
	)

	protectionIncomplete = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trader_protection_incomplete_total",
			Help: "Filled positions left without a complete protective bracket",
		},
	)

	positionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_positions_open",
			Help: "Open positions currently tracked",
		},
	)

	positionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trader_positions_closed_total",
			Help: "Positions closed, by reason",
		},
		[]string{"reason"}, // oracle_close|stop_loss|take_profit|reconciled
	)

	equityUSD = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_equity_usd",
			Help: "Account equity snapshot in USD",
		},
	)

	drawdownPct = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_drawdown_pct",
			Help: "Drawdown from peak equity, percent",
		},
	)

	dailyLossPct = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "trader_daily_loss_pct",
			Help: "Loss since UTC day open, percent",
		},
	)

	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trader_cycle_duration_seconds",
			Help:    "Wall time of one full decision cycle",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	oracleLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trader_oracle_latency_seconds",
			Help:    "Latency of oracle plan requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)
)

func init() {
	prometheus.MustRegister(symbolsSkipped, decisionsDropped, decisions)
	prometheus.MustRegister(sizeClamps, tradingHalted)
	prometheus.MustRegister(ordersSubmitted, orderRetries, executionFailures, protectionIncomplete)
	prometheus.MustRegister(positionsOpen, positionsClosed)
	prometheus.MustRegister(equityUSD, drawdownPct, dailyLossPct)
	prometheus.MustRegister(cycleDuration, oracleLatency)
}

func IncSymbolSkipped(reason string)   { symbolsSkipped.WithLabelValues(reason).Inc() }
func IncDecisionDropped(reason string) { decisionsDropped.WithLabelValues(reason).Inc() }
func IncDecision(action string)        { decisions.WithLabelValues(action).Inc() }
func IncSizeClamp(kind string)         { sizeClamps.WithLabelValues(kind).Inc() }

func SetHalted(breaker string, halted bool) {
	v := 0.0
	if halted {
		v = 1.0
	}
	tradingHalted.WithLabelValues(breaker).Set(v)
}

func IncOrderSubmitted(mode, action string) { ordersSubmitted.WithLabelValues(mode, action).Inc() }
func IncOrderRetry()                        { orderRetries.Inc() }
func IncExecutionFailure()                  { executionFailures.Inc() }
func IncProtectionIncomplete()              { protectionIncomplete.Inc() }

func SetPositionsOpen(n int)          { positionsOpen.Set(float64(n)) }
func IncPositionClosed(reason string) { positionsClosed.WithLabelValues(reason).Inc() }

func SetEquity(usd float64)       { equityUSD.Set(usd) }
func SetDrawdownPct(pct float64)  { drawdownPct.Set(pct) }
func SetDailyLossPct(pct float64) { dailyLossPct.Set(pct) }

func ObserveCycle(seconds float64)  { cycleDuration.Observe(seconds) }
func ObserveOracle(seconds float64) { oracleLatency.Observe(seconds) }

// Handler serves the Prometheus text exposition.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Health is a minimal liveness endpoint.
func Health() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}
