// Package metrics registers the Prometheus collectors exported by the trading engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BarsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bars_ingested_total", Help: "Bars merged into rolling windows"},
		[]string{"symbol"},
	)
	QuotesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "quotes_received_total", Help: "Streaming quote updates received"},
		[]string{"symbol"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_total", Help: "Orders submitted to a venue"},
		[]string{"symbol", "side"},
	)
	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "strategy_cycles_total", Help: "Decision cycles run"},
		[]string{"strategy", "mode"},
	)
	CycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "strategy_cycle_seconds", Help: "Wall time of one live trading step", Buckets: prometheus.DefBuckets},
		[]string{"strategy"},
	)
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "transactions_total", Help: "Buy/sell attempts by outcome"},
		[]string{"strategy", "type", "outcome"},
	)
	FeesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "simulated_fees_total", Help: "Fees charged by the simulated fill model"},
		[]string{"strategy"},
	)
	Equity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "strategy_equity", Help: "Available capital plus marked holdings"},
		[]string{"strategy"},
	)
	BacktestIterations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "backtest_iterations_total", Help: "Backtest replay iterations evaluated"},
		[]string{"strategy"},
	)
)

func init() {
	prometheus.MustRegister(BarsTotal, QuotesTotal, OrdersTotal, CyclesTotal, CycleDuration, TransactionsTotal, FeesTotal, Equity, BacktestIterations)
}

// Serve exposes /metrics on addr in a background goroutine.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
