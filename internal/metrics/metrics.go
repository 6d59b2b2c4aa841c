// Package metrics exposes Prometheus collectors for backtests and price fetches.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BacktestRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokendown_backtest_runs_total",
			Help: "Total number of backtest runs",
		},
		[]string{"provider", "outcome"}, // outcome: found|no_liquidation|error
	)

	BacktestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tokendown_backtest_duration_seconds",
			Help:    "Backtest duration in seconds, price fetching included",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	LastTokenDown = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tokendown_last_token_down_ratio",
			Help: "Most recent worst-case drop found per token",
		},
		[]string{"provider", "address"},
	)

	SubgraphRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokendown_subgraph_requests_total",
			Help: "Total number of subgraph queries",
		},
		[]string{"source", "status"}, // status: success|error
	)

	PriceCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tokendown_price_cache_total",
			Help: "Price lookups served from the local cache versus fetched",
		},
		[]string{"result"}, // result: hit|miss
	)
)

func init() {
	prometheus.MustRegister(BacktestRuns)
	prometheus.MustRegister(BacktestDuration)
	prometheus.MustRegister(LastTokenDown)
	prometheus.MustRegister(SubgraphRequests)
	prometheus.MustRegister(PriceCacheHits)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
