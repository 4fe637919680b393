// Package metrics registers the Prometheus instruments shared by the live
// trading and data-plane components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SignalsTotal counts gate decisions by outcome.
	SignalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantloop_signals_total",
			Help: "Signal decisions by coin and outcome",
		},
		[]string{"coin", "outcome"},
	)

	// OrdersTotal counts placed order legs by tag and status.
	OrdersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantloop_orders_total",
			Help: "Exchange order legs by tag and status",
		},
		[]string{"coin", "tag", "status"},
	)

	// OpenPositions is the current position count.
	OpenPositions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quantloop_open_positions",
			Help: "Currently open positions",
		},
	)

	// CandlesSynced counts candles written to the cache.
	CandlesSynced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quantloop_candles_synced_total",
			Help: "Candles fetched and cached, by source",
		},
		[]string{"source", "coin", "interval"},
	)

	// StreamerStale flags a (coin, interval) stream with no data for over
	// three intervals.
	StreamerStale = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quantloop_streamer_stale",
			Help: "1 when the candle stream is stale",
		},
		[]string{"coin", "interval"},
	)

	// DedupDegraded flags the in-process dedup fallback.
	DedupDegraded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quantloop_dedup_degraded",
			Help: "1 when signal dedup runs without Redis",
		},
	)

	// RealizedPnl tracks cumulative realized PnL per coin.
	RealizedPnl = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quantloop_realized_pnl_usd",
			Help: "Cumulative realized PnL in USD",
		},
		[]string{"coin"},
	)
)
