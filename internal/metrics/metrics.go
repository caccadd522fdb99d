// Package metrics exposes the prometheus gauges/counters the engine, flush
// coordinator, and prefetcher update as they run, plus a StartServer
// helper exposing /metrics over HTTP.
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// IndexedHeight is the height of the last block the engine has
	// advanced (not necessarily flushed).
	IndexedHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mewcindex_indexed_height",
		Help: "Height of the last block advanced into the cache",
	})

	// DaemonHeight is the daemon's most recently observed best-chain
	// height.
	DaemonHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mewcindex_daemon_height",
		Help: "Daemon best-chain height last observed by the engine",
	})

	// BlocksBehind is DaemonHeight - IndexedHeight.
	BlocksBehind = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mewcindex_blocks_behind",
		Help: "Number of blocks the indexer lags behind the daemon",
	})

	// CacheUTXOMB and CacheAssetMB track the flush coordinator's live
	// size estimate
	CacheUTXOMB = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mewcindex_cache_utxo_mb",
		Help: "Estimated size in MB of the pending UTXO-family cache",
	})
	CacheAssetMB = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mewcindex_cache_asset_mb",
		Help: "Estimated size in MB of the pending asset-family caches",
	})
	CacheHistMB = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mewcindex_cache_hist_mb",
		Help: "Estimated size in MB of the pending *History append-only families",
	})

	// FlushesTotal counts completed flush operations.
	FlushesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mewcindex_flushes_total",
		Help: "Total number of completed flush operations",
	})

	// FlushDurationSeconds histograms time spent inside FlushAll.
	FlushDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mewcindex_flush_duration_seconds",
		Help:    "Time spent committing one flush across all backing stores",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
	})

	// ReorgsTotal counts detected reorgs.
	ReorgsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mewcindex_reorgs_total",
		Help: "Total number of reorgs detected and handled",
	})

	// BlocksBackedUpTotal counts individual block backups performed
	// while resolving reorgs.
	BlocksBackedUpTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mewcindex_blocks_backed_up_total",
		Help: "Total number of blocks reversed while resolving reorgs",
	})

	// PrefetchInFlight is the current number of in-flight block
	// downloads.
	PrefetchInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mewcindex_prefetch_in_flight",
		Help: "Number of block downloads currently in flight",
	})
)

func init() {
	prometheus.MustRegister(
		IndexedHeight, DaemonHeight, BlocksBehind,
		CacheUTXOMB, CacheAssetMB, CacheHistMB,
		FlushesTotal, FlushDurationSeconds,
		ReorgsTotal, BlocksBackedUpTotal,
		PrefetchInFlight,
	)
}

// StartServer starts the /metrics HTTP server on addr in the background.
func StartServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Printf("metrics: server error: %v", err)
		}
	}()
}
