// Package telemetry provides the Prometheus metrics and the periodic stats
// reporter for the serving engine. All observe helpers are safe to call from
// hot paths; label cardinality is bounded (record kinds, origins, operation
// names and HTTP status codes only — never user input).
package telemetry

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	cacheReadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "xread_cache_reads_total",
		Help: "Reads served, by record kind and origin (live, cache, stale, index)",
	}, []string{"kind", "origin"})

	buildErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "xread_build_errors_total",
		Help: "Failed live builds, by record kind and failure kind",
	}, []string{"kind", "error"})

	upstreamRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "xread_upstream_requests_total",
		Help: "Upstream GraphQL requests, by operation and HTTP status",
	}, []string{"operation", "status"})

	upstreamLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "xread_upstream_latency_seconds",
		Help:    "Upstream GraphQL request latency",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"operation"})

	guestPoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "xread_guest_pool_size",
		Help: "Guest credentials currently pooled",
	})
	guestPoolAvgHealth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "xread_guest_pool_avg_health",
		Help: "Mean health score of pooled guest credentials",
	})
	guestMintsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "xread_guest_mints_total",
		Help: "Guest credential mint attempts by outcome",
	}, []string{"outcome"})

	accountsAvailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "xread_accounts_available",
		Help: "Accounts currently outside any cooldown window",
	})

	warmSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "xread_warm_sessions",
		Help: "Warm TLS sessions currently pooled across all egress identities",
	})

	coalesceInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "xread_coalesce_in_flight",
		Help: "Builds currently in flight in the single-flight coalescer",
	})

	analyticsRowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "xread_analytics_rows_total",
		Help: "Rows flushed to the analytics sink, by table",
	}, []string{"table"})
	analyticsFlushErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "xread_analytics_flush_errors_total",
		Help: "Analytics flushes that failed and dropped their batch",
	})
)

func init() {
	prometheus.MustRegister(
		cacheReadsTotal, buildErrorsTotal,
		upstreamRequestsTotal, upstreamLatency,
		guestPoolSize, guestPoolAvgHealth, guestMintsTotal,
		accountsAvailable, warmSessions, coalesceInFlight,
		analyticsRowsTotal, analyticsFlushErrorsTotal,
	)
}

// Rolling counters for the reporter's KPI window. Kept separate from the
// Prometheus counters so ratio math never reads back registry state.
var (
	servedAll  atomic.Int64
	servedHits atomic.Int64
)

// ObserveCacheRead records one served read. Every origin except "live"
// counts as a hit for the KPI window.
func ObserveCacheRead(kind, origin string) {
	cacheReadsTotal.WithLabelValues(kind, origin).Inc()
	servedAll.Add(1)
	if origin != "live" {
		servedHits.Add(1)
	}
}

// ObserveBuildError records a failed live build.
func ObserveBuildError(kind, errKind string) {
	buildErrorsTotal.WithLabelValues(kind, errKind).Inc()
}

// ObserveUpstream records one upstream GraphQL round-trip.
func ObserveUpstream(operation string, status int, elapsed time.Duration) {
	upstreamRequestsTotal.WithLabelValues(operation, strconv.Itoa(status)).Inc()
	upstreamLatency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// SetGuestPool publishes the guest pool gauges.
func SetGuestPool(size int, avgHealth float64) {
	guestPoolSize.Set(float64(size))
	guestPoolAvgHealth.Set(avgHealth)
}

// ObserveMint records a mint attempt outcome.
func ObserveMint(ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	guestMintsTotal.WithLabelValues(outcome).Inc()
}

// SetAccountsAvailable publishes how many accounts are outside cooldown.
func SetAccountsAvailable(n int) {
	accountsAvailable.Set(float64(n))
}

// SetWarmSessions publishes the pooled warm session count.
func SetWarmSessions(n int) {
	warmSessions.Set(float64(n))
}

// SetCoalesceInFlight publishes the coalescer gauge.
func SetCoalesceInFlight(n int64) {
	coalesceInFlight.Set(float64(n))
}

// ObserveAnalyticsFlush records a flush attempt for one table.
func ObserveAnalyticsFlush(table string, rows int, err error) {
	if err != nil {
		analyticsFlushErrorsTotal.Inc()
		return
	}
	if rows > 0 {
		analyticsRowsTotal.WithLabelValues(table).Add(float64(rows))
	}
}
