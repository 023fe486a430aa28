package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Redirects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "redirect_requests_total",
		Help: "Total redirect requests.",
	})
	Shortens = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "shorten_requests_total",
		Help: "Total shorten requests.",
	})
	CacheHit = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_hit_total",
		Help: "Read-through cache hits.",
	}, []string{"kind"})
	CacheMiss = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_miss_total",
		Help: "Read-through cache misses.",
	}, []string{"kind"})
	ClicksDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "clicks_dropped_total",
		Help: "Clicks dropped due to full ingest queue.",
	})

	// Write coalescing.
	Flushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coalesce_flushes_total",
		Help: "Flushes executed by elected flushers.",
	}, []string{"kind"})
	ClicksFlushed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coalesce_clicks_flushed_total",
		Help: "Clicks written to the database by counter flushes.",
	})
	LogEntriesFlushed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coalesce_log_entries_flushed_total",
		Help: "Log rows written to the database by log flushes.",
	})
	LogSlotsMissing = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coalesce_log_slots_missing_total",
		Help: "Reserved log slots empty or unreadable at drain time: evicted, or written after the drain and re-buffered.",
	})
	StoreErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coalesce_store_errors_total",
		Help: "Shared store failures swallowed by the coalescers.",
	}, []string{"op"})
	BackingErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coalesce_backing_errors_total",
		Help: "Database write failures during flushes.",
	}, []string{"kind"})
	Rebuffered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coalesce_rebuffered_total",
		Help: "Clicks or log entries put back into the shared store after a failed flush.",
	}, []string{"kind"})
	Shed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coalesce_shed_total",
		Help: "Events not coalesced because of the shed mode.",
	}, []string{"kind", "mode"})
	DirectWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "direct_writes_total",
		Help: "Clicks and log rows written straight to the database in bypass mode.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(Redirects, Shortens, CacheHit, CacheMiss, ClicksDropped,
		Flushes, ClicksFlushed, LogEntriesFlushed, LogSlotsMissing, StoreErrors, BackingErrors, Rebuffered, Shed, DirectWrites)
}

func Handler(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
