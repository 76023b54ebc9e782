package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FeedLoads counts paging mediator loads by load type and result.
	FeedLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedsync_feed_loads_total",
		Help: "Total number of paging mediator loads",
	}, []string{"load_type", "result"})

	// FetchLatency records remote page fetch latency.
	FetchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "feedsync_fetch_latency_seconds",
		Help:    "Remote page fetch latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})

	// FilteredItems counts items dropped by visibility filtering.
	FilteredItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedsync_filtered_items_total",
		Help: "Total number of fetched items dropped by visibility filters",
	}, []string{"reason"})

	// Mutations counts optimistic mutations by kind and result.
	Mutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedsync_mutations_total",
		Help: "Total number of optimistic mutations",
	}, []string{"kind", "result"})

	// UploadAttempts counts upload job attempts by result (success, retry, failure).
	UploadAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedsync_upload_attempts_total",
		Help: "Total number of upload job attempts",
	}, []string{"result"})

	// RedisErrors counts Redis errors by command.
	RedisErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedsync_redis_errors_total",
		Help: "Total number of Redis errors by command",
	}, []string{"command"})

	// CacheQueryLatency records local cache store query latency by operation.
	CacheQueryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "feedsync_cache_query_latency_seconds",
		Help:    "Local cache store query latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
)

// TrackQuery returns a function that records query latency when called (e.g. defer).
func TrackQuery(operation string) func() {
	start := time.Now()
	return func() {
		CacheQueryLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

// Result maps an error to a metric label.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
