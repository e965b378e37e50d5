// Package metrics exposes the Prometheus registry shellcache registers into.
// Metrics are declared in the package that records them (cache, network,
// precache, strategy, lifecycle, worker) so that no package depends on a
// central metrics definition.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the registerer all shellcache metrics use via promauto.
var Registry = prometheus.DefaultRegisterer

// Gatherer collects the metrics served by Handler.
var Gatherer = prometheus.DefaultGatherer

// Handler serves the metrics in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - shellcache_cache_hits_total{partition} (Counter): Lookups answered from a partition
//   - shellcache_cache_misses_total (Counter): Lookups no partition could answer
//   - shellcache_cache_writes_total{partition} (Counter): Entries written
//   - shellcache_cache_errors_total{operation} (Counter): Storage backend errors
//   - shellcache_evictions_total (Counter): Entries evicted by the dynamic bound
//
// Fetch Metrics (pkg/network):
//   - shellcache_fetch_duration_seconds{result} (Histogram): Network fetch duration
//   - shellcache_fetch_errors_total{class} (Counter): Fetch failures by class (network, timeout, canceled)
//   - shellcache_fetch_collapsed_total (Counter): Fetches answered by an identical in-flight fetch
//   - shellcache_fetch_retries_total{error_class} (Counter): Retry attempts
//   - shellcache_fetch_retry_backoff_seconds{error_class} (Histogram): Backoff before a retry
//   - shellcache_fetch_retry_exhausted_total{error_class} (Counter): Fetches out of retries
//
// Lifecycle Metrics (pkg/precache, pkg/lifecycle):
//   - shellcache_precache_total{result} (Counter): App shell fetches at install
//   - shellcache_partitions_deleted_total{reason} (Counter): Partitions deleted (stale, clear)
//
// Interception Metrics (pkg/worker, pkg/strategy):
//   - shellcache_intercepts_total{route} (Counter): Intercepted requests by route
//   - shellcache_fallbacks_total{kind} (Counter): Responses served by an offline fallback
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(shellcache_cache_hits_total[5m])) /
//   (sum(rate(shellcache_cache_hits_total[5m])) + rate(shellcache_cache_misses_total[5m]))
//
//   # Offline Fallback Rate
//   sum(rate(shellcache_fallbacks_total[5m])) / sum(rate(shellcache_intercepts_total[5m]))
//
//   # P95 Fetch Latency
//   histogram_quantile(0.95, rate(shellcache_fetch_duration_seconds_bucket[5m]))
