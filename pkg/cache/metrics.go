package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks lookups answered from a partition
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellcache_cache_hits_total",
			Help: "Total number of lookups answered from a cache partition",
		},
		[]string{"partition"},
	)

	// CacheMisses tracks lookups no partition could answer
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shellcache_cache_misses_total",
			Help: "Total number of cache misses across all partitions",
		},
	)

	// CacheWrites tracks entries written by partition
	CacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellcache_cache_writes_total",
			Help: "Total number of entries written to a cache partition",
		},
		[]string{"partition"},
	)

	// CacheErrors tracks backend operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shellcache_cache_errors_total",
			Help: "Total number of cache backend errors",
		},
		[]string{"operation"}, // "names", "open", "match", "put", "delete", "keys"
	)

	// Evictions tracks entries removed by the partition size bound
	Evictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shellcache_evictions_total",
			Help: "Total number of entries evicted from the dynamic partition",
		},
	)
)
