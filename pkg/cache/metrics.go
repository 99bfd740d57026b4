package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by namespace
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swcache_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"namespace"},
	)

	// CacheMisses tracks cache misses by namespace
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swcache_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"namespace"},
	)

	// CacheWrites tracks successful writes by namespace
	CacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swcache_cache_writes_total",
			Help: "Total number of cache writes",
		},
		[]string{"namespace"},
	)

	// CacheErrors tracks store operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "swcache_cache_errors_total",
			Help: "Total number of cache store operation errors",
		},
		[]string{"operation"}, // "open", "match", "put", "delete", "records", "names", "delete_namespace"
	)
)
