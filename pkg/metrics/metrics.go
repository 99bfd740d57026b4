// Package metrics provides the Prometheus registry and scrape handler for
// the caching agent. All metrics are defined in their respective packages
// (cache, expiration, strategy, router, lifecycle, network, precache,
// pending) to maintain modularity and avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the agent.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the source Handler serves from.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the /metrics scrape handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Cache Store Metrics (pkg/cache):
//   - swcache_cache_hits_total{namespace} (Counter): Lookups answered from a namespace
//   - swcache_cache_misses_total{namespace} (Counter): Lookups that found nothing usable
//   - swcache_cache_writes_total{namespace} (Counter): Entries written
//   - swcache_cache_errors_total{operation} (Counter): Store operation errors
//
// Expiration Metrics (pkg/expiration):
//   - swcache_expiration_evictions_total{namespace} (Counter): Entries evicted by age or count
//
// Strategy Metrics (pkg/strategy):
//   - swcache_strategy_responses_total{strategy, source} (Counter): Responses by strategy and
//     source (cache, network, none)
//
// Router Metrics (pkg/router):
//   - swcache_router_requests_total{route} (Counter): Requests by matched route (or passthrough)
//
// Lifecycle Metrics (pkg/lifecycle, pkg/pending, pkg/precache):
//   - swcache_lifecycle_transitions_total{state} (Counter): Worker state changes by new state
//   - swcache_lifecycle_pending_tasks (Gauge): Background tasks still running
//   - swcache_precache_fetches_total{result} (Counter): Precache asset fetches by result
//
// Network Metrics (pkg/network):
//   - swcache_network_requests_total{status} (Counter): Network fetches by HTTP status
//   - swcache_network_request_duration_seconds (Histogram): Network fetch duration
//   - swcache_network_errors_total{class} (Counter): Errors by class (client, server, network, timeout)
//   - swcache_network_retries_total{error_class} (Counter): Retry attempts by error class
//   - swcache_network_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - swcache_network_retry_exhausted_total{error_class} (Counter): Fetches that exhausted max retries
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(swcache_cache_hits_total[5m])) /
//   (sum(rate(swcache_cache_hits_total[5m])) + sum(rate(swcache_cache_misses_total[5m])))
//
//   # Offline Answers
//   rate(swcache_strategy_responses_total{source="none"}[5m])
//
//   # Requests Served From Cache While The Network Failed
//   rate(swcache_strategy_responses_total{strategy="network_first", source="cache"}[5m])
//
//   # P95 Network Latency
//   histogram_quantile(0.95, rate(swcache_network_request_duration_seconds_bucket[5m]))
//
//   # Stuck Background Work
//   swcache_lifecycle_pending_tasks > 0
