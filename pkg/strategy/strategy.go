// Package strategy implements the caching strategies the router delegates
// requests to.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/Sternrassler/offline-cache/pkg/cache"
	"github.com/Sternrassler/offline-cache/pkg/expiration"
	"github.com/Sternrassler/offline-cache/pkg/network"
	"github.com/Sternrassler/offline-cache/pkg/pending"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrNoResponse is returned when neither the network nor the cache produced
// a response.
var ErrNoResponse = errors.New("no response available")

// Response sources for metrics.
const (
	SourceCache   = "cache"
	SourceNetwork = "network"
	SourceNone    = "none"
)

// Responses counts strategy results by where the response came from.
var Responses = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "swcache_strategy_responses_total",
	Help: "Total responses produced by caching strategies by source",
}, []string{"strategy", "source"})

// Strategy produces the response for one request.
type Strategy interface {
	Name() string
	Handle(ctx context.Context, req *http.Request) (*http.Response, error)
}

// CacheableFunc decides whether a network response may be stored.
type CacheableFunc func(req *http.Request, resp *http.Response, typ cache.ResponseType) bool

// DefaultCacheable accepts status 200 responses of type basic.
func DefaultCacheable(req *http.Request, resp *http.Response, typ cache.ResponseType) bool {
	return resp.StatusCode == http.StatusOK && typ == cache.ResponseTypeBasic
}

// Options configures a strategy.
type Options struct {
	// CacheName is the namespace the strategy reads and writes (required
	// unless the strategy never touches the cache).
	CacheName string

	// Store holds the namespace.
	Store cache.Store

	// Fetcher performs network requests.
	Fetcher network.Fetcher

	// Expiration is enforced after every successful write (nil = none).
	Expiration *expiration.Policy

	// Background tracks deferred writes and revalidations
	// (nil = a private group).
	Background *pending.Group

	// Origin decides which responses are same-origin (nil = request origin).
	Origin *url.URL

	// Cacheable filters responses before storing (nil = DefaultCacheable).
	Cacheable CacheableFunc

	// Logger for degraded paths (zero value = global logger).
	Logger *zerolog.Logger
}

// engine holds what every strategy shares.
type engine struct {
	name string
	opts Options
	log  zerolog.Logger
}

func newEngine(name string, opts Options) engine {
	if opts.Cacheable == nil {
		opts.Cacheable = DefaultCacheable
	}
	logger := log.With().Str("component", "strategy").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	logger = logger.With().Str("strategy", name).Str("cache", opts.CacheName).Logger()
	if opts.Background == nil {
		opts.Background = pending.NewGroup(logger)
	}
	return engine{name: name, opts: opts, log: logger}
}

// Name implements Strategy.
func (e *engine) Name() string {
	return e.name
}

// open returns the strategy's namespace, or nil when the store is unusable.
func (e *engine) open(ctx context.Context) cache.Cache {
	if e.opts.Store == nil || e.opts.CacheName == "" {
		return nil
	}
	c, err := e.opts.Store.Open(ctx, e.opts.CacheName)
	if err != nil {
		e.log.Warn().Err(err).Msg("Cache unavailable, using network")
		return nil
	}
	return c
}

// lookup returns the live entry for req. Storage errors and expired entries
// count as misses.
func (e *engine) lookup(ctx context.Context, c cache.Cache, req *http.Request) *cache.CacheEntry {
	if c == nil {
		return nil
	}
	key := cache.KeyFor(req)
	entry, err := c.Match(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			e.log.Warn().Err(err).Str("key", key.String()).Msg("Cache read failed, using network")
		}
		return nil
	}
	if e.opts.Expiration.IsExpired(entry) {
		e.log.Debug().Str("key", key.String()).Msg("Cached entry expired")
		return nil
	}
	e.log.Debug().Str("key", key.String()).Msg("Cache hit")
	return entry
}

func (e *engine) fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if e.opts.Fetcher == nil {
		return nil, &network.NetworkError{URL: req.URL.String(), ErrorClass: network.ErrorClassNetwork, Err: errors.New("no fetcher configured")}
	}
	return e.opts.Fetcher.Fetch(ctx, req)
}

// cacheResponse stores a copy of resp in the background when it is
// cacheable. resp stays readable for the caller.
func (e *engine) cacheResponse(ctx context.Context, c cache.Cache, req *http.Request, resp *http.Response) {
	if c == nil {
		return
	}
	typ := network.Classify(e.opts.Origin, req, resp)
	if !e.opts.Cacheable(req, resp, typ) {
		return
	}

	entry, err := cache.ResponseToEntry(resp, typ)
	if err != nil {
		e.log.Warn().Err(err).Msg("Failed to copy response for caching")
		return
	}
	key := cache.KeyFor(req)

	e.opts.Background.Go(ctx, "cache-put:"+c.Name(), func(ctx context.Context) error {
		if err := c.Put(ctx, key, entry); err != nil {
			e.log.Warn().Err(err).Str("key", key.String()).Msg("Cache write failed, response served uncached")
			return nil
		}
		e.opts.Expiration.Schedule(ctx, c, e.opts.Background)
		return nil
	})
}

func (e *engine) respond(entry *cache.CacheEntry, req *http.Request) *http.Response {
	Responses.WithLabelValues(e.name, SourceCache).Inc()
	return cache.EntryToResponse(entry, req)
}

func (e *engine) fromNetwork(resp *http.Response) *http.Response {
	Responses.WithLabelValues(e.name, SourceNetwork).Inc()
	return resp
}

func (e *engine) noResponse(req *http.Request, cause error) error {
	Responses.WithLabelValues(e.name, SourceNone).Inc()
	return fmt.Errorf("%s %s: %w: %w", e.name, req.URL, ErrNoResponse, cause)
}
