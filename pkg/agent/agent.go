// Package agent assembles a worker version from configuration: the cache
// store, the network fetcher, one strategy per route, the precacher and the
// router, and serves clients through a lifecycle container.
package agent

import (
	"context"
	"fmt"
	"net/url"

	"github.com/Sternrassler/offline-cache/pkg/cache"
	"github.com/Sternrassler/offline-cache/pkg/config"
	"github.com/Sternrassler/offline-cache/pkg/expiration"
	"github.com/Sternrassler/offline-cache/pkg/lifecycle"
	"github.com/Sternrassler/offline-cache/pkg/network"
	"github.com/Sternrassler/offline-cache/pkg/pending"
	"github.com/Sternrassler/offline-cache/pkg/precache"
	"github.com/Sternrassler/offline-cache/pkg/router"
	"github.com/Sternrassler/offline-cache/pkg/strategy"
	"github.com/rs/zerolog"
)

// PrecacheRoute is the name of the route serving precached assets.
const PrecacheRoute = "precache"

// Agent is one configured worker version.
type Agent struct {
	config    config.Config
	origin    *url.URL
	store     cache.Store
	fetcher   network.Fetcher
	group     *pending.Group
	router    *router.Router
	precacher *precache.Precacher
	worker    *lifecycle.Worker
	logger    zerolog.Logger
}

// NewFetcher builds the upstream fetcher from configuration.
func NewFetcher(cfg config.NetworkConfig) *network.HTTPFetcher {
	netCfg := network.DefaultConfig()
	if cfg.Timeout > 0 {
		netCfg.Timeout = cfg.Timeout
	}
	if cfg.UserAgent != "" {
		netCfg.UserAgent = cfg.UserAgent
	}
	if cfg.RetryAttempts > 0 {
		netCfg.Retry.MaxAttempts = cfg.RetryAttempts
	}
	return network.NewHTTPFetcher(netCfg)
}

// New builds the worker version described by cfg on top of store.
func New(cfg config.Config, store cache.Store, fetcher network.Fetcher, logger zerolog.Logger) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	origin, err := cfg.OriginURL()
	if err != nil {
		return nil, err
	}

	logger = logger.With().Str("version", cfg.Version).Logger()
	a := &Agent{
		config:  cfg,
		origin:  origin,
		store:   store,
		fetcher: fetcher,
		group:   pending.NewGroup(logger),
		logger:  logger,
	}

	if err := a.buildPrecacher(); err != nil {
		return nil, err
	}
	if err := a.buildRouter(); err != nil {
		return nil, err
	}

	a.worker, err = lifecycle.NewWorker(lifecycle.WorkerConfig{
		Version:            cfg.Version,
		ExpectedNamespaces: cfg.ExpectedNamespaces(),
		SkipWaiting:        cfg.Lifecycle.SkipWaiting,
		ClaimClients:       cfg.Lifecycle.ClaimClients,
	}, store, a.precacher, a.router, a.group, logger)
	if err != nil {
		return nil, fmt.Errorf("create worker: %w", err)
	}
	return a, nil
}

func (a *Agent) buildPrecacher() error {
	var manifest precache.Manifest
	if path := a.config.Precache.Manifest; path != "" {
		m, err := precache.LoadManifest(path)
		if err != nil {
			return err
		}
		manifest = m
	}
	manifest = append(manifest, precache.FromURLs(a.config.Precache.URLs...)...)

	pcfg := precache.DefaultConfig(a.config.PrecacheNamespace(), a.origin)
	if n := a.config.Precache.MaxConcurrency; n > 0 {
		pcfg.MaxConcurrency = n
	}
	if idx := a.config.Precache.DirectoryIndex; idx != "" {
		pcfg.DirectoryIndex = idx
	}
	if t := a.config.Network.Timeout; t > 0 {
		pcfg.Timeout = t
	}
	pcfg.NetworkFirst = a.config.Precache.Strategy == config.StrategyNetworkFirst

	p, err := precache.New(manifest, a.store, a.fetcher, pcfg, a.logger.With().Str("component", "precache").Logger())
	if err != nil {
		return fmt.Errorf("create precacher: %w", err)
	}
	a.precacher = p
	return nil
}

func (a *Agent) buildRouter() error {
	routeLogger := a.logger.With().Str("component", "router").Logger()
	stratLogger := a.logger.With().Str("component", "strategy").Logger()

	a.router = router.New(strategy.NewNetworkOnly(strategy.Options{
		Fetcher: a.fetcher,
		Origin:  a.origin,
		Logger:  &stratLogger,
	}), routeLogger)

	if a.precacher.Len() > 0 {
		a.router.Register(PrecacheRoute, a.precacher.Matches, a.precacher.Strategy())
	}

	// routes sharing a namespace share its expiration policy
	policies := make(map[string]*expiration.Policy)
	for _, rc := range a.config.Routes {
		match, err := buildMatch(rc.Match)
		if err != nil {
			return fmt.Errorf("route %q: %w", rc.Name, err)
		}

		opts := strategy.Options{
			Fetcher:    a.fetcher,
			Background: a.group,
			Origin:     a.origin,
			Logger:     &stratLogger,
		}
		if rc.Strategy != config.StrategyNetworkOnly {
			opts.CacheName = a.config.Namespace(rc.Role)
			opts.Store = a.store
			if limits := rc.Limits(); !limits.Unlimited() {
				policy, ok := policies[opts.CacheName]
				if !ok {
					policy = expiration.NewPolicy(limits, a.logger.With().Str("component", "expiration").Logger())
					policies[opts.CacheName] = policy
				}
				opts.Expiration = policy
			}
		}

		a.router.Register(rc.Name, match, newStrategy(rc, opts))
	}
	return nil
}

func newStrategy(rc config.RouteConfig, opts strategy.Options) strategy.Strategy {
	switch rc.Strategy {
	case config.StrategyCacheFirst:
		return strategy.NewCacheFirst(opts)
	case config.StrategyNetworkFirst:
		return strategy.NewNetworkFirst(opts, rc.WriteThrough)
	case config.StrategyStaleWhileRevalidate:
		return strategy.NewStaleWhileRevalidate(opts)
	default:
		return strategy.NewNetworkOnly(opts)
	}
}

func buildMatch(m config.MatchConfig) (router.MatchFunc, error) {
	switch {
	case len(m.Destinations) > 0:
		return router.Destination(m.Destinations...), nil
	case m.PathPrefix != "":
		return router.PathPrefixExtensions(m.PathPrefix, m.Extensions...), nil
	case m.Pattern != "":
		return router.PathPattern(m.Pattern)
	case m.Any:
		return router.Any(), nil
	default:
		return nil, fmt.Errorf("match has no criteria")
	}
}

// Config returns the agent configuration.
func (a *Agent) Config() config.Config {
	return a.config
}

// Origin returns the upstream origin.
func (a *Agent) Origin() *url.URL {
	return a.origin
}

// Worker returns the worker to register with a lifecycle container.
func (a *Agent) Worker() *lifecycle.Worker {
	return a.worker
}

// Router returns the agent's router.
func (a *Agent) Router() *router.Router {
	return a.router
}

// Precacher returns the agent's precacher.
func (a *Agent) Precacher() *precache.Precacher {
	return a.precacher
}

// Settle waits for the agent's background work.
func (a *Agent) Settle(ctx context.Context) error {
	return a.worker.Settle(ctx)
}
