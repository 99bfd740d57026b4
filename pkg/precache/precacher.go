package precache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/offline-cache/pkg/cache"
	"github.com/Sternrassler/offline-cache/pkg/network"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Fetches counts precache fetches by result.
var Fetches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "swcache_precache_fetches_total",
	Help: "Total precache asset fetches by result",
}, []string{"result"})

// DefaultDirectoryIndex is tried for requests whose path ends in "/".
const DefaultDirectoryIndex = "index.html"

// Config holds precacher configuration.
type Config struct {
	// CacheName is the precache namespace.
	CacheName string

	// Origin resolves relative manifest URLs.
	Origin *url.URL

	// MaxConcurrency is the maximum number of parallel fetches.
	MaxConcurrency int

	// Timeout per asset fetch.
	Timeout time.Duration

	// DirectoryIndex is appended to directory requests on a miss.
	DirectoryIndex string

	// NetworkFirst serves precached assets from the network while it is
	// reachable and from the precache only when it is not.
	NetworkFirst bool
}

// DefaultConfig returns safe default configuration.
func DefaultConfig(cacheName string, origin *url.URL) Config {
	return Config{
		CacheName:      cacheName,
		Origin:         origin,
		MaxConcurrency: 10,
		Timeout:        30 * time.Second,
		DirectoryIndex: DefaultDirectoryIndex,
	}
}

// retryingFetcher is implemented by fetchers that can retry transient failures.
type retryingFetcher interface {
	FetchWithRetry(ctx context.Context, req *http.Request) (*http.Response, error)
}

// asset is a manifest entry resolved to an absolute URL.
type asset struct {
	url      string
	key      cache.RequestKey
	revision string
}

// Precacher installs a manifest into its namespace.
type Precacher struct {
	assets  []asset
	keys    map[cache.RequestKey]bool
	store   cache.Store
	fetcher network.Fetcher
	config  Config
	logger  zerolog.Logger
}

// New creates a precacher for manifest.
func New(manifest Manifest, store cache.Store, fetcher network.Fetcher, config Config, logger zerolog.Logger) (*Precacher, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if config.CacheName == "" {
		return nil, fmt.Errorf("cache name is required")
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 10
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.DirectoryIndex == "" {
		config.DirectoryIndex = DefaultDirectoryIndex
	}

	p := &Precacher{
		keys:    make(map[cache.RequestKey]bool, len(manifest)),
		store:   store,
		fetcher: fetcher,
		config:  config,
		logger:  logger.With().Str("cache", config.CacheName).Logger(),
	}
	for _, e := range manifest {
		abs, err := p.resolve(e.URL)
		if err != nil {
			return nil, fmt.Errorf("manifest url %q: %w", e.URL, err)
		}
		key, err := cache.KeyForURL(abs)
		if err != nil {
			return nil, fmt.Errorf("manifest url %q: %w", e.URL, err)
		}
		if p.keys[key] {
			continue
		}
		p.keys[key] = true
		p.assets = append(p.assets, asset{url: abs, key: key, revision: e.Revision})
	}
	return p, nil
}

func (p *Precacher) resolve(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	if p.config.Origin == nil {
		return "", fmt.Errorf("relative url without origin")
	}
	return p.config.Origin.ResolveReference(u).String(), nil
}

// CacheName returns the precache namespace.
func (p *Precacher) CacheName() string {
	return p.config.CacheName
}

// Len returns the number of distinct assets in the manifest.
func (p *Precacher) Len() int {
	return len(p.assets)
}

// Contains reports whether key belongs to the manifest.
func (p *Precacher) Contains(key cache.RequestKey) bool {
	return p.keys[key]
}

// InstallResult summarizes an install run.
type InstallResult struct {
	Fetched int
	Skipped int
}

// fetched is a downloaded asset waiting to be written.
type fetched struct {
	asset asset
	entry *cache.CacheEntry
}

// Install downloads every asset whose stored revision is missing or
// outdated and stores them. The batch is all-or-nothing: any fetch failure
// or non-2xx status aborts it before anything is written, and a failing
// write rolls back what this batch already wrote.
func (p *Precacher) Install(ctx context.Context) (InstallResult, error) {
	start := time.Now()
	var result InstallResult

	c, err := p.store.Open(ctx, p.config.CacheName)
	if err != nil {
		return result, &BatchError{CacheName: p.config.CacheName, Total: len(p.assets), Failures: []Failure{{URL: "*", Err: err}}}
	}

	var todo []asset
	for _, a := range p.assets {
		if existing, err := c.Match(ctx, a.key); err == nil && existing.Revision == a.revision {
			result.Skipped++
			continue
		}
		todo = append(todo, a)
	}

	p.logger.Info().
		Int("assets", len(p.assets)).
		Int("to_fetch", len(todo)).
		Int("up_to_date", result.Skipped).
		Msg("Starting precache install")

	downloads, err := p.fetchAll(ctx, todo)
	if err != nil {
		return result, err
	}

	if err := p.writeAll(ctx, c, downloads); err != nil {
		return result, err
	}

	result.Fetched = len(downloads)
	p.logger.Info().
		Int("fetched", result.Fetched).
		Int("skipped", result.Skipped).
		Dur("duration", time.Since(start)).
		Msg("Precache install complete")
	return result, nil
}

// fetchAll downloads todo through a bounded worker pool. The first failure
// cancels the remaining fetches.
func (p *Precacher) fetchAll(ctx context.Context, todo []asset) ([]fetched, error) {
	results := make([]fetched, len(todo))
	var mu sync.Mutex
	var failures []Failure

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.MaxConcurrency)

	for i, a := range todo {
		i, a := i, a
		g.Go(func() error {
			entry, err := p.fetchOne(gctx, a)
			if err != nil {
				mu.Lock()
				defer mu.Unlock()
				if len(failures) > 0 && gctx.Err() != nil && ctx.Err() == nil {
					// cancelled because another asset failed
					return err
				}
				Fetches.WithLabelValues("failed").Inc()
				failures = append(failures, Failure{URL: a.url, Err: err})
				p.logger.Warn().Err(err).Str("url", a.url).Msg("Precache fetch failed")
				return err
			}
			Fetches.WithLabelValues("ok").Inc()
			results[i] = fetched{asset: a, entry: entry}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if len(failures) == 0 {
			failures = append(failures, Failure{URL: "*", Err: err})
		}
		return nil, &BatchError{CacheName: p.config.CacheName, Total: len(p.assets), Failures: failures}
	}
	return results, nil
}

func (p *Precacher) fetchOne(ctx context.Context, a asset) (*cache.CacheEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	var resp *http.Response
	if rf, ok := p.fetcher.(retryingFetcher); ok {
		resp, err = rf.FetchWithRetry(ctx, req)
	} else {
		resp, err = p.fetcher.Fetch(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	entry, err := cache.ResponseToEntry(resp, network.Classify(p.config.Origin, req, resp))
	if err != nil {
		return nil, err
	}
	entry.Revision = a.revision
	return entry, nil
}

// writeAll stores downloads, restoring the previous state if any write fails.
func (p *Precacher) writeAll(ctx context.Context, c cache.Cache, downloads []fetched) error {
	type previous struct {
		key   cache.RequestKey
		entry *cache.CacheEntry
	}
	var written []previous

	for _, d := range downloads {
		prev, err := c.Match(ctx, d.asset.key)
		if err != nil {
			prev = nil
		}
		if err := c.Put(ctx, d.asset.key, d.entry); err != nil {
			p.logger.Error().Err(err).Str("url", d.asset.url).Msg("Precache write failed, rolling back")
			for i := len(written) - 1; i >= 0; i-- {
				w := written[i]
				var rbErr error
				if w.entry != nil {
					rbErr = c.Put(ctx, w.key, w.entry)
				} else {
					_, rbErr = c.Delete(ctx, w.key)
				}
				if rbErr != nil {
					p.logger.Error().Err(rbErr).Str("key", w.key.String()).Msg("Precache rollback failed")
				}
			}
			return &BatchError{
				CacheName: p.config.CacheName,
				Total:     len(p.assets),
				Failures:  []Failure{{URL: d.asset.url, Err: err}},
			}
		}
		written = append(written, previous{key: d.asset.key, entry: prev})
	}
	return nil
}

// Cleanup deletes precached entries that are no longer in the manifest.
func (p *Precacher) Cleanup(ctx context.Context) (int, error) {
	c, err := p.store.Open(ctx, p.config.CacheName)
	if err != nil {
		return 0, err
	}
	records, err := c.Records(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	var errs []error
	for _, rec := range records {
		if p.keys[rec.Key] {
			continue
		}
		deleted, err := c.Delete(ctx, rec.Key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if deleted {
			removed++
			p.logger.Debug().Str("key", rec.Key.String()).Msg("Removed outdated precache entry")
		}
	}
	return removed, errors.Join(errs...)
}

// candidates returns the keys a request may be served from, exact URL first.
func (p *Precacher) candidates(req *http.Request) []cache.RequestKey {
	key := cache.KeyFor(req)
	keys := []cache.RequestKey{key}
	if u, err := url.Parse(key.URL); err == nil && strings.HasSuffix(u.Path, "/") {
		u.Path += p.config.DirectoryIndex
		keys = append(keys, cache.RequestKey{Method: key.Method, URL: u.String(), Vary: key.Vary})
	}
	return keys
}

// Matches reports whether req asks for a precached asset (directly or as a
// directory index). It is the route predicate for the precache route.
func (p *Precacher) Matches(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	for _, k := range p.candidates(req) {
		if p.keys[k] {
			return true
		}
	}
	return false
}
