package precache

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Sternrassler/offline-cache/pkg/cache"
	"github.com/Sternrassler/offline-cache/pkg/strategy"
)

// StrategyName is the name of the precache route's strategy.
const StrategyName = "precache"

// Strategy returns the strategy serving precached assets. By default it
// tries the exact URL, then the directory index, then the network without
// caching. With Config.NetworkFirst the network goes first and the precache
// answers only when the network fails.
func (p *Precacher) Strategy() strategy.Strategy {
	return &precacheStrategy{p: p}
}

type precacheStrategy struct {
	p *Precacher
}

func (s *precacheStrategy) Name() string {
	return StrategyName
}

func (s *precacheStrategy) Handle(ctx context.Context, req *http.Request) (*http.Response, error) {
	if s.p.config.NetworkFirst {
		resp, err := s.p.fetcher.Fetch(ctx, req)
		if err == nil {
			strategy.Responses.WithLabelValues(StrategyName, strategy.SourceNetwork).Inc()
			return resp, nil
		}
		s.p.logger.Debug().Err(err).Str("url", req.URL.String()).Msg("Network failed, trying precache")
		if resp := s.fromPrecache(ctx, req); resp != nil {
			return resp, nil
		}
		return nil, s.noResponse(req, err)
	}

	if resp := s.fromPrecache(ctx, req); resp != nil {
		return resp, nil
	}
	resp, err := s.p.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, s.noResponse(req, err)
	}
	strategy.Responses.WithLabelValues(StrategyName, strategy.SourceNetwork).Inc()
	return resp, nil
}

// fromPrecache returns the stored response for req, or nil.
func (s *precacheStrategy) fromPrecache(ctx context.Context, req *http.Request) *http.Response {
	p := s.p
	c, err := p.store.Open(ctx, p.config.CacheName)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Precache unavailable")
		return nil
	}
	for _, key := range p.candidates(req) {
		entry, err := c.Match(ctx, key)
		if err == nil {
			strategy.Responses.WithLabelValues(StrategyName, strategy.SourceCache).Inc()
			return cache.EntryToResponse(entry, req)
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			p.logger.Warn().Err(err).Str("key", key.String()).Msg("Precache read failed")
			return nil
		}
	}
	return nil
}

func (s *precacheStrategy) noResponse(req *http.Request, cause error) error {
	strategy.Responses.WithLabelValues(StrategyName, strategy.SourceNone).Inc()
	return fmt.Errorf("%s %s: %w: %w", StrategyName, req.URL, strategy.ErrNoResponse, cause)
}
