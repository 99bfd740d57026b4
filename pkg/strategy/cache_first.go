package strategy

import (
	"context"
	"net/http"
)

// CacheFirst answers from the cache when it can and only goes to the
// network on a miss. Cacheable network responses are stored for next time.
type CacheFirst struct {
	engine
}

// NewCacheFirst creates a cache-first strategy.
func NewCacheFirst(opts Options) *CacheFirst {
	return &CacheFirst{engine: newEngine("cache_first", opts)}
}

// Handle implements Strategy.
func (s *CacheFirst) Handle(ctx context.Context, req *http.Request) (*http.Response, error) {
	c := s.open(ctx)
	if entry := s.lookup(ctx, c, req); entry != nil {
		return s.respond(entry, req), nil
	}

	resp, err := s.fetch(ctx, req)
	if err != nil {
		return nil, s.noResponse(req, err)
	}
	s.cacheResponse(ctx, c, req, resp)
	return s.fromNetwork(resp), nil
}
