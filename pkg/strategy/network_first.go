package strategy

import (
	"context"
	"net/http"
)

// NetworkFirst prefers fresh network responses and falls back to the cache
// when the network fails.
type NetworkFirst struct {
	engine
	writeThrough bool
}

// NewNetworkFirst creates a network-first strategy. With writeThrough, every
// cacheable network response refreshes the cache; without it the cache is
// only read (it is populated elsewhere, e.g. by precaching).
func NewNetworkFirst(opts Options, writeThrough bool) *NetworkFirst {
	return &NetworkFirst{engine: newEngine("network_first", opts), writeThrough: writeThrough}
}

// Handle implements Strategy.
func (s *NetworkFirst) Handle(ctx context.Context, req *http.Request) (*http.Response, error) {
	c := s.open(ctx)

	resp, err := s.fetch(ctx, req)
	if err == nil {
		if s.writeThrough {
			s.cacheResponse(ctx, c, req, resp)
		}
		return s.fromNetwork(resp), nil
	}

	s.log.Debug().Err(err).Str("url", req.URL.String()).Msg("Network failed, trying cache")
	if entry := s.lookup(ctx, c, req); entry != nil {
		return s.respond(entry, req), nil
	}
	return nil, s.noResponse(req, err)
}
