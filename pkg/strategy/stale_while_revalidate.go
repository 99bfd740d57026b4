package strategy

import (
	"context"
	"net/http"

	"github.com/Sternrassler/offline-cache/pkg/cache"
)

// StaleWhileRevalidate answers from the cache immediately and refreshes the
// entry in the background. The refreshed entry is only seen by later requests.
type StaleWhileRevalidate struct {
	engine
}

// NewStaleWhileRevalidate creates a stale-while-revalidate strategy.
func NewStaleWhileRevalidate(opts Options) *StaleWhileRevalidate {
	return &StaleWhileRevalidate{engine: newEngine("stale_while_revalidate", opts)}
}

// Handle implements Strategy.
func (s *StaleWhileRevalidate) Handle(ctx context.Context, req *http.Request) (*http.Response, error) {
	c := s.open(ctx)

	if entry := s.lookup(ctx, c, req); entry != nil {
		s.revalidate(ctx, c, req)
		return s.respond(entry, req), nil
	}

	resp, err := s.fetch(ctx, req)
	if err != nil {
		return nil, s.noResponse(req, err)
	}
	s.cacheResponse(ctx, c, req, resp)
	return s.fromNetwork(resp), nil
}

func (s *StaleWhileRevalidate) revalidate(ctx context.Context, c cache.Cache, req *http.Request) {
	s.opts.Background.Go(ctx, "revalidate:"+req.URL.String(), func(ctx context.Context) error {
		resp, err := s.fetch(ctx, req.Clone(ctx))
		if err != nil {
			// the stale entry stays until the next successful fetch
			s.log.Debug().Err(err).Str("url", req.URL.String()).Msg("Revalidation failed")
			return nil
		}
		defer resp.Body.Close()
		s.cacheResponse(ctx, c, req, resp)
		return nil
	})
}
