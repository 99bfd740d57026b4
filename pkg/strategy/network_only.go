package strategy

import (
	"context"
	"net/http"
)

// NetworkOnly passes requests straight to the network and never touches a
// cache. The router uses it for requests no route matches.
type NetworkOnly struct {
	engine
}

// NewNetworkOnly creates a pass-through strategy.
func NewNetworkOnly(opts Options) *NetworkOnly {
	opts.Store = nil
	return &NetworkOnly{engine: newEngine("network_only", opts)}
}

// Handle implements Strategy.
func (s *NetworkOnly) Handle(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := s.fetch(ctx, req)
	if err != nil {
		return nil, s.noResponse(req, err)
	}
	return s.fromNetwork(resp), nil
}
