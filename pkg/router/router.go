// Package router selects the caching strategy for each intercepted request.
//
// Routes are evaluated in registration order and the first match wins.
// Requests no route matches go to the network untouched.
package router

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/Sternrassler/offline-cache/pkg/strategy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// PassthroughRoute is the metric label for unmatched requests.
const PassthroughRoute = "passthrough"

// Requests counts routed requests by route name.
var Requests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "swcache_router_requests_total",
	Help: "Total intercepted requests by matched route",
}, []string{"route"})

// MatchFunc reports whether a route applies to a request.
type MatchFunc func(req *http.Request) bool

// Route binds a predicate to a strategy.
type Route struct {
	Name string

	// Method restricts the route to one HTTP method (empty = any).
	Method string

	Match    MatchFunc
	Strategy strategy.Strategy
}

func (r Route) matches(req *http.Request) bool {
	if r.Method != "" && r.Method != req.Method {
		return false
	}
	return r.Match(req)
}

// Router dispatches requests to strategies.
type Router struct {
	mu          sync.RWMutex
	routes      []Route
	passthrough strategy.Strategy
	logger      zerolog.Logger
}

// New creates a router. passthrough handles unmatched requests and must not
// touch any cache (see strategy.NetworkOnly).
func New(passthrough strategy.Strategy, logger zerolog.Logger) *Router {
	if passthrough == nil {
		panic("passthrough strategy cannot be nil")
	}
	return &Router{
		passthrough: passthrough,
		logger:      logger,
	}
}

// Register adds a GET route.
func (r *Router) Register(name string, match MatchFunc, s strategy.Strategy) {
	if err := r.RegisterRoute(Route{Name: name, Method: http.MethodGet, Match: match, Strategy: s}); err != nil {
		panic(err)
	}
}

// RegisterRoute adds a route after the existing ones.
func (r *Router) RegisterRoute(route Route) error {
	if route.Match == nil {
		return fmt.Errorf("route %q: match function is required", route.Name)
	}
	if route.Strategy == nil {
		return fmt.Errorf("route %q: strategy is required", route.Name)
	}
	if route.Name == "" {
		route.Name = fmt.Sprintf("route-%d", len(r.Routes()))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route)

	r.logger.Debug().
		Str("route", route.Name).
		Str("method", route.Method).
		Str("strategy", route.Strategy.Name()).
		Msg("Route registered")
	return nil
}

// Routes returns the registered routes in evaluation order.
func (r *Router) Routes() []Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Route(nil), r.routes...)
}

// Match returns the first route matching req.
func (r *Router) Match(req *http.Request) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, route := range r.routes {
		if route.matches(req) {
			return route, true
		}
	}
	return Route{}, false
}

// Handle produces the response for req through the first matching route.
func (r *Router) Handle(ctx context.Context, req *http.Request) (*http.Response, error) {
	route, ok := r.Match(req)
	if !ok {
		Requests.WithLabelValues(PassthroughRoute).Inc()
		r.logger.Debug().Str("method", req.Method).Str("url", req.URL.String()).Msg("No route, passing through")
		return r.passthrough.Handle(ctx, req)
	}

	Requests.WithLabelValues(route.Name).Inc()
	r.logger.Debug().
		Str("route", route.Name).
		Str("strategy", route.Strategy.Name()).
		Str("url", req.URL.String()).
		Msg("Routed request")
	return route.Strategy.Handle(ctx, req)
}
