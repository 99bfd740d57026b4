// Package pending tracks background work that must outlive the request that
// started it, such as revalidation fetches and deferred cache writes.
package pending

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// PendingTasks is the number of background tasks currently running across all groups.
var PendingTasks = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "swcache_lifecycle_pending_tasks",
	Help: "Background tasks (revalidation, deferred writes, expiration) still running",
})

// Group runs background tasks and lets the owner wait for them.
//
// Tasks receive a context that keeps the values of the spawning context but
// is never cancelled by it, so a finished request does not abort its cache
// write halfway. Go may be called while Wait is blocked.
type Group struct {
	mu sync.Mutex
	n  int
	// idle is closed when n drops to zero; nil while nobody waits
	idle   chan struct{}
	logger zerolog.Logger
}

// NewGroup creates an empty group.
func NewGroup(logger zerolog.Logger) *Group {
	return &Group{logger: logger}
}

// Go runs fn in a new goroutine tracked by the group.
// Errors and panics are logged; they never reach the caller.
func (g *Group) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	detached := context.WithoutCancel(ctx)

	g.add(1)
	go func() {
		defer g.add(-1)
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error().
					Str("task", name).
					Str("panic", fmt.Sprint(r)).
					Msg("Background task panicked")
			}
		}()

		if err := fn(detached); err != nil {
			g.logger.Warn().Err(err).Str("task", name).Msg("Background task failed")
		}
	}()
}

// Wait blocks until no task is running or ctx is done. Tasks started while
// it waits are waited for too.
func (g *Group) Wait(ctx context.Context) error {
	g.mu.Lock()
	if g.n == 0 {
		g.mu.Unlock()
		return nil
	}
	if g.idle == nil {
		g.idle = make(chan struct{})
	}
	idle := g.idle
	g.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d pending tasks: %w", g.Len(), ctx.Err())
	}
}

// Len returns the number of tasks still running.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n
}

func (g *Group) add(delta int) {
	g.mu.Lock()
	g.n += delta
	if g.n == 0 && g.idle != nil {
		close(g.idle)
		g.idle = nil
	}
	g.mu.Unlock()
	PendingTasks.Add(float64(delta))
}
