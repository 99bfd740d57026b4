package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/Sternrassler/offline-cache/pkg/network"
	"github.com/rs/zerolog"
)

// Container is the host side of the lifecycle: it owns the installing,
// waiting and active workers and knows which worker controls each client.
type Container struct {
	passthrough network.Fetcher
	registry    Registry
	logger      zerolog.Logger

	mu      sync.Mutex
	waiting *Worker
	active  *Worker
	retired []*Worker
	// clients maps a client id to its controller (nil = uncontrolled)
	clients map[string]*Worker
}

// NewContainer creates a host. passthrough serves uncontrolled clients.
// A nil registry keeps state in memory.
func NewContainer(passthrough network.Fetcher, registry Registry, logger zerolog.Logger) *Container {
	if passthrough == nil {
		panic("passthrough fetcher cannot be nil")
	}
	if registry == nil {
		registry = NewMemoryRegistry()
	}
	return &Container{
		passthrough: passthrough,
		registry:    registry,
		logger:      logger,
		clients:     make(map[string]*Worker),
	}
}

// Register installs w and activates it when skip-waiting was requested or
// nothing is active. Otherwise w waits until the active worker controls no
// clients. A version the registry already records as active is restored
// without reinstalling. Register may be called again with the same worker
// after it failed.
func (c *Container) Register(ctx context.Context, w *Worker) error {
	c.mu.Lock()
	if c.active == nil {
		active, err := c.registry.ActiveVersion(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Registry unavailable, installing")
		} else if active == w.Version() {
			w.restoreActive()
			c.active = w
			c.record(ctx, w)
			c.controlUncontrolled(w)
			c.mu.Unlock()
			return nil
		}
	}
	c.mu.Unlock()

	// the active worker keeps serving while the new one installs; a worker
	// left installed by a failed activation only retries activation
	if w.State() != StateInstalled {
		err := w.Install(ctx)
		c.record(ctx, w)
		if err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waiting != nil && c.waiting != w {
		c.retire(ctx, c.waiting)
	}
	c.waiting = w

	if w.Config().SkipWaiting || c.active == nil || c.controlledCount(c.active) == 0 {
		return c.activateWaiting(ctx)
	}
	c.logger.Info().
		Str("version", w.Version()).
		Str("active", c.active.Version()).
		Msg("Worker waiting for clients of the active worker to close")
	return nil
}

// activateWaiting promotes the waiting worker. Callers hold c.mu.
func (c *Container) activateWaiting(ctx context.Context) error {
	w := c.waiting
	if w == nil {
		return nil
	}

	err := w.Activate(ctx)
	c.record(ctx, w)
	if err != nil {
		return err
	}
	c.waiting = nil

	old := c.active
	c.active = w
	if err := c.registry.SetActive(ctx, w.Version()); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to record active version")
	}

	// clients of the old version move to the new one
	for id, ctrl := range c.clients {
		if ctrl != nil && ctrl == old {
			c.clients[id] = w
		}
	}
	if old != nil {
		c.retire(ctx, old)
	}
	if w.Config().ClaimClients {
		c.controlUncontrolled(w)
	}
	return nil
}

func (c *Container) retire(ctx context.Context, w *Worker) {
	w.markRedundant()
	c.record(ctx, w)
	c.retired = append(c.retired, w)
}

func (c *Container) record(ctx context.Context, w *Worker) {
	if err := c.registry.RecordState(ctx, w.Version(), w.State()); err != nil {
		c.logger.Warn().Err(err).Str("version", w.Version()).Msg("Failed to record worker state")
	}
}

func (c *Container) controlledCount(w *Worker) int {
	n := 0
	for _, ctrl := range c.clients {
		if ctrl == w {
			n++
		}
	}
	return n
}

func (c *Container) controlUncontrolled(w *Worker) {
	for id, ctrl := range c.clients {
		if ctrl == nil {
			c.clients[id] = w
		}
	}
}

// Claim makes the active worker control every open client.
func (c *Container) Claim(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return fmt.Errorf("claim: %w", ErrNotActive)
	}
	for id := range c.clients {
		c.clients[id] = c.active
	}
	c.logger.Info().Str("version", c.active.Version()).Int("clients", len(c.clients)).Msg("Clients claimed")
	return nil
}

// Connect opens a client. New clients are controlled by the active worker.
// Connecting an open client is a no-op.
func (c *Container) Connect(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.clients[clientID]; !ok {
		c.clients[clientID] = c.active
	}
}

// Disconnect closes a client. When the last client of the active worker
// closes, a waiting worker is activated.
func (c *Container) Disconnect(ctx context.Context, clientID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.clients, clientID)

	if c.waiting != nil && (c.active == nil || c.controlledCount(c.active) == 0) {
		return c.activateWaiting(ctx)
	}
	return nil
}

// Controller returns the worker controlling clientID, or nil.
func (c *Container) Controller(clientID string) *Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clients[clientID]
}

// Clients returns the ids of open clients in lexical order.
func (c *Container) Clients() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.clients))
	for id := range c.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Active returns the active worker, or nil.
func (c *Container) Active() *Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Waiting returns the installed worker waiting to activate, or nil.
func (c *Container) Waiting() *Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiting
}

// Fetch answers a request from clientID through its controller. Requests
// from uncontrolled clients go straight to the network. Unknown clients
// are connected first.
func (c *Container) Fetch(ctx context.Context, clientID string, req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	ctrl, ok := c.clients[clientID]
	if !ok {
		ctrl = c.active
		c.clients[clientID] = ctrl
	}
	c.mu.Unlock()

	if ctrl == nil {
		return c.passthrough.Fetch(ctx, req)
	}
	res := ctrl.Dispatch(ctx, Event{Type: EventFetch, Request: req})
	if errors.Is(res.Err, ErrNotActive) {
		// the controller was retired between lookup and dispatch
		if active := c.Active(); active != nil && active != ctrl {
			res = active.Dispatch(ctx, Event{Type: EventFetch, Request: req})
		}
	}
	return res.Response, res.Err
}

// Shutdown waits for the background work of every worker.
func (c *Container) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	workers := append([]*Worker(nil), c.retired...)
	if c.waiting != nil {
		workers = append(workers, c.waiting)
	}
	if c.active != nil {
		workers = append(workers, c.active)
	}
	c.mu.Unlock()

	seen := make(map[*Worker]bool, len(workers))
	var errs []error
	for _, w := range workers {
		if seen[w] {
			continue
		}
		seen[w] = true
		if err := w.Settle(ctx); err != nil {
			errs = append(errs, fmt.Errorf("worker %s: %w", w.Version(), err))
		}
	}
	return errors.Join(errs...)
}
