package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/Sternrassler/offline-cache/pkg/cache"
	"github.com/Sternrassler/offline-cache/pkg/pending"
	"github.com/Sternrassler/offline-cache/pkg/precache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Transitions counts worker state changes by target state.
var Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "swcache_lifecycle_transitions_total",
	Help: "Total worker lifecycle transitions by new state",
}, []string{"state"})

// EventType identifies a lifecycle event.
type EventType string

const (
	EventInstall  EventType = "install"
	EventActivate EventType = "activate"
	EventFetch    EventType = "fetch"
)

// Event is delivered to a worker through Dispatch.
type Event struct {
	Type EventType

	// Request is set for fetch events.
	Request *http.Request
}

// Result is the outcome of a dispatched event. Pending tracks background
// work the event started; the host must keep the worker alive until it
// settles.
type Result struct {
	Response *http.Response
	Err      error
	Pending  *pending.Group
}

// FetchHandler answers fetch events (the router).
type FetchHandler interface {
	Handle(ctx context.Context, req *http.Request) (*http.Response, error)
}

// WorkerConfig describes one worker version.
type WorkerConfig struct {
	// Version is the version token of this worker.
	Version string

	// ExpectedNamespaces are the current namespaces. Activation deletes
	// every other namespace in the store.
	ExpectedNamespaces []string

	// SkipWaiting activates the worker as soon as it is installed.
	SkipWaiting bool

	// ClaimClients takes control of already-open clients on activation.
	ClaimClients bool
}

type eventHandler func(ctx context.Context, ev Event) (*http.Response, error)

// Worker is one version of the caching agent.
type Worker struct {
	config    WorkerConfig
	store     cache.Store
	precacher *precache.Precacher
	fetch     FetchHandler
	pending   *pending.Group
	logger    zerolog.Logger

	mu    sync.Mutex
	state State

	handlers map[EventType]eventHandler
}

// NewWorker creates a worker in StateParsed. precacher may be nil when
// nothing is precached. The pending group must be the one the worker's
// strategies use for background work.
func NewWorker(config WorkerConfig, store cache.Store, precacher *precache.Precacher, fetch FetchHandler, group *pending.Group, logger zerolog.Logger) (*Worker, error) {
	if config.Version == "" {
		return nil, fmt.Errorf("worker version is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if fetch == nil {
		return nil, fmt.Errorf("fetch handler is required")
	}

	logger = logger.With().Str("version", config.Version).Logger()
	if group == nil {
		group = pending.NewGroup(logger)
	}

	w := &Worker{
		config:    config,
		store:     store,
		precacher: precacher,
		fetch:     fetch,
		pending:   group,
		logger:    logger,
		state:     StateParsed,
	}
	w.handlers = map[EventType]eventHandler{
		EventInstall:  w.handleInstall,
		EventActivate: w.handleActivate,
		EventFetch:    w.handleFetch,
	}
	return w, nil
}

// Version returns the worker's version token.
func (w *Worker) Version() string {
	return w.config.Version
}

// Config returns the worker configuration.
func (w *Worker) Config() WorkerConfig {
	return w.config
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Pending returns the group tracking the worker's background work.
func (w *Worker) Pending() *pending.Group {
	return w.pending
}

// Install dispatches the install event.
func (w *Worker) Install(ctx context.Context) error {
	return w.Dispatch(ctx, Event{Type: EventInstall}).Err
}

// Activate dispatches the activate event.
func (w *Worker) Activate(ctx context.Context) error {
	return w.Dispatch(ctx, Event{Type: EventActivate}).Err
}

// Dispatch delivers ev to its handler. Handler panics are returned as errors.
func (w *Worker) Dispatch(ctx context.Context, ev Event) (result Result) {
	result.Pending = w.pending

	handler, ok := w.handlers[ev.Type]
	if !ok {
		result.Err = fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
		return result
	}

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().
				Str("event", string(ev.Type)).
				Str("panic", fmt.Sprint(r)).
				Msg("Event handler panicked")
			result.Response = nil
			result.Err = fmt.Errorf("%s handler panicked: %v", ev.Type, r)
		}
	}()

	result.Response, result.Err = handler(ctx, ev)
	return result
}

// Settle waits for the worker's background work.
func (w *Worker) Settle(ctx context.Context) error {
	return w.pending.Wait(ctx)
}

func (w *Worker) handleInstall(ctx context.Context, _ Event) (*http.Response, error) {
	if err := w.transition(StateParsed, StateInstalling); err != nil {
		return nil, err
	}

	if w.precacher != nil {
		if _, err := w.precacher.Install(ctx); err != nil {
			w.setState(StateParsed)
			w.logger.Error().Err(err).Msg("Install failed")
			return nil, &TransitionError{Version: w.Version(), From: StateInstalling, To: StateInstalled, State: StateParsed, Err: err}
		}
	}

	w.setState(StateInstalled)
	w.logger.Info().Bool("skip_waiting", w.config.SkipWaiting).Msg("Worker installed")
	return nil, nil
}

func (w *Worker) handleActivate(ctx context.Context, _ Event) (*http.Response, error) {
	if err := w.transition(StateInstalled, StateActivating); err != nil {
		return nil, err
	}

	if err := w.retireNamespaces(ctx); err != nil {
		w.setState(StateInstalled)
		w.logger.Error().Err(err).Msg("Activation failed")
		return nil, &TransitionError{Version: w.Version(), From: StateActivating, To: StateActivated, State: StateInstalled, Err: err}
	}

	w.setState(StateActivated)
	w.logger.Info().Bool("claim_clients", w.config.ClaimClients).Msg("Worker activated")
	return nil, nil
}

// retireNamespaces deletes every namespace not owned by this version and
// removes precache entries dropped from the manifest.
func (w *Worker) retireNamespaces(ctx context.Context) error {
	keep := make(map[string]bool, len(w.config.ExpectedNamespaces)+1)
	for _, name := range w.config.ExpectedNamespaces {
		keep[name] = true
	}
	if w.precacher != nil {
		keep[w.precacher.CacheName()] = true
	}

	names, err := w.store.Names(ctx)
	if err != nil {
		return fmt.Errorf("list namespaces: %w", err)
	}

	var errs []error
	for _, name := range names {
		if keep[name] {
			continue
		}
		if _, err := w.store.DeleteNamespace(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete namespace %q: %w", name, err))
			continue
		}
		w.logger.Info().Str("namespace", name).Msg("Deleted outdated cache")
	}

	if w.precacher != nil {
		removed, err := w.precacher.Cleanup(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("precache cleanup: %w", err))
		} else if removed > 0 {
			w.logger.Info().Int("removed", removed).Msg("Removed outdated precache entries")
		}
	}
	return errors.Join(errs...)
}

func (w *Worker) handleFetch(ctx context.Context, ev Event) (*http.Response, error) {
	if ev.Request == nil {
		return nil, fmt.Errorf("fetch event without request")
	}
	// redundant workers finish what they already started, nothing new
	if state := w.State(); state != StateActivated {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotActive, w.Version(), state)
	}
	return w.fetch.Handle(ctx, ev.Request)
}

// transition moves from exactly `from` to `to`.
func (w *Worker) transition(from, to State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != from || !from.CanTransition(to) {
		return &TransitionError{
			Version: w.config.Version,
			From:    w.state,
			To:      to,
			State:   w.state,
			Err:     ErrInvalidTransition,
		}
	}
	w.state = to
	Transitions.WithLabelValues(string(to)).Inc()
	w.logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("Worker state changed")
	return nil
}

// setState moves from the current state to to; callers guarantee the move is valid.
func (w *Worker) setState(to State) {
	w.mu.Lock()
	from := w.state
	w.state = to
	w.mu.Unlock()
	Transitions.WithLabelValues(string(to)).Inc()
	w.logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("Worker state changed")
}

// markRedundant retires the worker. In-flight work continues.
func (w *Worker) markRedundant() {
	w.mu.Lock()
	if w.state == StateRedundant {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()
	w.setState(StateRedundant)
	w.logger.Info().Int("pending_tasks", w.pending.Len()).Msg("Worker redundant")
}

// restoreActive marks a worker active without install or activation, for a
// host restarting with a version that was already active.
func (w *Worker) restoreActive() {
	w.setState(StateActivated)
	w.logger.Info().Msg("Worker restored as active")
}
