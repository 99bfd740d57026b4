package lifecycle

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/offline-cache/internal/testutil"
	"github.com/Sternrassler/offline-cache/pkg/cache"
	"github.com/Sternrassler/offline-cache/pkg/network"
	"github.com/rs/zerolog"
)

func networkStub() network.Fetcher {
	return network.FetcherFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{},
			Body:       io.NopCloser(strings.NewReader("network")),
			Request:    req,
		}, nil
	})
}

func fetchBody(t *testing.T, c *Container, clientID string) string {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, "https://app.example/page", nil)
	resp, err := c.Fetch(context.Background(), clientID, req)
	if err != nil {
		t.Fatalf("Fetch(%s) failed: %v", clientID, err)
	}
	return readBody(t, resp)
}

func TestNewContainer_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for nil passthrough")
		}
	}()
	NewContainer(nil, nil, zerolog.Nop())
}

func TestContainer_FirstWorkerActivatesImmediately(t *testing.T) {
	store := cache.NewMemoryStore(cache.MemoryOptions{})
	c := NewContainer(networkStub(), nil, zerolog.Nop())
	ctx := context.Background()

	w1 := newTestWorker(t, "v1", store, nil, WorkerConfig{})
	if err := c.Register(ctx, w1); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if c.Active() != w1 || w1.State() != StateActivated {
		t.Fatalf("v1 should be active, state %s", w1.State())
	}

	c.Connect("tab-1")
	if c.Controller("tab-1") != w1 {
		t.Error("new client should be controlled by the active worker")
	}
	if got := fetchBody(t, c, "tab-1"); got != "v1" {
		t.Errorf("body = %q, want v1", got)
	}
}

func TestContainer_WaitsUntilClientsClose(t *testing.T) {
	store := cache.NewMemoryStore(cache.MemoryOptions{})
	c := NewContainer(networkStub(), nil, zerolog.Nop())
	ctx := context.Background()

	w1 := newTestWorker(t, "v1", store, nil, WorkerConfig{})
	_ = c.Register(ctx, w1)
	c.Connect("tab-1")

	w2 := newTestWorker(t, "v2", store, nil, WorkerConfig{})
	if err := c.Register(ctx, w2); err != nil {
		t.Fatalf("Register v2 failed: %v", err)
	}
	if c.Waiting() != w2 || w2.State() != StateInstalled {
		t.Fatalf("v2 should wait, state %s", w2.State())
	}
	if got := fetchBody(t, c, "tab-1"); got != "v1" {
		t.Errorf("open client served by %q, want v1", got)
	}

	if err := c.Disconnect(ctx, "tab-1"); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if c.Active() != w2 || c.Waiting() != nil {
		t.Fatal("v2 should activate after the last client closed")
	}
	if w1.State() != StateRedundant {
		t.Errorf("v1 state = %s, want redundant", w1.State())
	}
	if got := fetchBody(t, c, "tab-2"); got != "v2" {
		t.Errorf("new client served by %q, want v2", got)
	}
}

func TestContainer_SkipWaiting(t *testing.T) {
	store := cache.NewMemoryStore(cache.MemoryOptions{})
	c := NewContainer(networkStub(), nil, zerolog.Nop())
	ctx := context.Background()

	w1 := newTestWorker(t, "v1", store, nil, WorkerConfig{})
	_ = c.Register(ctx, w1)
	c.Connect("tab-1")

	w2 := newTestWorker(t, "v2", store, nil, WorkerConfig{SkipWaiting: true})
	if err := c.Register(ctx, w2); err != nil {
		t.Fatalf("Register v2 failed: %v", err)
	}
	if c.Active() != w2 {
		t.Fatal("v2 should activate without waiting")
	}
	if w1.State() != StateRedundant {
		t.Errorf("v1 state = %s, want redundant", w1.State())
	}
	if got := fetchBody(t, c, "tab-1"); got != "v2" {
		t.Errorf("existing client served by %q, want v2", got)
	}
}

func TestContainer_UncontrolledClients(t *testing.T) {
	store := cache.NewMemoryStore(cache.MemoryOptions{})
	c := NewContainer(networkStub(), nil, zerolog.Nop())
	ctx := context.Background()

	c.Connect("early")
	if got := fetchBody(t, c, "early"); got != "network" {
		t.Errorf("uncontrolled client served by %q, want network", got)
	}

	w1 := newTestWorker(t, "v1", store, nil, WorkerConfig{})
	_ = c.Register(ctx, w1)
	if c.Controller("early") != nil {
		t.Error("client should stay uncontrolled without claim")
	}
	if got := fetchBody(t, c, "early"); got != "network" {
		t.Errorf("uncontrolled client served by %q, want network", got)
	}

	if err := c.Claim(ctx); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if got := fetchBody(t, c, "early"); got != "v1" {
		t.Errorf("claimed client served by %q, want v1", got)
	}
}

func TestContainer_ClaimClientsOnActivation(t *testing.T) {
	store := cache.NewMemoryStore(cache.MemoryOptions{})
	c := NewContainer(networkStub(), nil, zerolog.Nop())
	ctx := context.Background()

	c.Connect("early")
	w1 := newTestWorker(t, "v1", store, nil, WorkerConfig{ClaimClients: true})
	_ = c.Register(ctx, w1)
	if c.Controller("early") != w1 {
		t.Error("activation with claim should control open clients")
	}
}

func TestContainer_ClaimWithoutActive(t *testing.T) {
	c := NewContainer(networkStub(), nil, zerolog.Nop())
	if err := c.Claim(context.Background()); !errors.Is(err, ErrNotActive) {
		t.Errorf("expected ErrNotActive, got %v", err)
	}
}

func TestContainer_FailedInstallKeepsActive(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()

	store := cache.NewMemoryStore(cache.MemoryOptions{})
	c := NewContainer(networkStub(), nil, zerolog.Nop())
	ctx := context.Background()

	w1 := newTestWorker(t, "v1", store, nil, WorkerConfig{})
	_ = c.Register(ctx, w1)

	p := newTestPrecacher(t, origin, store, "app-precache-v2", "/missing.js")
	w2 := newTestWorker(t, "v2", store, p, WorkerConfig{SkipWaiting: true})
	if err := c.Register(ctx, w2); err == nil {
		t.Fatal("expected install error")
	}
	if c.Active() != w1 || c.Waiting() != nil {
		t.Error("failed install should leave the active worker in place")
	}
	if w2.State() != StateParsed {
		t.Errorf("v2 state = %s, want parsed", w2.State())
	}
}

func TestContainer_RegisterRetriesFailedTransitions(t *testing.T) {
	ctx := context.Background()

	t.Run("install", func(t *testing.T) {
		origin := testutil.NewMockOrigin()
		defer origin.Close()
		store := cache.NewMemoryStore(cache.MemoryOptions{})
		c := NewContainer(networkStub(), nil, zerolog.Nop())

		p := newTestPrecacher(t, origin, store, "app-precache-v1", "/app.js")
		w := newTestWorker(t, "v1", store, p, WorkerConfig{})
		if err := c.Register(ctx, w); err == nil {
			t.Fatal("expected install error while the asset is missing")
		}

		origin.SetAsset("/app.js", "application/javascript", "app")
		if err := c.Register(ctx, w); err != nil {
			t.Fatalf("second Register failed: %v", err)
		}
		if c.Active() != w || w.State() != StateActivated {
			t.Errorf("active = %v, state = %s; want v1 activated", c.Active(), w.State())
		}
	})

	t.Run("activation", func(t *testing.T) {
		store := &failingDeletes{Store: cache.NewMemoryStore(cache.MemoryOptions{})}
		_, _ = store.Open(ctx, "old-v0")
		store.fail.Store(true)
		c := NewContainer(networkStub(), nil, zerolog.Nop())

		w := newTestWorker(t, "v1", store, nil, WorkerConfig{ExpectedNamespaces: []string{"new-v1"}})
		var transErr *TransitionError
		if err := c.Register(ctx, w); !errors.As(err, &transErr) {
			t.Fatalf("expected TransitionError, got %v", err)
		}
		if c.Waiting() != w || w.State() != StateInstalled {
			t.Fatalf("state = %s; want v1 installed and waiting", w.State())
		}

		store.fail.Store(false)
		if err := c.Register(ctx, w); err != nil {
			t.Fatalf("second Register failed: %v", err)
		}
		if c.Active() != w || c.Waiting() != nil {
			t.Error("retried worker should be active with nothing waiting")
		}
		names, _ := store.Names(ctx)
		if len(names) != 0 {
			t.Errorf("namespaces after activation = %v, want old-v0 deleted", names)
		}
	})
}

// failingDeletes rejects namespace deletes while fail is set.
type failingDeletes struct {
	cache.Store
	fail atomic.Bool
}

func (s *failingDeletes) DeleteNamespace(ctx context.Context, name string) (bool, error) {
	if s.fail.Load() {
		return false, &cache.StorageError{Op: "delete_namespace", Namespace: name, Err: errors.New("read-only")}
	}
	return s.Store.DeleteNamespace(ctx, name)
}

func TestContainer_RedundantFinishesInFlight(t *testing.T) {
	store := cache.NewMemoryStore(cache.MemoryOptions{})
	c := NewContainer(networkStub(), nil, zerolog.Nop())
	ctx := context.Background()

	entered := make(chan struct{}, 1)
	block := make(chan struct{})
	w1, _ := NewWorker(WorkerConfig{Version: "v1"}, store, nil, &versionHandler{version: "v1", entered: entered, block: block}, nil, zerolog.Nop())
	_ = c.Register(ctx, w1)
	c.Connect("tab-1")

	type outcome struct {
		body string
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodGet, "https://app.example/slow", nil)
		resp, err := c.Fetch(ctx, "tab-1", req)
		if err != nil {
			done <- outcome{err: err}
			return
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		done <- outcome{body: string(b)}
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("fetch never reached the handler")
	}

	w2 := newTestWorker(t, "v2", store, nil, WorkerConfig{SkipWaiting: true})
	if err := c.Register(ctx, w2); err != nil {
		t.Fatalf("Register v2 failed: %v", err)
	}
	if w1.State() != StateRedundant {
		t.Fatalf("v1 state = %s, want redundant", w1.State())
	}
	close(block)

	select {
	case out := <-done:
		if out.err != nil {
			t.Fatalf("in-flight fetch failed: %v", out.err)
		}
		if out.body != "v1" {
			t.Errorf("body = %q, want v1", out.body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight fetch did not complete")
	}
}

func TestContainer_RestoresActiveVersion(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetAsset("/app.js", "application/javascript", "js")

	store := cache.NewMemoryStore(cache.MemoryOptions{})
	registry := NewMemoryRegistry()
	ctx := context.Background()
	_ = registry.SetActive(ctx, "v1")

	c := NewContainer(networkStub(), registry, zerolog.Nop())
	p := newTestPrecacher(t, origin, store, "app-precache-v1", "/app.js")
	w1 := newTestWorker(t, "v1", store, p, WorkerConfig{})
	if err := c.Register(ctx, w1); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if c.Active() != w1 || w1.State() != StateActivated {
		t.Fatalf("v1 should be restored as active, state %s", w1.State())
	}
	if n := origin.GetRequestCount(); n != 0 {
		t.Errorf("restore fetched %d assets, want 0", n)
	}

	states, _ := registry.States(ctx)
	if states["v1"].State != StateActivated {
		t.Errorf("recorded state = %s, want activated", states["v1"].State)
	}
}

func TestContainer_RecordsStates(t *testing.T) {
	store := cache.NewMemoryStore(cache.MemoryOptions{})
	registry := NewMemoryRegistry()
	c := NewContainer(networkStub(), registry, zerolog.Nop())
	ctx := context.Background()

	_ = c.Register(ctx, newTestWorker(t, "v1", store, nil, WorkerConfig{}))
	_ = c.Register(ctx, newTestWorker(t, "v2", store, nil, WorkerConfig{SkipWaiting: true}))

	active, _ := registry.ActiveVersion(ctx)
	if active != "v2" {
		t.Errorf("active version = %q, want v2", active)
	}
	states, _ := registry.States(ctx)
	if states["v1"].State != StateRedundant || states["v2"].State != StateActivated {
		t.Errorf("states = %+v", states)
	}
}

func TestContainer_ShutdownSettlesWorkers(t *testing.T) {
	store := cache.NewMemoryStore(cache.MemoryOptions{})
	c := NewContainer(networkStub(), nil, zerolog.Nop())
	ctx := context.Background()

	w1 := newTestWorker(t, "v1", store, nil, WorkerConfig{})
	_ = c.Register(ctx, w1)

	finished := make(chan struct{})
	w1.Pending().Go(ctx, "slow-write", func(ctx context.Context) error {
		time.Sleep(50 * time.Millisecond)
		close(finished)
		return nil
	})

	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	select {
	case <-finished:
	default:
		t.Error("Shutdown returned before background work settled")
	}
}
