//go:build integration

package integration

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/offline-cache/internal/testutil"
	"github.com/Sternrassler/offline-cache/pkg/agent"
	"github.com/Sternrassler/offline-cache/pkg/cache"
	"github.com/Sternrassler/offline-cache/pkg/config"
	"github.com/Sternrassler/offline-cache/pkg/lifecycle"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

// host is one process running the agent against a shared Redis.
type host struct {
	agent     *agent.Agent
	container *lifecycle.Container
	handler   http.Handler
}

func startHost(t *testing.T, redisClient *redis.Client, origin *testutil.MockOrigin, version string) *host {
	t.Helper()

	cfg := config.Default()
	cfg.Version = version
	cfg.Origin = origin.URL()
	cfg.Precache.URLs = []string{"/index.html"}
	cfg.Storage.Backend = config.BackendRedis
	cfg.Network.RetryAttempts = 1

	store, _, err := agent.OpenStore(cfg.Storage, redisClient)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	fetcher := agent.NewFetcher(cfg.Network)
	a, err := agent.New(cfg, store, fetcher, zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create agent: %v", err)
	}

	registry := lifecycle.NewRedisRegistry(redisClient, zerolog.Nop())
	container := lifecycle.NewContainer(fetcher, registry, zerolog.Nop())
	if err := container.Register(context.Background(), a.Worker()); err != nil {
		t.Fatalf("Failed to register %s: %v", version, err)
	}
	return &host{
		agent:     a,
		container: container,
		handler:   agent.NewHandler(container, a.Origin(), zerolog.Nop()),
	}
}

func (h *host) get(path string) (int, string) {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set(agent.HeaderClientID, "tab-1")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	body, _ := io.ReadAll(rec.Body)
	return rec.Code, string(body)
}

func (h *host) shutdown(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.container.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}

func newOrigin(t *testing.T) *testutil.MockOrigin {
	t.Helper()
	origin := testutil.NewMockOrigin()
	t.Cleanup(origin.Close)
	origin.SetAsset("/index.html", "text/html", "<html>shell</html>")
	origin.SetAsset("/logo.png", "image/png", "png")
	return origin
}

func TestRedisStore_Contract(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	store := cache.NewRedisStore(redisClient, "swcache-it")
	c, err := store.Open(ctx, "app-images-v1")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	var keys []cache.RequestKey
	for _, u := range []string{"https://app.example/a.png", "https://app.example/b.png", "https://app.example/c.png"} {
		key, _ := cache.KeyForURL(u)
		keys = append(keys, key)
		if err := c.Put(ctx, key, &cache.CacheEntry{Data: []byte(u), StatusCode: http.StatusOK}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	// a second store instance sees the same data in the same order
	reopened, _ := cache.NewRedisStore(redisClient, "swcache-it").Open(ctx, "app-images-v1")
	records, err := reopened.Records(ctx)
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("len(records) = %d, want 3", len(records))
	}
	for i, r := range records {
		if r.Key != keys[i] {
			t.Errorf("record %d = %s, want %s", i, r.Key.URL, keys[i].URL)
		}
	}
}

func TestFullRequestFlow(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	origin := newOrigin(t)
	h := startHost(t, redisClient, origin, "v1")

	if code, _ := h.get("/logo.png"); code != http.StatusOK {
		t.Fatalf("GET /logo.png = %d", code)
	}
	h.shutdown(t)

	origin.SetOffline(true)
	tests := []struct {
		path string
		code int
	}{
		{"/logo.png", http.StatusOK},
		{"/index.html", http.StatusOK},
		{"/api/items", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		if code, _ := h.get(tt.path); code != tt.code {
			t.Errorf("offline GET %s = %d, want %d", tt.path, code, tt.code)
		}
	}
}

func TestRestartSkipsReinstall(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	origin := newOrigin(t)
	first := startHost(t, redisClient, origin, "v1")
	first.shutdown(t)
	fetched := origin.GetPathCount("/index.html")
	if fetched != 1 {
		t.Fatalf("install fetched index %d times, want 1", fetched)
	}

	// same version on a fresh process
	second := startHost(t, redisClient, origin, "v1")
	if n := origin.GetPathCount("/index.html"); n != fetched {
		t.Errorf("restart refetched the precache (%d fetches)", n)
	}
	if second.container.Active() != second.agent.Worker() {
		t.Fatal("restored worker should be active")
	}

	origin.SetOffline(true)
	if code, body := second.get("/index.html"); code != http.StatusOK || !strings.Contains(body, "shell") {
		t.Errorf("offline shell after restart = %d %q", code, body)
	}
}

func TestUpgradeRetiresPreviousVersion(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	origin := newOrigin(t)
	v1 := startHost(t, redisClient, origin, "v1")
	v1.get("/logo.png")
	v1.shutdown(t)

	startHost(t, redisClient, origin, "v2")

	ctx := context.Background()
	store := cache.NewRedisStore(redisClient, "")
	names, err := store.Names(ctx)
	if err != nil {
		t.Fatalf("Names failed: %v", err)
	}
	for _, name := range names {
		if strings.HasSuffix(name, "-v1") {
			t.Errorf("namespace %s survived the upgrade", name)
		}
	}

	registry := lifecycle.NewRedisRegistry(redisClient, zerolog.Nop())
	active, _ := registry.ActiveVersion(ctx)
	if active != "v2" {
		t.Errorf("active version = %q, want v2", active)
	}
}
