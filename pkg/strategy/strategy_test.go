package strategy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/Sternrassler/offline-cache/internal/testutil"
	"github.com/Sternrassler/offline-cache/pkg/cache"
	"github.com/Sternrassler/offline-cache/pkg/expiration"
	"github.com/Sternrassler/offline-cache/pkg/network"
	"github.com/Sternrassler/offline-cache/pkg/pending"
	"github.com/rs/zerolog"
)

const testCacheName = "app-runtime-v1"

type fixture struct {
	origin *testutil.MockOrigin
	store  *cache.MemoryStore
	group  *pending.Group
	opts   Options
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	origin := testutil.NewMockOrigin()
	t.Cleanup(origin.Close)

	originURL, err := url.Parse(origin.URL())
	if err != nil {
		t.Fatalf("parse origin: %v", err)
	}

	logger := zerolog.Nop()
	store := cache.NewMemoryStore(cache.MemoryOptions{})
	group := pending.NewGroup(logger)
	return &fixture{
		origin: origin,
		store:  store,
		group:  group,
		opts: Options{
			CacheName:  testCacheName,
			Store:      store,
			Fetcher:    network.NewHTTPFetcher(network.Config{Timeout: time.Second}),
			Background: group,
			Origin:     originURL,
			Logger:     &logger,
		},
	}
}

func (f *fixture) get(path string) *http.Request {
	req, _ := http.NewRequest(http.MethodGet, f.origin.URL()+path, nil)
	return req
}

// settle waits for deferred writes and revalidations.
func (f *fixture) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.group.Wait(ctx); err != nil {
		t.Fatalf("background work did not settle: %v", err)
	}
}

func (f *fixture) records(t *testing.T) []cache.Record {
	t.Helper()
	c, _ := f.store.Open(context.Background(), testCacheName)
	records, err := c.Records(context.Background())
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	return records
}

func (f *fixture) seed(t *testing.T, path, body string) {
	t.Helper()
	c, _ := f.store.Open(context.Background(), testCacheName)
	err := c.Put(context.Background(), cache.KeyFor(f.get(path)), &cache.CacheEntry{
		Data:       []byte(body),
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": []string{"text/plain"}},
		Type:       cache.ResponseTypeBasic,
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestCacheFirst_HitSkipsNetwork(t *testing.T) {
	f := newFixture(t)
	f.origin.SetAsset("/img/logo.png", "image/png", "network")
	f.seed(t, "/img/logo.png", "cached")

	s := NewCacheFirst(f.opts)
	resp, err := s.Handle(context.Background(), f.get("/img/logo.png"))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if got := readBody(t, resp); got != "cached" {
		t.Errorf("body = %q, want cached", got)
	}
	if n := f.origin.GetRequestCount(); n != 0 {
		t.Errorf("network calls = %d, want 0", n)
	}
}

func TestCacheFirst_MissStoresOneEntry(t *testing.T) {
	f := newFixture(t)
	f.origin.SetResponse("/img/logo.png", testutil.MockResponse{
		StatusCode: http.StatusOK,
		Body:       "png-bytes",
		Headers:    map[string]string{"Content-Type": "image/png", "X-Origin": "yes"},
	})

	s := NewCacheFirst(f.opts)
	resp, err := s.Handle(context.Background(), f.get("/img/logo.png?b=2&a=1"))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Origin") != "yes" {
		t.Errorf("network response modified: status %d headers %v", resp.StatusCode, resp.Header)
	}
	if got := readBody(t, resp); got != "png-bytes" {
		t.Errorf("body = %q", got)
	}

	f.settle(t)
	records := f.records(t)
	if len(records) != 1 {
		t.Fatalf("entries = %d, want 1", len(records))
	}
	want := cache.KeyFor(f.get("/img/logo.png?a=1&b=2"))
	if records[0].Key != want {
		t.Errorf("key = %s, want normalized %s", records[0].Key, want)
	}

	// second request is served without the network
	resp, err = s.Handle(context.Background(), f.get("/img/logo.png?a=1&b=2"))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	readBody(t, resp)
	if n := f.origin.GetPathCount("/img/logo.png"); n != 1 {
		t.Errorf("network calls = %d, want 1", n)
	}
}

func TestCacheFirst_UncacheableResponses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		origin string
		mode   string
	}{
		{name: "not found", status: http.StatusNotFound},
		{name: "server error", status: http.StatusInternalServerError},
		{name: "partial content", status: http.StatusPartialContent},
		{name: "cross origin opaque", status: http.StatusOK, origin: "https://other.example", mode: "no-cors"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.origin.SetResponse("/asset", testutil.MockResponse{StatusCode: tt.status, Body: "body"})
			if tt.origin != "" {
				f.opts.Origin, _ = url.Parse(tt.origin)
			}

			req := f.get("/asset")
			if tt.mode != "" {
				req.Header.Set("Sec-Fetch-Mode", tt.mode)
			}
			resp, err := NewCacheFirst(f.opts).Handle(context.Background(), req)
			if err != nil {
				t.Fatalf("Handle failed: %v", err)
			}
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			readBody(t, resp)

			f.settle(t)
			if n := len(f.records(t)); n != 0 {
				t.Errorf("entries = %d, want 0", n)
			}
		})
	}
}

func TestCacheFirst_OfflineMiss(t *testing.T) {
	f := newFixture(t)
	f.origin.SetOffline(true)

	_, err := NewCacheFirst(f.opts).Handle(context.Background(), f.get("/img/logo.png"))
	if !errors.Is(err, ErrNoResponse) {
		t.Errorf("expected ErrNoResponse, got %v", err)
	}
	if !network.IsNetworkError(err) {
		t.Errorf("expected wrapped NetworkError, got %v", err)
	}
}

func TestCacheFirst_ExpiredEntryIsMiss(t *testing.T) {
	f := newFixture(t)
	f.origin.SetAsset("/img/logo.png", "image/png", "fresh")
	f.seed(t, "/img/logo.png", "old")

	policy := expiration.NewPolicy(expiration.Limits{MaxAge: time.Hour}, zerolog.Nop())
	policy.SetClock(func() time.Time { return time.Now().Add(2 * time.Hour) })
	f.opts.Expiration = policy

	resp, err := NewCacheFirst(f.opts).Handle(context.Background(), f.get("/img/logo.png"))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if got := readBody(t, resp); got != "fresh" {
		t.Errorf("body = %q, want fresh", got)
	}
	f.settle(t)
}

func TestCacheFirst_StorageFailureStillServes(t *testing.T) {
	f := newFixture(t)
	f.origin.SetAsset("/big.js", "application/javascript", "0123456789")
	f.store = cache.NewMemoryStore(cache.MemoryOptions{MaxBytes: 4})
	f.opts.Store = f.store

	resp, err := NewCacheFirst(f.opts).Handle(context.Background(), f.get("/big.js"))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if got := readBody(t, resp); got != "0123456789" {
		t.Errorf("body = %q", got)
	}
	f.settle(t)
	if n := len(f.records(t)); n != 0 {
		t.Errorf("entries = %d, want 0", n)
	}
}

func TestCacheFirst_EnforcesExpiration(t *testing.T) {
	f := newFixture(t)
	for _, p := range []string{"/1.png", "/2.png", "/3.png", "/4.png"} {
		f.origin.SetAsset(p, "image/png", p)
	}
	f.opts.Expiration = expiration.NewPolicy(expiration.Limits{MaxEntries: 2}, zerolog.Nop())
	s := NewCacheFirst(f.opts)

	for _, p := range []string{"/1.png", "/2.png", "/3.png", "/4.png"} {
		resp, err := s.Handle(context.Background(), f.get(p))
		if err != nil {
			t.Fatalf("Handle(%s) failed: %v", p, err)
		}
		readBody(t, resp)
		f.settle(t)
	}

	records := f.records(t)
	if len(records) != 2 {
		t.Fatalf("entries = %d, want 2", len(records))
	}
	if records[0].Key != cache.KeyFor(f.get("/3.png")) || records[1].Key != cache.KeyFor(f.get("/4.png")) {
		t.Errorf("kept %s and %s, want the two newest", records[0].Key, records[1].Key)
	}
}

func TestNetworkFirst(t *testing.T) {
	tests := []struct {
		name         string
		writeThrough bool
		seed         string
		offline      bool
		wantBody     string
		wantErr      bool
		wantEntries  int
	}{
		{name: "online returns network", wantBody: "network", wantEntries: 0},
		{name: "online write-through stores", writeThrough: true, wantBody: "network", wantEntries: 1},
		{name: "offline falls back to cache", seed: "cached", offline: true, wantBody: "cached", wantEntries: 1},
		{name: "offline miss", offline: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.origin.SetAsset("/care/page.html", "text/html", "network")
			if tt.seed != "" {
				f.seed(t, "/care/page.html", tt.seed)
			}
			f.origin.SetOffline(tt.offline)

			s := NewNetworkFirst(f.opts, tt.writeThrough)
			resp, err := s.Handle(context.Background(), f.get("/care/page.html"))
			if tt.wantErr {
				if !errors.Is(err, ErrNoResponse) {
					t.Fatalf("expected ErrNoResponse, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Handle failed: %v", err)
			}
			if got := readBody(t, resp); got != tt.wantBody {
				t.Errorf("body = %q, want %q", got, tt.wantBody)
			}

			f.settle(t)
			if n := len(f.records(t)); n != tt.wantEntries {
				t.Errorf("entries = %d, want %d", n, tt.wantEntries)
			}
		})
	}
}

func TestStaleWhileRevalidate_ServesStaleThenUpdates(t *testing.T) {
	f := newFixture(t)
	f.origin.SetHandler("/app.css", testutil.NewVersionedHandler("css"))
	f.seed(t, "/app.css", "stale")

	s := NewStaleWhileRevalidate(f.opts)

	resp, err := s.Handle(context.Background(), f.get("/app.css"))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if got := readBody(t, resp); got != "stale" {
		t.Errorf("first body = %q, want stale", got)
	}

	f.settle(t)
	if n := f.origin.GetPathCount("/app.css"); n != 1 {
		t.Errorf("revalidation fetches = %d, want 1", n)
	}

	resp, err = s.Handle(context.Background(), f.get("/app.css"))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if got := readBody(t, resp); got != "css-v1" {
		t.Errorf("second body = %q, want css-v1", got)
	}
	f.settle(t)
}

func TestStaleWhileRevalidate_MissWaitsForNetwork(t *testing.T) {
	f := newFixture(t)
	f.origin.SetHandler("/app.js", testutil.NewVersionedHandler("js"))

	s := NewStaleWhileRevalidate(f.opts)
	resp, err := s.Handle(context.Background(), f.get("/app.js"))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if got := readBody(t, resp); got != "js-v1" {
		t.Errorf("body = %q, want js-v1", got)
	}

	f.settle(t)
	if n := len(f.records(t)); n != 1 {
		t.Errorf("entries = %d, want 1", n)
	}
}

func TestStaleWhileRevalidate_RevalidationFailureKeepsEntry(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "/app.css", "stale")
	f.origin.SetOffline(true)

	s := NewStaleWhileRevalidate(f.opts)
	for i := 0; i < 2; i++ {
		resp, err := s.Handle(context.Background(), f.get("/app.css"))
		if err != nil {
			t.Fatalf("Handle failed: %v", err)
		}
		if got := readBody(t, resp); got != "stale" {
			t.Errorf("body = %q, want stale", got)
		}
		f.settle(t)
	}
}

func TestNetworkOnly(t *testing.T) {
	f := newFixture(t)
	f.origin.SetAsset("/api/data", "application/json", `{"ok":true}`)

	s := NewNetworkOnly(f.opts)
	resp, err := s.Handle(context.Background(), f.get("/api/data"))
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	readBody(t, resp)
	f.settle(t)
	if n := len(f.records(t)); n != 0 {
		t.Errorf("entries = %d, want 0", n)
	}
	if s.Name() != "network_only" {
		t.Errorf("Name() = %q", s.Name())
	}
}

func TestDefaultCacheable(t *testing.T) {
	tests := []struct {
		status   int
		typ      cache.ResponseType
		expected bool
	}{
		{200, cache.ResponseTypeBasic, true},
		{200, cache.ResponseTypeCORS, false},
		{200, cache.ResponseTypeOpaque, false},
		{404, cache.ResponseTypeBasic, false},
		{301, cache.ResponseTypeBasic, false},
	}

	for _, tt := range tests {
		got := DefaultCacheable(nil, &http.Response{StatusCode: tt.status}, tt.typ)
		if got != tt.expected {
			t.Errorf("DefaultCacheable(%d, %s) = %v, want %v", tt.status, tt.typ, got, tt.expected)
		}
	}
}
