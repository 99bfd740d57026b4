package cache

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// MemoryOptions configures a MemoryStore.
type MemoryOptions struct {
	// MaxBytes bounds the total size of all entries (0 = unlimited).
	// Writes beyond the quota fail with ErrQuotaExceeded.
	MaxBytes int

	// Now is the clock used to stamp insertions (default: time.Now).
	Now func() time.Time
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu         sync.RWMutex
	namespaces map[string]*memoryCache
	usedBytes  int
	seq        uint64
	opts       MemoryOptions
}

type memoryRecord struct {
	entry *CacheEntry
	seq   uint64
}

type memoryCache struct {
	store   *MemoryStore
	name    string
	entries map[string]memoryRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts MemoryOptions) *MemoryStore {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &MemoryStore{
		namespaces: make(map[string]*memoryCache),
		opts:       opts,
	}
}

// Open implements Store.
func (s *MemoryStore) Open(_ context.Context, name string) (Cache, error) {
	if name == "" {
		return nil, storageError("open", name, fmt.Errorf("namespace name cannot be empty"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.namespaces[name]
	if !ok {
		c = &memoryCache{store: s, name: name, entries: make(map[string]memoryRecord)}
		s.namespaces[name] = c
	}
	return c, nil
}

// Names implements Store.
func (s *MemoryStore) Names(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.namespaces))
	for name := range s.namespaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// DeleteNamespace implements Store.
func (s *MemoryStore) DeleteNamespace(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.namespaces[name]
	if !ok {
		return false, nil
	}
	for _, rec := range c.entries {
		s.usedBytes -= rec.entry.Size()
	}
	delete(s.namespaces, name)
	return true, nil
}

// UsedBytes returns the number of bytes currently accounted against the quota.
func (s *MemoryStore) UsedBytes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usedBytes
}

func (c *memoryCache) Name() string {
	return c.name
}

func (c *memoryCache) Match(_ context.Context, key RequestKey) (*CacheEntry, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	if !c.alive() {
		return nil, storageError("match", c.name, ErrNamespaceDeleted)
	}
	rec, ok := c.entries[key.String()]
	if !ok {
		CacheMisses.WithLabelValues(c.name).Inc()
		return nil, ErrCacheMiss
	}
	CacheHits.WithLabelValues(c.name).Inc()
	return copyEntry(rec.entry), nil
}

func (c *memoryCache) Put(_ context.Context, key RequestKey, entry *CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if !c.alive() {
		return storageError("put", c.name, ErrNamespaceDeleted)
	}

	stored := copyEntry(entry)
	stored.CachedAt = c.store.opts.Now()

	k := key.String()
	used := c.store.usedBytes + stored.Size()
	if prev, ok := c.entries[k]; ok {
		used -= prev.entry.Size()
	}
	if c.store.opts.MaxBytes > 0 && used > c.store.opts.MaxBytes {
		return storageError("put", c.name, ErrQuotaExceeded)
	}

	c.store.seq++
	c.entries[k] = memoryRecord{entry: stored, seq: c.store.seq}
	c.store.usedBytes = used
	entry.CachedAt = stored.CachedAt
	CacheWrites.WithLabelValues(c.name).Inc()
	return nil
}

func (c *memoryCache) Delete(_ context.Context, key RequestKey) (bool, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if !c.alive() {
		return false, nil
	}
	k := key.String()
	rec, ok := c.entries[k]
	if !ok {
		return false, nil
	}
	c.store.usedBytes -= rec.entry.Size()
	delete(c.entries, k)
	return true, nil
}

func (c *memoryCache) Records(_ context.Context) ([]Record, error) {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()

	type ordered struct {
		record Record
		seq    uint64
	}
	list := make([]ordered, 0, len(c.entries))
	for k, rec := range c.entries {
		key, err := ParseRequestKey(k)
		if err != nil {
			return nil, storageError("records", c.name, err)
		}
		list = append(list, ordered{Record{Key: key, CachedAt: rec.entry.CachedAt}, rec.seq})
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].record.CachedAt.Equal(list[j].record.CachedAt) {
			return list[i].record.CachedAt.Before(list[j].record.CachedAt)
		}
		return list[i].seq < list[j].seq
	})

	records := make([]Record, len(list))
	for i, o := range list {
		records[i] = o.record
	}
	return records, nil
}

// alive reports whether the handle still points at a registered namespace.
// Callers hold the store lock.
func (c *memoryCache) alive() bool {
	return c.store.namespaces[c.name] == c
}

func copyEntry(e *CacheEntry) *CacheEntry {
	cp := *e
	cp.Data = append([]byte(nil), e.Data...)
	cp.Headers = e.Headers.Clone()
	if cp.Headers == nil {
		cp.Headers = http.Header{}
	}
	return &cp
}
