// Package cache provides the named, persistent response store used by the
// caching agent.
//
// A Store is partitioned into namespaces (cache names). Each namespace maps a
// normalized RequestKey to a stored CacheEntry and remembers the insertion
// time of every entry so expiration can evict oldest-first:
//
//   - MemoryStore keeps everything in-process (optionally bounded by a byte quota)
//   - RedisStore persists namespaces in Redis
//   - SQLiteStore persists namespaces in a local SQLite database
//
// # Basic Usage
//
//	store := cache.NewMemoryStore(cache.MemoryOptions{})
//
//	images, err := store.Open(ctx, "app-images-v1")
//	if err != nil {
//		return err
//	}
//
//	key := cache.KeyFor(req)
//	entry, err := images.Match(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// Cache miss - fetch from network
//	}
//
// # HTTP Response Caching
//
//	// Convert HTTP response to cache entry (the body stays readable)
//	entry, err := cache.ResponseToEntry(resp, cache.ResponseTypeBasic)
//	if err != nil {
//		return err
//	}
//
//	if err := images.Put(ctx, key, entry); err != nil {
//		var storageErr *cache.StorageError
//		if errors.As(err, &storageErr) {
//			// quota or IO failure - serve the network response uncached
//		}
//	}
//
// # Namespace Lifecycle
//
// Namespaces are created on Open and removed with DeleteNamespace. Names
// lists the namespaces that exist, which is how stale versions are found at
// activation time.
//
// # Metrics
//
//   - swcache_cache_hits_total{namespace} - Cache hits
//   - swcache_cache_misses_total{namespace} - Cache misses
//   - swcache_cache_writes_total{namespace} - Successful writes
//   - swcache_cache_errors_total{operation} - Store operation errors
package cache
