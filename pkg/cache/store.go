package cache

import "context"

// Store is a set of named namespaces.
//
// Implementations must be safe for concurrent use. Writes to the same entry
// are serialized by the implementation.
type Store interface {
	// Open returns the namespace with the given name, creating it if absent.
	Open(ctx context.Context, name string) (Cache, error)

	// Names lists the existing namespaces in lexical order.
	Names(ctx context.Context) ([]string, error)

	// DeleteNamespace removes a namespace and all its entries.
	// It reports whether the namespace existed.
	DeleteNamespace(ctx context.Context, name string) (bool, error)
}

// Cache is a handle on one namespace of a Store.
type Cache interface {
	// Name returns the namespace name.
	Name() string

	// Match returns the entry stored under key or ErrCacheMiss.
	Match(ctx context.Context, key RequestKey) (*CacheEntry, error)

	// Put stores entry under key, replacing any previous entry.
	// The entry's CachedAt is set to the insertion time.
	Put(ctx context.Context, key RequestKey, entry *CacheEntry) error

	// Delete removes the entry stored under key and reports whether it existed.
	Delete(ctx context.Context, key RequestKey) (bool, error)

	// Records lists the entries of the namespace ordered by insertion time, oldest first.
	Records(ctx context.Context) ([]Record, error)
}
