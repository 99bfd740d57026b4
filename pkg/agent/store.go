package agent

import (
	"fmt"

	"github.com/Sternrassler/offline-cache/pkg/cache"
	"github.com/Sternrassler/offline-cache/pkg/config"
	"github.com/redis/go-redis/v9"
)

// OpenStore creates the configured cache backend. The redis backend uses
// redisClient, which stays owned by the caller. The returned close function
// releases what OpenStore opened.
func OpenStore(cfg config.StorageConfig, redisClient *redis.Client) (cache.Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case config.BackendMemory, "":
		return cache.NewMemoryStore(cache.MemoryOptions{MaxBytes: cfg.MaxBytes}), noop, nil
	case config.BackendSQLite:
		store, err := cache.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case config.BackendRedis:
		if redisClient == nil {
			return nil, nil, fmt.Errorf("redis backend requires a redis client")
		}
		return cache.NewRedisStore(redisClient, cfg.RedisPrefix), noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
