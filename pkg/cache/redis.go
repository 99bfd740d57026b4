package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix prefixes every key the RedisStore writes.
const DefaultRedisPrefix = "swcache"

// maxWatchRetries bounds optimistic retries when the namespace set changes
// during a write.
const maxWatchRetries = 5

// RedisStore persists namespaces in Redis.
//
// Layout per namespace:
//
//	<prefix>:namespaces             SET of namespace names
//	<prefix>:ns:<name>:entries      HASH key -> JSON CacheEntry
//	<prefix>:ns:<name>:order        ZSET key scored by insertion sequence
//	<prefix>:ns:<name>:times        HASH key -> insertion time (unix nanos)
//	<prefix>:seq                    insertion sequence counter
type RedisStore struct {
	redis  *redis.Client
	prefix string
}

type redisCache struct {
	store *RedisStore
	name  string
}

// NewRedisStore creates a new store with Redis backend.
func NewRedisStore(redisClient *redis.Client, prefix string) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *RedisStore) namespacesKey() string {
	return s.prefix + ":namespaces"
}

func (s *RedisStore) entriesKey(name string) string {
	return fmt.Sprintf("%s:ns:%s:entries", s.prefix, name)
}

func (s *RedisStore) orderKey(name string) string {
	return fmt.Sprintf("%s:ns:%s:order", s.prefix, name)
}

func (s *RedisStore) timesKey(name string) string {
	return fmt.Sprintf("%s:ns:%s:times", s.prefix, name)
}

// Open implements Store.
func (s *RedisStore) Open(ctx context.Context, name string) (Cache, error) {
	if name == "" {
		return nil, storageError("open", name, fmt.Errorf("namespace name cannot be empty"))
	}
	if err := s.redis.SAdd(ctx, s.namespacesKey(), name).Err(); err != nil {
		return nil, storageError("open", name, fmt.Errorf("redis sadd: %w", err))
	}
	return &redisCache{store: s, name: name}, nil
}

// Names implements Store.
func (s *RedisStore) Names(ctx context.Context) ([]string, error) {
	names, err := s.redis.SMembers(ctx, s.namespacesKey()).Result()
	if err != nil {
		return nil, storageError("names", "", fmt.Errorf("redis smembers: %w", err))
	}
	sort.Strings(names)
	return names, nil
}

// DeleteNamespace implements Store.
func (s *RedisStore) DeleteNamespace(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.SRem(ctx, s.namespacesKey(), name)
		pipe.Del(ctx, s.entriesKey(name), s.orderKey(name), s.timesKey(name))
		return nil
	})
	if err != nil {
		return false, storageError("delete_namespace", name, fmt.Errorf("redis tx: %w", err))
	}
	return removed.Val() > 0, nil
}

func (c *redisCache) Name() string {
	return c.name
}

func (c *redisCache) Match(ctx context.Context, key RequestKey) (*CacheEntry, error) {
	data, err := c.store.redis.HGet(ctx, c.store.entriesKey(c.name), key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			CacheMisses.WithLabelValues(c.name).Inc()
			return nil, ErrCacheMiss
		}
		return nil, storageError("match", c.name, fmt.Errorf("redis hget: %w", err))
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, storageError("match", c.name, fmt.Errorf("%w: %v", ErrInvalidEntry, err))
	}

	CacheHits.WithLabelValues(c.name).Inc()
	return &entry, nil
}

func (c *redisCache) Put(ctx context.Context, key RequestKey, entry *CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	// Timestamps alone cannot order back-to-back writes, so every insertion
	// draws from a store-wide counter.
	seq, err := c.store.redis.Incr(ctx, c.store.prefix+":seq").Result()
	if err != nil {
		return storageError("put", c.name, fmt.Errorf("redis incr: %w", err))
	}

	entry.CachedAt = time.Now()
	data, err := json.Marshal(entry)
	if err != nil {
		return storageError("put", c.name, fmt.Errorf("marshal cache entry: %w", err))
	}

	k := key.String()
	nsKey := c.store.namespacesKey()
	write := func(tx *redis.Tx) error {
		member, err := tx.SIsMember(ctx, nsKey, c.name).Result()
		if err != nil {
			return fmt.Errorf("redis sismember: %w", err)
		}
		if !member {
			return ErrNamespaceDeleted
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, c.store.entriesKey(c.name), k, data)
			pipe.HSet(ctx, c.store.timesKey(c.name), k, entry.CachedAt.UnixNano())
			pipe.ZAdd(ctx, c.store.orderKey(c.name), redis.Z{
				Score:  float64(seq),
				Member: k,
			})
			return nil
		})
		return err
	}

	// the namespace set is watched so a concurrent DeleteNamespace aborts
	// the write instead of being undone by it
	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err = c.store.redis.Watch(ctx, write, nsKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if errors.Is(err, ErrNamespaceDeleted) {
		return storageError("put", c.name, err)
	}
	if err != nil {
		return storageError("put", c.name, fmt.Errorf("redis tx: %w", err))
	}

	CacheWrites.WithLabelValues(c.name).Inc()
	return nil
}

func (c *redisCache) Delete(ctx context.Context, key RequestKey) (bool, error) {
	k := key.String()
	var removed *redis.IntCmd
	_, err := c.store.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.HDel(ctx, c.store.entriesKey(c.name), k)
		pipe.HDel(ctx, c.store.timesKey(c.name), k)
		pipe.ZRem(ctx, c.store.orderKey(c.name), k)
		return nil
	})
	if err != nil {
		return false, storageError("delete", c.name, fmt.Errorf("redis tx: %w", err))
	}
	return removed.Val() > 0, nil
}

func (c *redisCache) Records(ctx context.Context) ([]Record, error) {
	var members *redis.StringSliceCmd
	var times *redis.MapStringStringCmd
	_, err := c.store.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		members = pipe.ZRange(ctx, c.store.orderKey(c.name), 0, -1)
		times = pipe.HGetAll(ctx, c.store.timesKey(c.name))
		return nil
	})
	if err != nil {
		return nil, storageError("records", c.name, fmt.Errorf("redis tx: %w", err))
	}

	stamps := times.Val()
	records := make([]Record, 0, len(members.Val()))
	for _, member := range members.Val() {
		key, err := ParseRequestKey(member)
		if err != nil {
			return nil, storageError("records", c.name, err)
		}
		nanos, err := strconv.ParseInt(stamps[member], 10, 64)
		if err != nil {
			return nil, storageError("records", c.name, fmt.Errorf("%w: bad timestamp for %s", ErrInvalidEntry, member))
		}
		records = append(records, Record{Key: key, CachedAt: time.Unix(0, nanos)})
	}
	return records, nil
}
