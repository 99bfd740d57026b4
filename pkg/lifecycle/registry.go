package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis keys for lifecycle state storage.
const (
	RedisKeyActiveVersion = "swcache:lifecycle:active_version"
	RedisKeyActivatedAt   = "swcache:lifecycle:activated_at"
	RedisKeyStates        = "swcache:lifecycle:states"
)

// VersionState is the last recorded state of a version.
type VersionState struct {
	Version   string    `json:"version"`
	State     State     `json:"state"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Registry persists which version is active so a restarted host can skip
// reinstalling it.
type Registry interface {
	// ActiveVersion returns the active version, or "" when none is recorded.
	ActiveVersion(ctx context.Context) (string, error)

	// SetActive records version as the active one.
	SetActive(ctx context.Context, version string) error

	// RecordState records the latest state of a version.
	RecordState(ctx context.Context, version string, state State) error

	// States returns the recorded state of every version.
	States(ctx context.Context) (map[string]VersionState, error)
}

// MemoryRegistry is a process-local Registry.
type MemoryRegistry struct {
	mu     sync.RWMutex
	active string
	states map[string]VersionState
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{states: make(map[string]VersionState)}
}

// ActiveVersion implements Registry.
func (r *MemoryRegistry) ActiveVersion(context.Context) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active, nil
}

// SetActive implements Registry.
func (r *MemoryRegistry) SetActive(_ context.Context, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = version
	return nil
}

// RecordState implements Registry.
func (r *MemoryRegistry) RecordState(_ context.Context, version string, state State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[version] = VersionState{Version: version, State: state, UpdatedAt: time.Now()}
	return nil
}

// States implements Registry.
func (r *MemoryRegistry) States(context.Context) (map[string]VersionState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]VersionState, len(r.states))
	for k, v := range r.states {
		out[k] = v
	}
	return out, nil
}

// RedisRegistry shares lifecycle state across hosts through Redis.
type RedisRegistry struct {
	redis  *redis.Client
	logger zerolog.Logger
}

// NewRedisRegistry creates a new Redis-backed registry.
func NewRedisRegistry(redisClient *redis.Client, logger zerolog.Logger) *RedisRegistry {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisRegistry{
		redis:  redisClient,
		logger: logger,
	}
}

// ActiveVersion implements Registry.
func (r *RedisRegistry) ActiveVersion(ctx context.Context) (string, error) {
	version, err := r.redis.Get(ctx, RedisKeyActiveVersion).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get active version: %w", err)
	}
	return version, nil
}

// SetActive implements Registry.
func (r *RedisRegistry) SetActive(ctx context.Context, version string) error {
	now := time.Now()
	state, err := json.Marshal(VersionState{Version: version, State: StateActivated, UpdatedAt: now})
	if err != nil {
		return fmt.Errorf("marshal version state: %w", err)
	}

	pipe := r.redis.TxPipeline()
	pipe.Set(ctx, RedisKeyActiveVersion, version, 0)
	pipe.Set(ctx, RedisKeyActivatedAt, now.Unix(), 0)
	pipe.HSet(ctx, RedisKeyStates, version, state)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store active version in redis: %w", err)
	}

	r.logger.Info().Str("version", version).Msg("Active version recorded")
	return nil
}

// RecordState implements Registry.
func (r *RedisRegistry) RecordState(ctx context.Context, version string, state State) error {
	data, err := json.Marshal(VersionState{Version: version, State: state, UpdatedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("marshal version state: %w", err)
	}
	if err := r.redis.HSet(ctx, RedisKeyStates, version, data).Err(); err != nil {
		return fmt.Errorf("store version state in redis: %w", err)
	}
	return nil
}

// States implements Registry.
func (r *RedisRegistry) States(ctx context.Context) (map[string]VersionState, error) {
	raw, err := r.redis.HGetAll(ctx, RedisKeyStates).Result()
	if err != nil {
		return nil, fmt.Errorf("get version states: %w", err)
	}
	out := make(map[string]VersionState, len(raw))
	for version, data := range raw {
		var vs VersionState
		if err := json.Unmarshal([]byte(data), &vs); err != nil {
			return nil, fmt.Errorf("parse state of %s: %w", version, err)
		}
		out[version] = vs
	}
	return out, nil
}
