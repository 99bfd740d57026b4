package cache

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
)

// setupTestRedis creates a test Redis client for testing.
// Tests are skipped when no Redis is listening on localhost; the
// integration suite runs the same contract against a container.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use a separate DB for tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

func TestNewRedisStore(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	store := NewRedisStore(client, "")
	if store.redis != client {
		t.Error("store redis client not set correctly")
	}
	if store.prefix != DefaultRedisPrefix {
		t.Errorf("prefix = %q, want %q", store.prefix, DefaultRedisPrefix)
	}
	if got := store.entriesKey("app-images-v1"); got != "swcache:ns:app-images-v1:entries" {
		t.Errorf("entriesKey() = %q", got)
	}
}

func TestNewRedisStore_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewRedisStore should panic with nil redis client")
		}
	}()
	NewRedisStore(nil, "")
}

func TestRedisStore_Contract(t *testing.T) {
	testStoreContract(t, NewRedisStore(setupTestRedis(t), "swcache-test"))
}
