// Package ops holds the pipeline's operational surfaces: the diagnostics
// key-value sink, the dead-letter store, and the metrics sink.
package ops

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// KV is a string to JSON-bytes namespace with optional expiry.
type KV interface {
	// Put stores |value| under |key|. A |ttl| of zero stores without
	// expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns the value under |key|, or false if absent or expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)
}

// RedisKV is a KV over a redis database.
type RedisKV struct {
	client *redis.Client
}

// NewRedisKV dials |addr| ("host:port").
func NewRedisKV(addr string) *RedisKV {
	return &RedisKV{client: redis.NewClient(&redis.Options{Addr: addr})}
}

func (kv *RedisKV) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return kv.client.Set(ctx, key, value, ttl).Err()
}

func (kv *RedisKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value, err = kv.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Close releases the client's connections.
func (kv *RedisKV) Close() error { return kv.client.Close() }

// MemoryKV is an in-process KV for tests and single-process runs.
type MemoryKV struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: make(map[string]memoryEntry)}
}

func (kv *MemoryKV) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.entries[key] = memoryEntry{value: value, expiresAt: expiresAt}
	return nil
}

func (kv *MemoryKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	var entry, ok = kv.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(kv.entries, key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Keys returns the live keys of the namespace, for inspection in tests.
func (kv *MemoryKV) Keys() []string {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	var keys []string
	for key, entry := range kv.entries {
		if entry.expiresAt.IsZero() || time.Now().Before(entry.expiresAt) {
			keys = append(keys, key)
		}
	}
	return keys
}
