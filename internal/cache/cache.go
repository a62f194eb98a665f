// Package cache provides response caching for the gateway.
//
// Two backends are available:
//   - MemoryCache — in-process LRU with per-entry TTL, zero external
//     dependencies. Ideal for single-instance deployments or local
//     development.
//   - RedisCache — Redis-backed, recommended for multi-replica clusters
//     so all replicas share the same cache.
//
// Both implement the Cache interface so they are fully interchangeable.
//
// Keys follow the "<operation>:<model>:<fingerprint>" layout produced by
// the gateway, which makes Invalidate patterns such as "generate:gpt-4:*"
// target one operation or one model at a time.
package cache

import (
	"context"
	"time"
)

// Cache is the storage contract for completed responses.
//
// Invalidate removes every entry whose key matches pattern and returns the
// number of entries removed. Patterns use glob syntax ('*', '?', character
// classes); a pattern without metacharacters matches exactly one key, and a
// trailing '*' expresses prefix invalidation.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Invalidate(ctx context.Context, pattern string) (int, error)
}
