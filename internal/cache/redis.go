package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultOpTimeout  = 500 * time.Millisecond
	invalidateTimeout = 5 * time.Second
	scanCount         = 256
)

// RedisCache is a Redis-backed cache that implements the Cache interface.
// All keys are stored under a "cache:<namespace>:" prefix so Invalidate
// patterns cannot reach keys owned by other components.
//
// Read/write operations degrade gracefully when Redis is unavailable:
//   - Get returns (nil, false) on any error.
//   - Set returns nil even on error so a request never fails on a cache
//     write.
//   - Delete and Invalidate return the underlying error; they back the
//     admin surface, where the caller needs to know the operation failed.
type RedisCache struct {
	client    *redis.Client
	prefix    string
	opTimeout time.Duration
	log       *slog.Logger
}

// NewRedisCache wraps an existing Redis client. The caller owns the client
// lifecycle. An empty namespace defaults to "responses"; a nil logger
// defaults to slog.Default().
func NewRedisCache(redisCli *redis.Client, namespace string, logger *slog.Logger) *RedisCache {
	if namespace == "" {
		namespace = "responses"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{
		client:    redisCli,
		prefix:    "cache:" + namespace + ":",
		opTimeout: defaultOpTimeout,
		log:       logger,
	}
}

// NewRedisCacheFromURL parses redisURL, creates a Redis client, verifies
// the connection with a PING, and returns a RedisCache that owns the
// client. Returns an error if the URL is invalid or the initial ping fails.
func NewRedisCacheFromURL(ctx context.Context, redisURL, namespace string, logger *slog.Logger) (*RedisCache, error) {
	if ctx == nil {
		return nil, fmt.Errorf("cache: context must not be nil")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	return NewRedisCache(cli, namespace, logger), nil
}

// Get retrieves the value for key from Redis.
// Returns (data, true) on a hit and (nil, false) on a miss or any error.
// Redis errors are logged at WARN level but not propagated.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.WarnContext(ctx, "cache_get_error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}

	return val, true
}

// Set stores value under key with the given TTL.
// Returns nil even on Redis error so the gateway keeps functioning when
// the cache layer is unavailable.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	if err := c.client.Set(ctx, c.prefix+key, value, ttl).Err(); err != nil {
		c.log.WarnContext(ctx, "cache_set_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// Delete removes key from Redis.
// Returns the underlying error so callers can decide how to handle it.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("cache: DEL %s: %w", key, err)
	}

	return nil
}

// Invalidate removes every key in this cache's namespace matching the glob
// pattern and returns the number removed. The scan walks the keyspace
// incrementally so large keyspaces do not block Redis.
func (c *RedisCache) Invalidate(ctx context.Context, pattern string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, invalidateTimeout)
	defer cancel()

	var (
		removed int
		cursor  uint64
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.prefix+pattern, scanCount).Result()
		if err != nil {
			return removed, fmt.Errorf("cache: SCAN %s: %w", pattern, err)
		}

		if len(keys) > 0 {
			n, err := c.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("cache: DEL: %w", err)
			}
			removed += int(n)
		}

		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

// Close releases the Redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
