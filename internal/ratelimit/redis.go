package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript drains a token bucket stored as a Redis hash, refilling
// lazily from the elapsed time since the last call. Timestamps are unix
// milliseconds: Lua numbers render with %.14g, which preserves millisecond
// epochs exactly but not microsecond ones.
// KEYS[1] = bucket key
// ARGV[1] = capacity
// ARGV[2] = refill rate (tokens per second)
// ARGV[3] = cost
// ARGV[4] = now (unix milliseconds)
// ARGV[5] = idle TTL in milliseconds
// Returns: {allowed (0/1), remaining tokens ×1e6, retry-after ms}.
var tokenBucketScript = redis.NewScript(`
		local key      = KEYS[1]
		local capacity = tonumber(ARGV[1])
		local rate     = tonumber(ARGV[2])
		local cost     = tonumber(ARGV[3])
		local now      = tonumber(ARGV[4])
		local ttl      = tonumber(ARGV[5])

		local tokens = capacity
		local last   = now
		local state  = redis.call('HMGET', key, 'tokens', 'ts')
		if state[1] then
			tokens = tonumber(state[1])
			last   = tonumber(state[2])
		end

		-- Lazy refill from elapsed milliseconds, capped at capacity.
		local elapsed = now - last
		if elapsed > 0 then
			tokens = tokens + elapsed / 1000 * rate
			if tokens > capacity then
				tokens = capacity
			end
		end

		local allowed = 0
		local retry_ms = 0
		if tokens >= cost then
			tokens = tokens - cost
			allowed = 1
		elseif rate > 0 then
			retry_ms = math.ceil((cost - tokens) / rate * 1000)
		end

		redis.call('HSET', key, 'tokens', tostring(tokens), 'ts', tostring(now))
		redis.call('PEXPIRE', key, ttl)
		return {allowed, math.floor(tokens * 1000000), retry_ms}
`)

const bucketKeyPrefix = "ratelimit:bucket:"

// RedisBucketLimiter shares token buckets across gateway instances through
// Redis. Bucket state self-expires after the idle TTL, which doubles as the
// inactivity eviction of the local limiter.
type RedisBucketLimiter struct {
	rdb     *redis.Client
	cfg     Config
	idleTTL time.Duration
	log     *slog.Logger
}

// NewRedisBucketLimiter creates a Redis-backed limiter. logger may be nil.
func NewRedisBucketLimiter(rdb *redis.Client, cfg Config, logger *slog.Logger) *RedisBucketLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBucketLimiter{
		rdb:     rdb,
		cfg:     cfg,
		idleTTL: defaultIdleTTL,
		log:     logger,
	}
}

// TryAcquire implements Limiter. When Redis is unavailable the request is
// admitted: an unreachable limiter backend must not take the gateway down
// with it.
func (l *RedisBucketLimiter) TryAcquire(ctx context.Context, tenant, provider string, cost float64) (Result, error) {
	vals, err := tokenBucketScript.Run(ctx, l.rdb,
		[]string{bucketKeyPrefix + tenant + ":" + provider},
		l.cfg.Capacity,
		l.cfg.RefillRate,
		cost,
		time.Now().UnixMilli(),
		l.idleTTL.Milliseconds(),
	).Int64Slice()
	if err != nil || len(vals) != 3 {
		l.log.WarnContext(ctx, "rate limit backend unavailable, admitting request",
			slog.String("tenant", tenant),
			slog.String("provider", provider),
			slog.Any("error", err),
		)
		return Result{Allowed: true, Remaining: l.cfg.Capacity}, nil
	}

	res := Result{
		Allowed:   vals[0] == 1,
		Remaining: float64(vals[1]) / 1e6,
	}
	if !res.Allowed {
		res.RetryAfter = time.Duration(vals[2]) * time.Millisecond
	}
	return res, nil
}
