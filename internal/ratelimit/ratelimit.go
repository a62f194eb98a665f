// Package ratelimit enforces per-tenant, per-provider admission budgets with
// token buckets. Refill is computed lazily at acquire time, so there are no
// background refill timers.
//
// Two implementations share the Limiter interface: BucketLimiter keeps
// buckets in process memory and suits a single gateway instance;
// RedisBucketLimiter keeps them in Redis behind an atomic Lua script so
// several instances can share one budget.
package ratelimit

import (
	"context"
	"time"
)

// Result is the outcome of a single admission attempt.
type Result struct {
	Allowed   bool
	Remaining float64 // tokens left after the decision
	// RetryAfter is the minimum wait until the bucket can cover the same
	// cost again. Zero when Allowed.
	RetryAfter time.Duration
}

// Limiter admits or rejects one request of the given cost against the
// (tenant, provider) bucket. TryAcquire never blocks.
type Limiter interface {
	TryAcquire(ctx context.Context, tenant, provider string, cost float64) (Result, error)
}

// Config holds bucket tuning shared by both implementations.
type Config struct {
	// Capacity is the bucket size in cost units.
	Capacity float64
	// RefillRate is cost units added per second, capped at Capacity.
	RefillRate float64
}

// Wait admits the request, sleeping between attempts until the bucket can
// cover the cost or the timeout/context expires. A timeout of zero degrades
// to a single TryAcquire. The returned Result reports the final decision;
// the error is non-nil only for context cancellation or backend failure.
//
// RetryAfter from a rejection is a lower bound (refill is deterministic,
// concurrent callers can only drain), so a wait that cannot finish before
// the deadline fails immediately instead of sleeping pointlessly.
func Wait(ctx context.Context, l Limiter, tenant, provider string, cost float64, timeout time.Duration) (Result, error) {
	res, err := l.TryAcquire(ctx, tenant, provider, cost)
	if err != nil || res.Allowed || timeout <= 0 {
		return res, err
	}

	deadline := time.Now().Add(timeout)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		wait := res.RetryAfter
		if wait <= 0 {
			wait = time.Millisecond
		}
		if wait > time.Until(deadline) {
			return res, nil
		}

		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-timer.C:
		}

		res, err = l.TryAcquire(ctx, tenant, provider, cost)
		if err != nil || res.Allowed {
			return res, err
		}
	}
}
