package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	// Buckets idle longer than this are dropped by the janitor.
	defaultIdleTTL = 15 * time.Minute
	// Janitor sweep interval.
	evictionInterval = time.Minute
	// Hard cap on tracked buckets; creating past it evicts the stalest one.
	defaultMaxBuckets = 100_000
)

// bucket is the live state of one (tenant, provider) pair. Each bucket has
// its own mutex so unrelated tenants never serialize on a shared lock.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	lastUsed   time.Time
}

// BucketLimiter is the in-process Limiter. Buckets are created lazily on
// first use and evicted after prolonged inactivity to bound memory.
type BucketLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket

	cfg        Config
	idleTTL    time.Duration
	maxBuckets int

	done     chan struct{}
	closeFns sync.Once
}

// BucketOption configures a BucketLimiter.
type BucketOption func(*BucketLimiter)

// WithIdleTTL overrides how long an untouched bucket survives.
func WithIdleTTL(d time.Duration) BucketOption {
	return func(l *BucketLimiter) { l.idleTTL = d }
}

// WithMaxBuckets overrides the bucket count cap.
func WithMaxBuckets(n int) BucketOption {
	return func(l *BucketLimiter) { l.maxBuckets = n }
}

// NewBucketLimiter creates a local token-bucket limiter and starts its
// eviction janitor. Call Close to stop the janitor.
func NewBucketLimiter(cfg Config, opts ...BucketOption) *BucketLimiter {
	l := &BucketLimiter{
		buckets:    make(map[string]*bucket),
		cfg:        cfg,
		idleTTL:    defaultIdleTTL,
		maxBuckets: defaultMaxBuckets,
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.janitor()
	return l
}

// TryAcquire implements Limiter. Refill is lazy: tokens accumulated since the
// last call are credited first, capped at capacity, then the cost is drained
// if it fits.
func (l *BucketLimiter) TryAcquire(_ context.Context, tenant, provider string, cost float64) (Result, error) {
	b := l.get(tenant + ":" + provider)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.refill(now, l.cfg)
	b.lastUsed = now

	if b.tokens >= cost {
		b.tokens -= cost
		return Result{Allowed: true, Remaining: b.tokens}, nil
	}

	res := Result{Remaining: b.tokens}
	if l.cfg.RefillRate > 0 {
		need := cost - b.tokens
		res.RetryAfter = time.Duration(need / l.cfg.RefillRate * float64(time.Second))
	}
	return res, nil
}

// Remaining reports the current token count for a pair without draining.
// Pairs with no live bucket report a full bucket.
func (l *BucketLimiter) Remaining(tenant, provider string) float64 {
	l.mu.RLock()
	b := l.buckets[tenant+":"+provider]
	l.mu.RUnlock()
	if b == nil {
		return l.cfg.Capacity
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(time.Now(), l.cfg)
	return b.tokens
}

// Buckets returns tenant:provider → remaining tokens for every live bucket.
func (l *BucketLimiter) Buckets() map[string]float64 {
	l.mu.RLock()
	keys := make([]string, 0, len(l.buckets))
	for k := range l.buckets {
		keys = append(keys, k)
	}
	l.mu.RUnlock()

	out := make(map[string]float64, len(keys))
	for _, k := range keys {
		l.mu.RLock()
		b := l.buckets[k]
		l.mu.RUnlock()
		if b == nil {
			continue
		}
		b.mu.Lock()
		b.refill(time.Now(), l.cfg)
		out[k] = b.tokens
		b.mu.Unlock()
	}
	return out
}

// Close stops the eviction janitor. Safe to call more than once.
func (l *BucketLimiter) Close() {
	l.closeFns.Do(func() { close(l.done) })
}

func (b *bucket) refill(now time.Time, cfg Config) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed.Seconds() * cfg.RefillRate
	if b.tokens > cfg.Capacity {
		b.tokens = cfg.Capacity
	}
	b.lastRefill = now
}

func (l *BucketLimiter) get(key string) *bucket {
	l.mu.RLock()
	b := l.buckets[key]
	l.mu.RUnlock()
	if b != nil {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b = l.buckets[key]; b != nil {
		return b
	}
	if len(l.buckets) >= l.maxBuckets {
		l.evictStalestLocked()
	}
	now := time.Now()
	b = &bucket{tokens: l.cfg.Capacity, lastRefill: now, lastUsed: now}
	l.buckets[key] = b
	return b
}

// evictStalestLocked drops the least-recently-used bucket. Caller holds l.mu.
func (l *BucketLimiter) evictStalestLocked() {
	var (
		stalestKey string
		stalestAt  time.Time
	)
	for k, b := range l.buckets {
		b.mu.Lock()
		used := b.lastUsed
		b.mu.Unlock()
		if stalestKey == "" || used.Before(stalestAt) {
			stalestKey = k
			stalestAt = used
		}
	}
	if stalestKey != "" {
		delete(l.buckets, stalestKey)
	}
}

func (l *BucketLimiter) janitor() {
	ticker := time.NewTicker(evictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.evictIdle(time.Now())
		}
	}
}

func (l *BucketLimiter) evictIdle(now time.Time) {
	cutoff := now.Add(-l.idleTTL)

	l.mu.Lock()
	defer l.mu.Unlock()
	for k, b := range l.buckets {
		b.mu.Lock()
		idle := b.lastUsed.Before(cutoff)
		b.mu.Unlock()
		if idle {
			delete(l.buckets, k)
		}
	}
}
