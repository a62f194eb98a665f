package gateway

import (
	"slices"
	"sync"
	"time"
)

// latencySamples is the per-target ring size. 256 successful calls is enough
// for stable p99 estimates without unbounded growth.
const latencySamples = 256

// LatencyStats summarizes the recent latency window of one target.
type LatencyStats struct {
	Count int     `json:"count"`
	P50Ms float64 `json:"p50_ms"`
	P95Ms float64 `json:"p95_ms"`
	P99Ms float64 `json:"p99_ms"`
}

type latencyRing struct {
	mu      sync.Mutex
	samples [latencySamples]time.Duration
	idx     int
	n       int
}

func (r *latencyRing) record(d time.Duration) {
	r.mu.Lock()
	r.samples[r.idx] = d
	r.idx = (r.idx + 1) % latencySamples
	if r.n < latencySamples {
		r.n++
	}
	r.mu.Unlock()
}

func (r *latencyRing) stats() LatencyStats {
	r.mu.Lock()
	window := make([]time.Duration, r.n)
	copy(window, r.samples[:r.n])
	r.mu.Unlock()

	if len(window) == 0 {
		return LatencyStats{}
	}
	slices.Sort(window)

	return LatencyStats{
		Count: len(window),
		P50Ms: ms(percentile(window, 0.50)),
		P95Ms: ms(percentile(window, 0.95)),
		P99Ms: ms(percentile(window, 0.99)),
	}
}

// percentile picks from a sorted window using the nearest-rank method.
func percentile(sorted []time.Duration, p float64) time.Duration {
	rank := int(p*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}

// LatencyTracker keeps a sliding window of successful upstream latencies per
// route target, feeding the health snapshot's percentile fields.
type LatencyTracker struct {
	mu    sync.RWMutex
	rings map[string]*latencyRing
}

func NewLatencyTracker() *LatencyTracker {
	return &LatencyTracker{rings: make(map[string]*latencyRing)}
}

// Record adds one sample for target.
func (t *LatencyTracker) Record(target string, d time.Duration) {
	t.mu.RLock()
	r, ok := t.rings[target]
	t.mu.RUnlock()

	if !ok {
		t.mu.Lock()
		if r, ok = t.rings[target]; !ok {
			r = &latencyRing{}
			t.rings[target] = r
		}
		t.mu.Unlock()
	}

	r.record(d)
}

// Stats returns the current window summary for target; Count is zero when the
// target has no samples yet.
func (t *LatencyTracker) Stats(target string) LatencyStats {
	t.mu.RLock()
	r, ok := t.rings[target]
	t.mu.RUnlock()

	if !ok {
		return LatencyStats{}
	}
	return r.stats()
}

// Snapshot returns summaries for every target seen so far.
func (t *LatencyTracker) Snapshot() map[string]LatencyStats {
	t.mu.RLock()
	targets := make([]string, 0, len(t.rings))
	for name := range t.rings {
		targets = append(targets, name)
	}
	t.mu.RUnlock()

	out := make(map[string]LatencyStats, len(targets))
	for _, name := range targets {
		out[name] = t.Stats(name)
	}
	return out
}
