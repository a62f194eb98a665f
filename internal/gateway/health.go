package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/model-gateway/internal/metrics"
	"github.com/nulpointcorp/model-gateway/internal/providers"
	"github.com/nulpointcorp/model-gateway/internal/ratelimit"
)

const defaultProbeTimeout = 5 * time.Second

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// bucketSnapshotter is satisfied by rate limiters that can enumerate live
// buckets. The in-process limiter can; the Redis-backed one cannot without
// a keyspace scan, so its snapshot section is simply omitted.
type bucketSnapshotter interface {
	Buckets() map[string]float64
}

// TargetHealth merges the reactive signals for one route target.
type TargetHealth struct {
	Breaker TargetState  `json:"breaker"`
	Latency LatencyStats `json:"latency"`
}

// HealthSnapshot is the read-only aggregate served by GET /health.
type HealthSnapshot struct {
	Status        string                  `json:"status"`
	UptimeSeconds int64                   `json:"uptime_seconds"`
	Providers     map[string]string       `json:"providers,omitempty"`
	Targets       map[string]TargetHealth `json:"targets"`
	RateLimits    map[string]float64      `json:"rate_limits,omitempty"`
	Cache         string                  `json:"cache"`
	Sink          string                  `json:"sink"`
}

// HealthMonitorOptions wires the monitor's data sources. Nil fields are
// omitted from snapshots rather than failing.
type HealthMonitorOptions struct {
	Providers  map[string]providers.Provider
	Breaker    *CircuitBreaker
	Latency    *LatencyTracker
	Limiter    ratelimit.Limiter
	CacheReady func() bool
	SinkReady  func() bool
	Metrics    *metrics.Registry

	// ProbeInterval enables the background reachability prober when > 0.
	// With it disabled the snapshot still carries breaker, latency, and
	// rate-limit data, which need no probing.
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

// HealthMonitor aggregates breaker states, latency percentiles, and
// rate-limit remainders into an on-demand snapshot, optionally enriched by
// a background provider reachability prober.
type HealthMonitor struct {
	opts    HealthMonitorOptions
	baseCtx context.Context

	probing          bool
	providerStatuses map[string]*componentStatus
	cacheStatus      componentStatus
	sinkStatus       componentStatus

	startTime time.Time
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewHealthMonitor creates a HealthMonitor and, when ProbeInterval > 0 and
// providers are present, starts the background prober (with one synchronous
// probe so health is never "unknown" right after startup).
func NewHealthMonitor(ctx context.Context, opts HealthMonitorOptions) *HealthMonitor {
	if ctx == nil {
		panic("healthmonitor: context must not be nil")
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}

	h := &HealthMonitor{
		opts:             opts,
		baseCtx:          ctx,
		providerStatuses: make(map[string]*componentStatus),
		startTime:        time.Now(),
		done:             make(chan struct{}),
	}

	h.probing = opts.ProbeInterval > 0
	if h.probing {
		for name := range opts.Providers {
			h.providerStatuses[name] = &componentStatus{status: "unknown"}
		}
		h.probe()

		h.wg.Add(1)
		go h.run()
	}

	return h
}

// Snapshot assembles the current health view. It reads live component state
// and never blocks on upstream calls.
func (h *HealthMonitor) Snapshot() HealthSnapshot {
	overall := "ok"

	var provStatuses map[string]string
	if len(h.providerStatuses) > 0 {
		provStatuses = make(map[string]string, len(h.providerStatuses))
		for name, s := range h.providerStatuses {
			st := s.get()
			provStatuses[name] = st
			if st != "ok" {
				overall = "degraded"
			}
		}
	}

	targets := make(map[string]TargetHealth)
	if h.opts.Breaker != nil {
		for id, st := range h.opts.Breaker.Targets() {
			th := targets[id]
			th.Breaker = st
			targets[id] = th
			if st.State == "open" {
				overall = "degraded"
			}
		}
	}
	if h.opts.Latency != nil {
		for id, ls := range h.opts.Latency.Snapshot() {
			th, ok := targets[id]
			if !ok {
				th.Breaker = TargetState{State: "closed"}
			}
			th.Latency = ls
			targets[id] = th
		}
	}

	var rateLimits map[string]float64
	if bs, ok := h.opts.Limiter.(bucketSnapshotter); ok {
		rateLimits = bs.Buckets()
	}

	sink := h.sinkState()
	if sink == "down" {
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Providers:     provStatuses,
		Targets:       targets,
		RateLimits:    rateLimits,
		Cache:         h.cacheState(),
		Sink:          sink,
	}
}

func (h *HealthMonitor) cacheState() string {
	if h.probing {
		return h.cacheStatus.get()
	}
	// No prober: evaluate on demand.
	if h.opts.CacheReady == nil || h.opts.CacheReady() {
		return "ok"
	}
	return "degraded"
}

func (h *HealthMonitor) sinkState() string {
	if h.probing {
		return h.sinkStatus.get()
	}
	if h.opts.SinkReady == nil || h.opts.SinkReady() {
		return "ok"
	}
	return "down"
}

// ReadinessOK reports whether the gateway should receive traffic (used by
// GET /readiness for Kubernetes probes). Cache unavailability only degrades,
// so readiness is keyed on the request-log sink alone.
func (h *HealthMonitor) ReadinessOK() bool {
	return h.sinkState() != "down"
}

// Close stops the background probe goroutine. Safe to call twice.
func (h *HealthMonitor) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.wg.Wait()
	})
}

func (h *HealthMonitor) run() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.opts.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.probe()
		case <-h.done:
			return
		case <-h.baseCtx.Done():
			return
		}
	}
}

func (h *HealthMonitor) probe() {
	ctx, cancel := context.WithTimeout(h.baseCtx, h.opts.ProbeTimeout)
	defer cancel()

	// Provider probes run in parallel.
	var wg sync.WaitGroup
	for name, prov := range h.opts.Providers {
		s := h.providerStatuses[name]
		wg.Add(1)
		go func(name string, prov providers.Provider) {
			defer wg.Done()
			if err := prov.HealthCheck(ctx); err != nil {
				s.set("degraded")
				if h.opts.Metrics != nil {
					h.opts.Metrics.SetProviderHealth(name, false)
				}
			} else {
				s.set("ok")
				if h.opts.Metrics != nil {
					h.opts.Metrics.SetProviderHealth(name, true)
				}
			}
		}(name, prov)
	}

	// Cache probe — nil probe means "not configured" → ok.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if h.opts.CacheReady == nil || h.opts.CacheReady() {
			h.cacheStatus.set("ok")
		} else {
			h.cacheStatus.set("degraded")
		}
	}()

	// Sink probe — the request-log sink gates readiness, so failure is "down".
	wg.Add(1)
	go func() {
		defer wg.Done()
		if h.opts.SinkReady == nil || h.opts.SinkReady() {
			h.sinkStatus.set("ok")
		} else {
			h.sinkStatus.set("down")
		}
	}()

	wg.Wait()
}
