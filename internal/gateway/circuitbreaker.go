package gateway

import (
	"sync"
	"time"
)

// cbState represents the operational state of a per-target circuit breaker.
//
//	cbClosed   — normal operation; requests pass through.
//	cbOpen     — target is failing; requests are skipped immediately.
//	cbHalfOpen — recovery probe; exactly one trial request is allowed.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

// Default circuit breaker tuning.
const (
	defaultFailureThreshold = 5
	defaultFailureWindow    = 60 * time.Second
	defaultCooldown         = 30 * time.Second
	defaultMaxCooldown      = 10 * time.Minute
)

// BreakerConfig holds circuit breaker tuning parameters. Zero values fall
// back to the package defaults.
type BreakerConfig struct {
	// FailureThreshold is the number of failures within FailureWindow that
	// trips the breaker. Default: 5.
	FailureThreshold int

	// FailureWindow is the window for counting failures. Default: 60s.
	FailureWindow time.Duration

	// Cooldown is how long the breaker stays open before allowing a single
	// probe request. Default: 30s.
	Cooldown time.Duration

	// MaxCooldown caps the exponential growth applied when consecutive
	// probes keep failing. Default: 10m.
	MaxCooldown time.Duration
}

func (c *BreakerConfig) failureThreshold() int {
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return defaultFailureThreshold
}

func (c *BreakerConfig) failureWindow() time.Duration {
	if c.FailureWindow > 0 {
		return c.FailureWindow
	}
	return defaultFailureWindow
}

func (c *BreakerConfig) cooldown() time.Duration {
	if c.Cooldown > 0 {
		return c.Cooldown
	}
	return defaultCooldown
}

func (c *BreakerConfig) maxCooldown() time.Duration {
	if c.MaxCooldown > 0 {
		return c.MaxCooldown
	}
	return defaultMaxCooldown
}

// targetCB holds the breaker state of a single route target.
type targetCB struct {
	mu sync.Mutex

	state         cbState
	failureCount  int       // consecutive failures within the current window
	windowStart   time.Time // start of the failure-counting window
	openedAt      time.Time // when the breaker last tripped
	openStreak    int       // consecutive opens without an intervening success
	probeInflight bool      // true while a half-open probe is in flight
}

// cooldownFor doubles the base cooldown per consecutive reopen, capped.
func (t *targetCB) cooldownFor(cfg *BreakerConfig) time.Duration {
	d := cfg.cooldown()
	for i := 1; i < t.openStreak; i++ {
		d *= 2
		if d >= cfg.maxCooldown() {
			return cfg.maxCooldown()
		}
	}
	return d
}

// TargetState is a read-only view of one target's breaker for health
// reporting.
type TargetState struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitzero"`
	CooldownRemaining   string    `json:"cooldown_remaining,omitempty"`
}

// CircuitBreaker manages independent breakers keyed by route target ID.
// Entries are created lazily on first use and never destroyed; each entry is
// guarded by its own mutex so unrelated targets never contend.
type CircuitBreaker struct {
	mu      sync.RWMutex
	targets map[string]*targetCB
	cfg     BreakerConfig
}

// NewCircuitBreaker creates a CircuitBreaker with the given tuning. Zero
// config fields use the package defaults.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		targets: make(map[string]*targetCB),
		cfg:     cfg,
	}
}

// Allow reports whether the target should receive the next request.
//
//   - Closed   → always true.
//   - Open     → false until the cooldown elapses, then the breaker moves to
//     HalfOpen and admits one probe.
//   - HalfOpen → true only if no probe is currently in flight.
func (cb *CircuitBreaker) Allow(target string) bool {
	t := cb.get(target)

	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case cbClosed:
		return true

	case cbOpen:
		if time.Since(t.openedAt) >= t.cooldownFor(&cb.cfg) {
			t.state = cbHalfOpen
			t.probeInflight = true
			return true
		}
		return false

	case cbHalfOpen:
		if t.probeInflight {
			return false
		}
		t.probeInflight = true
		return true
	}

	return true
}

// RetryAfter returns the remaining cooldown for an open target, zero
// otherwise. Used for error diagnostics at skip time.
func (cb *CircuitBreaker) RetryAfter(target string) time.Duration {
	t := cb.get(target)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != cbOpen {
		return 0
	}
	remaining := t.cooldownFor(&cb.cfg) - time.Since(t.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RecordSuccess resets the target to Closed: the failure count, the open
// streak, and any in-flight probe marker are all cleared. A success while
// Closed also clears the count, so sparse sporadic failures never accumulate
// toward the threshold.
func (cb *CircuitBreaker) RecordSuccess(target string) {
	t := cb.get(target)

	t.mu.Lock()
	defer t.mu.Unlock()

	t.state = cbClosed
	t.failureCount = 0
	t.openStreak = 0
	t.probeInflight = false
	t.windowStart = time.Now()
}

// RecordFailure registers a failed call. While Closed, failures count within
// the failure window and trip the breaker at the threshold. A failed
// half-open probe reopens the breaker immediately and extends the next
// cooldown (exponential, capped).
func (cb *CircuitBreaker) RecordFailure(target string) {
	t := cb.get(target)

	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()

	if t.state == cbHalfOpen {
		t.state = cbOpen
		t.openedAt = now
		t.openStreak++
		t.probeInflight = false
		t.failureCount = 0
		t.windowStart = now
		return
	}

	// Start a fresh counting window when the previous one expired.
	if now.Sub(t.windowStart) > cb.cfg.failureWindow() {
		t.failureCount = 0
		t.windowStart = now
	}

	t.failureCount++

	if t.state == cbClosed && t.failureCount >= cb.cfg.failureThreshold() {
		t.state = cbOpen
		t.openedAt = now
		t.openStreak = 1
	}
}

// State returns the current cbState for a target.
func (cb *CircuitBreaker) State(target string) cbState {
	t := cb.get(target)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// StateLabel returns "closed", "open", or "half_open".
func (cb *CircuitBreaker) StateLabel(target string) string {
	return stateLabel(cb.State(target))
}

func stateLabel(s cbState) string {
	switch s {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Targets returns a point-in-time view of every tracked target, for health
// snapshots and metrics export.
func (cb *CircuitBreaker) Targets() map[string]TargetState {
	cb.mu.RLock()
	ids := make([]string, 0, len(cb.targets))
	for id := range cb.targets {
		ids = append(ids, id)
	}
	cb.mu.RUnlock()

	out := make(map[string]TargetState, len(ids))
	for _, id := range ids {
		t := cb.get(id)
		t.mu.Lock()
		st := TargetState{
			State:               stateLabel(t.state),
			ConsecutiveFailures: t.failureCount,
		}
		if t.state == cbOpen {
			st.OpenedAt = t.openedAt
			remaining := t.cooldownFor(&cb.cfg) - time.Since(t.openedAt)
			if remaining > 0 {
				st.CooldownRemaining = remaining.Round(time.Millisecond).String()
			}
		}
		t.mu.Unlock()
		out[id] = st
	}
	return out
}

func (cb *CircuitBreaker) get(target string) *targetCB {
	cb.mu.RLock()
	t := cb.targets[target]
	cb.mu.RUnlock()
	if t != nil {
		return t
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if t = cb.targets[target]; t == nil {
		t = &targetCB{state: cbClosed, windowStart: time.Now()}
		cb.targets[target] = t
	}
	return t
}
