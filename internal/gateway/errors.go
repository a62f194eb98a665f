package gateway

import (
	"fmt"
	"time"
)

// ErrorClass classifies a single upstream failure. The invoker assigns a class
// to every failed attempt; only ClassTransientNetwork and
// ClassProviderRateLimited are retried.
type ErrorClass string

const (
	ClassTimeout             ErrorClass = "timeout"
	ClassProviderRateLimited ErrorClass = "provider_rate_limited"
	ClassAuth                ErrorClass = "auth"
	ClassTransientNetwork    ErrorClass = "transient_network"
	ClassInvalidResponse     ErrorClass = "invalid_response"

	// ClassCircuitOpen marks a target skipped with an open breaker in an
	// attempt list. It is never produced by Classify: the target was not
	// called at all.
	ClassCircuitOpen ErrorClass = "circuit_open"
)

// Retryable reports whether failures of this class may be retried against the
// same target. Auth and invalid-response failures are structural, not
// transient, and are never retried.
func (c ErrorClass) Retryable() bool {
	return c == ClassTransientNetwork || c == ClassProviderRateLimited
}

// FallbackEligible reports whether a failure of this class should trigger a
// move to the next route target. Auth and invalid-response failures would
// fail identically everywhere the same credentials/parameters are used, so
// they surface immediately instead.
func (c ErrorClass) FallbackEligible() bool {
	switch c {
	case ClassAuth, ClassInvalidResponse:
		return false
	}
	return true
}

// TargetError is the final classified failure of one route target, after the
// invoker's retry policy has run its course.
type TargetError struct {
	Target   string // "provider/model"
	Class    ErrorClass
	Attempts int
	Err      error
}

func (e *TargetError) Error() string {
	return fmt.Sprintf("%s: %s after %d attempt(s): %v", e.Target, e.Class, e.Attempts, e.Err)
}

func (e *TargetError) Unwrap() error { return e.Err }

// UnknownModelError is returned when no route exists for a logical model.
type UnknownModelError struct {
	Model string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("unknown model %q: no route configured", e.Model)
}

// ValidationError is returned for a malformed request before any upstream
// work happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// RateLimitError is returned when local admission is denied for a tenant,
// either immediately or after the queue wait timed out.
type RateLimitError struct {
	Tenant     string
	Provider   string
	RetryAfter time.Duration // hint until the bucket can admit the same cost
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for tenant %q on provider %q (retry after %s)",
		e.Tenant, e.Provider, e.RetryAfter.Round(time.Millisecond))
}

// CircuitOpenError marks a target skipped because its breaker is open. It
// appears as a per-target cause inside AllProvidersExhaustedError.
type CircuitOpenError struct {
	Target     string
	RetryAfter time.Duration // remaining cooldown at skip time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s (retry after %s)", e.Target, e.RetryAfter.Round(time.Second))
}

// AllProvidersExhaustedError is returned when every route target either failed
// or was skipped with an open breaker. Attempts holds one entry per target in
// route order; the last entry is the most recent failure.
type AllProvidersExhaustedError struct {
	Model    string
	Attempts []*TargetError
}

func (e *AllProvidersExhaustedError) Error() string {
	if last := e.Last(); last != nil {
		return fmt.Sprintf("all providers exhausted for model %q (%d target(s)); last: %v",
			e.Model, len(e.Attempts), last)
	}
	return fmt.Sprintf("all providers exhausted for model %q", e.Model)
}

// Last returns the most recent per-target error, or nil when no target was
// attempted at all.
func (e *AllProvidersExhaustedError) Last() *TargetError {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1]
}

func (e *AllProvidersExhaustedError) Unwrap() error {
	if last := e.Last(); last != nil {
		return last
	}
	return nil
}
