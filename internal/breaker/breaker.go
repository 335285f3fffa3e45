// Package breaker implements the per-dependency circuit breaker that
// protects outbound calls from cascading failures.
//
// # State machine
//
//	Closed ──(FailureThreshold consecutive failures)──► Open ──(Timeout elapsed, next use)──► HalfOpen
//	  ▲                                                                                          │
//	  └────────────(SuccessThreshold consecutive successes)─────────────────────────────────────┘
//	                (any failure) ─────────────────────────────────────────────────────────► Open
//
// # Why consecutive counters, not a sliding window
//
// The dependencies guarded here (video rooms, LLM/TTS, the token issuer)
// fail hard rather than gradually: when one goes down every call fails, and
// a single success is strong evidence it is back. Consecutive counters give
// that behavior with no window bookkeeping, and successes in Closed heal
// prior failures immediately. The failure-rate metric that falls out of
// this is lifetime-cumulative, and it is named that way; MonitoringPeriod
// is retained as informational configuration only.
//
// # Concurrency
//
// All methods are safe for concurrent use; the breaker acquires its mutex
// for every state read or transition. Open→HalfOpen happens lazily on the
// first use after the cool-down, never from a timer.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lingokit/lingokit/internal/logging"
	"github.com/lingokit/lingokit/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation, requests pass through
	StateOpen                  // Requests fast-fail (or use the fallback)
	StateHalfOpen              // Probe requests are allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrOpen is the sentinel matched by errors.Is for breaker-open failures.
var ErrOpen = errors.New("breaker: circuit open")

// OpenError reports a fast-failed call while the breaker is open.
type OpenError struct {
	Dependency string
	RetryAt    time.Time
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("breaker: circuit open for %s until %s", e.Dependency, e.RetryAt.Format(time.RFC3339))
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// Config holds the per-dependency breaker configuration.
type Config struct {
	FailureThreshold int           // Consecutive failures that trip the breaker
	Timeout          time.Duration // Cool-down before the first half-open probe
	MonitoringPeriod time.Duration // Informational only; see package doc
	SuccessThreshold int           // Half-open successes required to close
}

// DefaultConfig returns the configuration applied when a dependency has no
// explicit breaker settings.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Timeout:          30 * time.Second,
		MonitoringPeriod: time.Minute,
		SuccessThreshold: 2,
	}
}

// Breaker guards a single named dependency.
type Breaker struct {
	mu   sync.Mutex
	name string
	cfg  Config

	state       State
	failures    int // consecutive failures
	successes   int // consecutive successes, meaningful in half-open only
	nextAttempt time.Time

	lastFailure   time.Time
	lastSuccess   time.Time
	totalRequests int64
	totalFailures int64
	createdAt     time.Time
}

// New creates a breaker for the named dependency.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	return &Breaker{
		name:      name,
		cfg:       cfg,
		createdAt: time.Now(),
	}
}

// Name returns the dependency name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// transition records a state change. Caller holds b.mu.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	logging.Op().Warn("circuit breaker state change",
		"dependency", b.name,
		"from", from.String(),
		"to", to.String())
	metrics.SetCircuitBreakerState(b.name, int(to))
	metrics.RecordCircuitBreakerTrip(b.name, to.String())
}

// Execute runs primary under the breaker guard.
//
// If the breaker is open and the cool-down has not elapsed, primary is never
// invoked: fallback is called when supplied, otherwise an *OpenError is
// returned. If the cool-down has elapsed, the breaker moves to half-open and
// invokes primary as a probe.
//
// On primary failure the failure is recorded first; then fallback, when
// supplied, produces the result the caller sees. Without a fallback the
// original error propagates.
func Execute[T any](ctx context.Context, b *Breaker, primary, fallback func(context.Context) (T, error)) (T, error) {
	if allowed, retryAt := b.allow(); !allowed {
		if fallback != nil {
			return fallback(ctx)
		}
		var zero T
		return zero, &OpenError{Dependency: b.name, RetryAt: retryAt}
	}

	result, err := primary(ctx)
	if err != nil {
		b.recordFailure()
		if fallback != nil {
			return fallback(ctx)
		}
		var zero T
		return zero, err
	}

	b.recordSuccess()
	return result, nil
}

// allow counts the request and reports whether primary may run. When the
// open cool-down has elapsed it transitions to half-open.
func (b *Breaker) allow() (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++

	if b.state == StateOpen {
		if time.Now().Before(b.nextAttempt) {
			return false, b.nextAttempt
		}
		b.transition(StateHalfOpen)
		b.successes = 0
	}
	return true, time.Time{}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastSuccess = time.Now()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
			b.failures = 0
			b.successes = 0
		}
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.lastFailure = now
	b.totalFailures++
	b.failures++

	// Entering half-open does not reset the consecutive count, so a single
	// probe failure re-trips immediately.
	if b.state != StateOpen && b.failures >= b.cfg.FailureThreshold {
		b.transition(StateOpen)
		b.successes = 0
		b.nextAttempt = now.Add(b.cfg.Timeout)
	}
}

// State returns the current state, applying the lazy Open→HalfOpen
// transition if the cool-down has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && !time.Now().Before(b.nextAttempt) {
		b.transition(StateHalfOpen)
		b.successes = 0
	}
	return b.state
}

// Reset returns the breaker to closed with all consecutive counters
// cleared. Operator action only; breakers never reset themselves.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		b.transition(StateClosed)
	}
	b.failures = 0
	b.successes = 0
	b.nextAttempt = time.Time{}
}

// Metrics is a point-in-time snapshot of one breaker.
type Metrics struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	HalfOpenSuccesses   int       `json:"half_open_successes"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	TotalRequests       int64     `json:"total_requests"`
	TotalFailures       int64     `json:"total_failures"`
	LifetimeFailureRate float64   `json:"lifetime_failure_rate"`
	NextAttempt         time.Time `json:"next_attempt,omitempty"`
}

// Snapshot returns the breaker's current metrics.
func (b *Breaker) Snapshot() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	var rate float64
	if b.totalRequests > 0 {
		rate = float64(b.totalFailures) / float64(b.totalRequests)
	}
	return Metrics{
		Name:                b.name,
		State:               b.state.String(),
		ConsecutiveFailures: b.failures,
		HalfOpenSuccesses:   b.successes,
		LastFailure:         b.lastFailure,
		LastSuccess:         b.lastSuccess,
		TotalRequests:       b.totalRequests,
		TotalFailures:       b.totalFailures,
		LifetimeFailureRate: rate,
		NextAttempt:         b.nextAttempt,
	}
}
