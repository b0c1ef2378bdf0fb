// Package resilience provides per-provider circuit breakers, retry with
// backoff, and the provider error taxonomy.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state. Requests flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means too many failures; requests are rejected immediately.
	CircuitOpen
	// CircuitHalfOpen admits a bounded number of trial requests to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON payloads.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name as rendered by MarshalText.
func (s *CircuitState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "closed":
		*s = CircuitClosed
	case "open":
		*s = CircuitOpen
	case "half-open":
		*s = CircuitHalfOpen
	default:
		return eris.Errorf("unknown circuit state %q", string(b))
	}
	return nil
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening
	// the circuit. Default: 5.
	FailureThreshold int

	// Cooldown is how long the circuit stays open before admitting trials.
	// Zero is legal: the breaker moves to half-open on the next check.
	Cooldown time.Duration

	// HalfOpenTrials is the maximum number of concurrent trial calls admitted
	// in half-open state. Default: 1.
	HalfOpenTrials int

	// OnStateChange is called when the circuit transitions between states.
	// It runs with the breaker lock held and must not call back into it.
	OnStateChange func(provider string, from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenTrials:   1,
	}
}

// BreakerStatus is a point-in-time view of a breaker for observability.
type BreakerStatus struct {
	Provider            string        `json:"provider"`
	State               CircuitState  `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	TotalFailures       int64         `json:"total_failures"`
	TotalSuccesses      int64         `json:"total_successes"`
	TrialsInFlight      int           `json:"trials_in_flight"`
	CooldownRemaining   time.Duration `json:"cooldown_remaining"`
	LastFailure         string        `json:"last_failure,omitempty"`
	OpenedAt            time.Time     `json:"opened_at,omitzero"`
}

// CircuitBreaker tracks the health of a single provider.
type CircuitBreaker struct {
	provider string
	cfg      CircuitBreakerConfig

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	totalFailures       int64
	totalSuccesses      int64
	trialsInFlight      int
	openedAt            time.Time
	lastFailure         string

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCircuitBreaker creates a circuit breaker for provider with the given config.
func NewCircuitBreaker(provider string, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if cfg.HalfOpenTrials <= 0 {
		cfg.HalfOpenTrials = 1
	}
	return &CircuitBreaker{
		provider: provider,
		cfg:      cfg,
		state:    CircuitClosed,
		nowFunc:  time.Now,
	}
}

// Provider returns the provider ID this breaker guards.
func (cb *CircuitBreaker) Provider() string {
	return cb.provider
}

// IsAvailable is the admission check consulted immediately before a call.
// In half-open state it reserves one of the trial slots; the caller must
// follow up with exactly one RecordSuccess, RecordFailure or RecordCanceled.
func (cb *CircuitBreaker) IsAvailable() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.applyCooldown()
	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		if cb.trialsInFlight < cb.cfg.HalfOpenTrials {
			cb.trialsInFlight++
			return true
		}
		return false
	default:
		return false
	}
}

// Allows reports whether a call would currently be admitted, without
// reserving a trial slot.
func (cb *CircuitBreaker) Allows() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.applyCooldown()
	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		return cb.trialsInFlight < cb.cfg.HalfOpenTrials
	default:
		return false
	}
}

// RecordSuccess records a completed successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalSuccesses++
	switch cb.state {
	case CircuitClosed:
		cb.consecutiveFailures = 0
	case CircuitHalfOpen:
		// Only a reserved trial can close the circuit. A call admitted before
		// the circuit opened says nothing about recovery.
		if cb.trialsInFlight == 0 {
			return
		}
		cb.consecutiveFailures = 0
		cb.trialsInFlight = 0
		cb.transition(CircuitClosed)
	case CircuitOpen:
		// A straggler admitted before the circuit opened; the cooldown stands.
	}
}

// RecordFailure records a completed failed call, including timeouts.
func (cb *CircuitBreaker) RecordFailure(reason error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalFailures++
	cb.consecutiveFailures++
	if reason != nil {
		cb.lastFailure = reason.Error()
	}

	switch cb.state {
	case CircuitClosed:
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.open()
		}
	case CircuitHalfOpen:
		// Any trial failure reopens the circuit with a fresh cooldown.
		cb.open()
	case CircuitOpen:
	}
}

// RecordCanceled releases a half-open trial slot for a call that was
// abandoned by its caller before the provider produced an outcome.
func (cb *CircuitBreaker) RecordCanceled() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen && cb.trialsInFlight > 0 {
		cb.trialsInFlight--
	}
}

// Reset forces the circuit back to closed state and zeroes its counters.
// Reserved for operator action.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.trialsInFlight = 0
	cb.lastFailure = ""
	cb.openedAt = time.Time{}
	if cb.state != CircuitClosed {
		cb.transition(CircuitClosed)
	}
}

// Status returns a snapshot of the breaker. The only mutation it performs
// is the pending time-based open to half-open transition.
func (cb *CircuitBreaker) Status() BreakerStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.applyCooldown()
	st := BreakerStatus{
		Provider:            cb.provider,
		State:               cb.state,
		ConsecutiveFailures: cb.consecutiveFailures,
		TotalFailures:       cb.totalFailures,
		TotalSuccesses:      cb.totalSuccesses,
		TrialsInFlight:      cb.trialsInFlight,
		LastFailure:         cb.lastFailure,
		OpenedAt:            cb.openedAt,
	}
	if cb.state == CircuitOpen {
		st.CooldownRemaining = cb.cfg.Cooldown - cb.nowFunc().Sub(cb.openedAt)
	}
	return st
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	return cb.Status().State
}

// Counters returns the current failure count and state.
func (cb *CircuitBreaker) Counters() (consecutiveFailures int, state CircuitState) {
	st := cb.Status()
	return st.ConsecutiveFailures, st.State
}

// Execute runs fn through the circuit breaker. Returns ErrCircuitOpen if the
// call is not admitted. The outcome of fn is recorded exactly once.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := ExecuteVal(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ExecuteVal is like Execute but preserves a return value.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if !cb.IsAvailable() {
		return zero, eris.Wrapf(ErrCircuitOpen, "provider %s", cb.provider)
	}

	val, err := fn(ctx)
	cb.Record(ctx, err)
	return val, err
}

// Record maps a call outcome onto the breaker: caller cancellation releases
// the trial slot, malformed output counts as a transport-level success, and
// every other error (timeouts included) is a failure.
func (cb *CircuitBreaker) Record(ctx context.Context, err error) {
	switch {
	case err == nil:
		cb.RecordSuccess()
	case ctx.Err() != nil && isContextErr(err):
		cb.RecordCanceled()
	case Classify(err) == ClassMalformed:
		cb.RecordSuccess()
	default:
		cb.RecordFailure(err)
	}
}

func (cb *CircuitBreaker) applyCooldown() {
	if cb.state == CircuitOpen && cb.nowFunc().Sub(cb.openedAt) >= cb.cfg.Cooldown {
		cb.trialsInFlight = 0
		cb.transition(CircuitHalfOpen)
	}
}

func (cb *CircuitBreaker) open() {
	cb.openedAt = cb.nowFunc()
	cb.trialsInFlight = 0
	cb.transition(CircuitOpen)
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	if cb.cfg.OnStateChange != nil && from != to {
		cb.cfg.OnStateChange(cb.provider, from, to)
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
