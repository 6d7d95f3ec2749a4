package errors

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open.
// It is also returned while half-open once the probe budget is exhausted.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state.
type State int

const (
	// StateClosed is the normal state where requests are allowed.
	StateClosed State = iota
	// StateOpen is when the circuit is tripped and requests are blocked.
	StateOpen
	// StateHalfOpen is when the circuit is testing if the backend recovered.
	StateHalfOpen
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker implements the circuit breaker pattern with a
// fixed-interval count window: failures older than the window do not count
// toward the threshold.
//
// Closed -> Open when the windowed failure count reaches the threshold.
// Open -> HalfOpen after the cooldown elapses.
// HalfOpen -> Closed on a single probe success (history fully cleared);
// HalfOpen -> Open on any probe failure (cooldown restarts).
type CircuitBreaker struct {
	name             string
	failureThreshold int
	window           time.Duration
	cooldown         time.Duration
	halfOpenProbes   int

	mu       sync.RWMutex
	state    State
	failures []time.Time // failure timestamps within window (Closed only)
	openedAt time.Time
	inFlight int // concurrent half-open probes

	onStateChange func(name string, from, to State)
}

// CircuitBreakerOption configures a CircuitBreaker.
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the windowed failure count that opens the circuit.
func WithFailureThreshold(n int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = n
	}
}

// WithWindow sets the sliding window within which failures are counted.
func WithWindow(d time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.window = d
	}
}

// WithCooldown sets the Open -> HalfOpen delay.
func WithCooldown(d time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.cooldown = d
	}
}

// WithHalfOpenProbes sets the number of concurrent trial calls allowed
// while half-open.
func WithHalfOpenProbes(n int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.halfOpenProbes = n
	}
}

// WithStateChangeHook registers a callback invoked after each transition.
// The callback runs outside the breaker lock.
func WithStateChangeHook(fn func(name string, from, to State)) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = fn
	}
}

// NewCircuitBreaker creates a new circuit breaker with the given name.
// Defaults: 5 failures in a 60s window, 30s cooldown, 1 half-open probe.
func NewCircuitBreaker(name string, opts ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:             name,
		failureThreshold: 5,
		window:           60 * time.Second,
		cooldown:         30 * time.Second,
		halfOpenProbes:   1,
		state:            StateClosed,
	}

	for _, opt := range opts {
		opt(cb)
	}

	return cb
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State returns the current circuit breaker state.
// An Open breaker whose cooldown has elapsed reports HalfOpen.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentStateLocked()
}

// Failures returns the failure count within the current window.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.pruneLocked(time.Now())
	return len(cb.failures)
}

// currentStateLocked returns the state, promoting Open to HalfOpen once the
// cooldown has elapsed. Must be called with the write lock held since it
// may mutate state.
func (cb *CircuitBreaker) currentStateLocked() State {
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.cooldown {
		cb.transitionLocked(StateHalfOpen)
		cb.inFlight = 0
	}
	return cb.state
}

// pruneLocked drops failures older than the window.
func (cb *CircuitBreaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-cb.window)
	kept := cb.failures[:0]
	for _, t := range cb.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cb.failures = kept
}

// transitionLocked records a state change and schedules the hook.
func (cb *CircuitBreaker) transitionLocked(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.onStateChange != nil {
		go cb.onStateChange(cb.name, from, to)
	}
}

// Reset forces the breaker Closed and clears the failure history.
// Clearing happens even when the breaker is already Closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(StateClosed)
	cb.failures = nil
	cb.inFlight = 0
}

// acquire decides whether a call may proceed and registers a half-open
// probe slot if applicable. Returns the observed state.
func (cb *CircuitBreaker) acquire() (State, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentStateLocked() {
	case StateOpen:
		return StateOpen, ErrCircuitOpen
	case StateHalfOpen:
		if cb.inFlight >= cb.halfOpenProbes {
			return StateHalfOpen, ErrCircuitOpen
		}
		cb.inFlight++
		return StateHalfOpen, nil
	default:
		return StateClosed, nil
	}
}

// report records the outcome of a call admitted by acquire.
func (cb *CircuitBreaker) report(admitted State, callErr error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()

	if admitted == StateHalfOpen {
		if cb.inFlight > 0 {
			cb.inFlight--
		}
		if callErr != nil {
			// Probe failed: reopen and restart the cooldown clock.
			cb.transitionLocked(StateOpen)
			cb.openedAt = now
			return
		}
		// A single successful probe closes the circuit and fully clears
		// the failure history.
		cb.transitionLocked(StateClosed)
		cb.failures = nil
		return
	}

	// Closed path.
	if callErr == nil {
		return
	}
	cb.failures = append(cb.failures, now)
	cb.pruneLocked(now)
	if len(cb.failures) >= cb.failureThreshold {
		cb.transitionLocked(StateOpen)
		cb.openedAt = now
	}
}

// Execute runs a function through the circuit breaker.
// Returns ErrCircuitOpen without invoking fn if the circuit is open or the
// half-open probe budget is exhausted.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	admitted, err := cb.acquire()
	if err != nil {
		return err
	}

	callErr := fn()
	cb.report(admitted, callErr)
	return callErr
}

// ExecuteResult runs a value-returning function through a circuit breaker.
func ExecuteResult[T any](cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	admitted, err := cb.acquire()
	if err != nil {
		var zero T
		return zero, err
	}

	result, callErr := fn()
	cb.report(admitted, callErr)
	return result, callErr
}
