package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned when the circuit is open and the cool-off period has
// not elapsed, so the call was never attempted.
var ErrOpen = errors.New("circuit breaker open")

// State is the circuit breaker state (Closed, Open, HalfOpen).
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
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

// Config holds circuit breaker parameters.
type Config struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// SuccessThreshold consecutive half-open successes close it again.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before a probe is allowed.
	Timeout   time.Duration
	Component string
	// OnStateChange fires on every transition, outside the breaker lock.
	OnStateChange func(from, to State)
}

// CircuitBreaker guards a downstream dependency, typically the results
// database. After FailureThreshold consecutive failures it opens and fails
// fast; after Timeout it lets probe calls through and closes once
// SuccessThreshold of them succeed.
type CircuitBreaker struct {
	mu               sync.RWMutex
	state            State
	failureCount     int
	successCount     int
	lastFailureTime  time.Time
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	component        string
	onStateChange    func(from, to State)
}

// New creates a CircuitBreaker, filling zero config values with defaults.
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		timeout:          cfg.Timeout,
		component:        cfg.Component,
		onStateChange:    cfg.OnStateChange,
	}
}

// Call runs fn when the circuit allows it. When open and inside the cool-off
// window it returns ErrOpen without attempting fn; once the window has
// elapsed the circuit moves to half-open and the call proceeds as a probe.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := cb.admit(); err != nil {
		return err
	}

	err := fn()
	cb.record(err)
	return err
}

// admit decides whether a call may proceed, advancing open to half-open when
// the cool-off has elapsed.
func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	if cb.state != StateOpen {
		cb.mu.Unlock()
		return nil
	}
	if time.Since(cb.lastFailureTime) < cb.timeout {
		cb.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrOpen, cb.component)
	}
	cb.state = StateHalfOpen
	cb.successCount = 0
	notify := cb.onStateChange
	cb.mu.Unlock()

	if notify != nil {
		notify(StateOpen, StateHalfOpen)
	}
	return nil
}

// record updates counters and transitions state based on the call outcome.
func (cb *CircuitBreaker) record(callErr error) {
	var from, to State
	var changed bool

	cb.mu.Lock()
	if callErr != nil {
		cb.failureCount++
		cb.lastFailureTime = time.Now()
		// A failed probe reopens immediately regardless of the threshold
		if cb.state == StateHalfOpen || cb.failureCount >= cb.failureThreshold {
			from, to, changed = cb.state, StateOpen, cb.state != StateOpen
			cb.state = StateOpen
			cb.failureCount = 0
		}
	} else {
		cb.successCount++
		cb.failureCount = 0
		if cb.state == StateHalfOpen && cb.successCount >= cb.successThreshold {
			from, to, changed = cb.state, StateClosed, true
			cb.state = StateClosed
			cb.successCount = 0
		}
	}
	notify := cb.onStateChange
	cb.mu.Unlock()

	if changed && notify != nil {
		notify(from, to)
	}
}

// State returns the current state (for metrics and health reporting).
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}
