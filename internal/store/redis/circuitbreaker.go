package redis

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State of the breaker.
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls rejected until the reset timeout
	StateHalfOpen              // one probe call allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreaker trips after maxFailures consecutive errors and rejects
// calls for resetTimeout. The first call after the timeout runs as a
// probe: success closes the breaker, failure reopens it.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       State
	consecFails int
	lastFailAt  time.Time

	maxFailures  int
	resetTimeout time.Duration

	// OnStateChange, when set, is invoked on every transition with the
	// breaker's lock held; keep it fast and non-reentrant.
	OnStateChange func(from, to State)
}

func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        StateClosed,
	}
}

// Execute runs fn unless the breaker is open, recording the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := fn()
	cb.record(err)
	return err
}

// CurrentState returns the breaker state.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen {
		if time.Since(cb.lastFailAt) <= cb.resetTimeout {
			return false
		}
		cb.transition(StateHalfOpen)
	}
	return true
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.consecFails++
		cb.lastFailAt = time.Now()
		if cb.state == StateHalfOpen || cb.consecFails >= cb.maxFailures {
			cb.transition(StateOpen)
		}
		return
	}

	if cb.state == StateHalfOpen {
		cb.transition(StateClosed)
	}
	cb.consecFails = 0
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if to == StateClosed {
		cb.consecFails = 0
	}
	if cb.OnStateChange != nil {
		cb.OnStateChange(from, to)
	}
}
