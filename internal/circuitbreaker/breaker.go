package circuitbreaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// State represents circuit breaker state
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// ErrOpen is returned by Execute while the breaker rejects calls
var ErrOpen = errors.New("circuit breaker is open")

// String returns the state name
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

// Breaker implements circuit breaker pattern
type Breaker struct {
	maxFailures int64
	timeout     time.Duration
	onChange    func(State)

	mu          sync.RWMutex
	state       atomic.Int32 // State
	failures    atomic.Int64
	lastFailure time.Time
}

// NewBreaker creates a new circuit breaker.
// onChange, if set, is called after every state transition.
func NewBreaker(maxFailures int64, timeout time.Duration, onChange func(State)) *Breaker {
	b := &Breaker{
		maxFailures: maxFailures,
		timeout:     timeout,
		onChange:    onChange,
	}
	b.state.Store(int32(StateClosed))
	return b
}

// Allow checks if the circuit breaker allows the request
func (b *Breaker) Allow() bool {
	switch b.State() {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		b.mu.RLock()
		lastFailure := b.lastFailure
		b.mu.RUnlock()
		if time.Since(lastFailure) >= b.timeout {
			if b.transition(StateOpen, StateHalfOpen) {
				b.failures.Store(0)
				return true
			}
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful request
func (b *Breaker) RecordSuccess() {
	b.failures.Store(0)
	b.transition(StateHalfOpen, StateClosed)
}

// RecordFailure records a failed request
func (b *Breaker) RecordFailure() {
	failures := b.failures.Add(1)
	b.mu.Lock()
	b.lastFailure = time.Now()
	b.mu.Unlock()

	// A failed trial request reopens immediately
	if b.transition(StateHalfOpen, StateOpen) {
		return
	}
	if failures >= b.maxFailures {
		b.transition(StateClosed, StateOpen)
	}
}

// Execute runs fn if the breaker allows it and records the outcome
func (b *Breaker) Execute(fn func() error) error {
	if !b.Allow() {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// State returns the current state
func (b *Breaker) State() State {
	return State(b.state.Load())
}

func (b *Breaker) transition(from, to State) bool {
	if !b.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	if b.onChange != nil {
		b.onChange(to)
	}
	return true
}
