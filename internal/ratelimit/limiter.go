package ratelimit

import "sync/atomic"

// Limiter caps the number of concurrent piece connections
type Limiter struct {
	maxConns int64
	current  atomic.Int64
}

// NewLimiter creates a new connection limiter
func NewLimiter(maxConns int64) *Limiter {
	return &Limiter{
		maxConns: maxConns,
	}
}

// Allow takes a connection slot if one is free
func (l *Limiter) Allow() bool {
	for {
		current := l.current.Load()
		if current >= l.maxConns {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// Release gives back a slot taken by Allow
func (l *Limiter) Release() {
	l.current.Add(-1)
}

// Current returns the current number of connections
func (l *Limiter) Current() int64 {
	return l.current.Load()
}

// Max returns the maximum allowed connections
func (l *Limiter) Max() int64 {
	return l.maxConns
}
