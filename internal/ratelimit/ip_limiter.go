package ratelimit

import (
	"sync"
	"time"
)

// rateWindow is the sliding window the per-IP rate limit is counted over
const rateWindow = time.Second

// cleanupInterval is how often idle IPs are dropped
const cleanupInterval = 5 * time.Minute

// IPLimiter limits concurrent connections and connection rate per IP address
type IPLimiter struct {
	maxConnsPerIP int64
	rateLimit     int // connections per second per IP
	now           func() time.Time

	mu          sync.Mutex
	ips         map[string]*ipState
	lastCleanup time.Time
}

type ipState struct {
	conns  int64
	recent []time.Time // accept times inside the rate window
}

// NewIPLimiter creates a new IP-based rate limiter
func NewIPLimiter(maxConnsPerIP, rateLimit int) *IPLimiter {
	return &IPLimiter{
		maxConnsPerIP: int64(maxConnsPerIP),
		rateLimit:     rateLimit,
		now:           time.Now,
		ips:           make(map[string]*ipState),
		lastCleanup:   time.Now(),
	}
}

// Allow checks if a connection from ip is allowed and, if so, counts it
func (l *IPLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastCleanup) > cleanupInterval {
		l.cleanup(now)
		l.lastCleanup = now
	}

	st, ok := l.ips[ip]
	if !ok {
		st = &ipState{recent: make([]time.Time, 0, l.rateLimit)}
		l.ips[ip] = st
	}

	if st.conns >= l.maxConnsPerIP {
		return false
	}

	st.prune(now)
	if len(st.recent) >= l.rateLimit {
		return false
	}

	st.recent = append(st.recent, now)
	st.conns++
	return true
}

// Release releases a connection slot for an IP
func (l *IPLimiter) Release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if st, ok := l.ips[ip]; ok && st.conns > 0 {
		st.conns--
	}
}

// GetStats returns the open connection count and recent accept count for an IP
func (l *IPLimiter) GetStats(ip string) (connCount int64, rateCount int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if st, ok := l.ips[ip]; ok {
		st.prune(l.now())
		return st.conns, len(st.recent)
	}
	return 0, 0
}

// prune drops accept times that fell out of the rate window
func (s *ipState) prune(now time.Time) {
	cutoff := now.Add(-rateWindow)
	valid := 0
	for _, ts := range s.recent {
		if ts.After(cutoff) {
			s.recent[valid] = ts
			valid++
		}
	}
	s.recent = s.recent[:valid]
}

// cleanup removes IPs with no open connections and no recent accepts
func (l *IPLimiter) cleanup(now time.Time) {
	for ip, st := range l.ips {
		st.prune(now)
		if st.conns == 0 && len(st.recent) == 0 {
			delete(l.ips, ip)
		}
	}
}
