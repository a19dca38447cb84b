package auth

import (
	"sync"
	"time"
)

// FailureLimiter blocks clients after repeated authentication failures
type FailureLimiter struct {
	mu       sync.Mutex
	attempts map[string]*ipAttempts
	now      func() time.Time

	maxFailures int           // Failures allowed within window
	window      time.Duration // Time window for counting failures
	blockTime   time.Duration // How long to block after maxFailures
	lastSweep   time.Time
}

type ipAttempts struct {
	count     int
	firstTime time.Time
	blockEnd  time.Time
}

// NewFailureLimiter creates a limiter.
// Default: 10 failures per 2 minutes, block for 5 minutes
func NewFailureLimiter() *FailureLimiter {
	return &FailureLimiter{
		attempts:    make(map[string]*ipAttempts),
		now:         time.Now,
		maxFailures: 10,
		window:      2 * time.Minute,
		blockTime:   5 * time.Minute,
	}
}

// Blocked reports whether ip is blocked and the seconds until it is not
func (l *FailureLimiter) Blocked(ip string) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	att, ok := l.attempts[ip]
	if !ok || !now.Before(att.blockEnd) {
		return false, 0
	}
	return true, int(att.blockEnd.Sub(now).Seconds()) + 1
}

// RecordFailure counts one failed attempt
func (l *FailureLimiter) RecordFailure(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	att, ok := l.attempts[ip]
	if !ok || now.Sub(att.firstTime) > l.window {
		l.attempts[ip] = &ipAttempts{count: 1, firstTime: now}
		return
	}

	att.count++
	if att.count >= l.maxFailures {
		att.blockEnd = now.Add(l.blockTime)
		att.count = 0
		att.firstTime = now
	}
}

// Reset clears the failures of ip after a successful attempt
func (l *FailureLimiter) Reset(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if att, ok := l.attempts[ip]; ok && !l.now().Before(att.blockEnd) {
		delete(l.attempts, ip)
	}
}

// sweep drops stale entries at most once per window
func (l *FailureLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	l.lastSweep = now
	for ip, att := range l.attempts {
		if now.Sub(att.firstTime) > l.window && !now.Before(att.blockEnd) {
			delete(l.attempts, ip)
		}
	}
}
