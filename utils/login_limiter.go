package utils

import (
	"sync"
	"time"

	"github.com/coder/quartz"
)

type loginAttempts struct {
	count int
	first time.Time
}

// LoginLimiter caps failed login attempts per key (client IP plus email).
// The count resets once the window has passed since the first failure.
type LoginLimiter struct {
	mu       sync.Mutex
	clock    quartz.Clock
	max      int
	window   time.Duration
	attempts map[string]*loginAttempts
}

func NewLoginLimiter(clock quartz.Clock, maxAttempts int, window time.Duration) *LoginLimiter {
	return &LoginLimiter{
		clock:    clock,
		max:      maxAttempts,
		window:   window,
		attempts: make(map[string]*loginAttempts),
	}
}

// Allow reports whether key may try again, and if not, how long until it can.
func (l *LoginLimiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.attempts[key]
	if !ok {
		return true, 0
	}
	now := l.clock.Now()
	if now.Sub(a.first) >= l.window {
		delete(l.attempts, key)
		return true, 0
	}
	if a.count >= l.max {
		return false, a.first.Add(l.window).Sub(now)
	}
	return true, 0
}

// Fail records a failed attempt.
func (l *LoginLimiter) Fail(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	a, ok := l.attempts[key]
	if !ok || now.Sub(a.first) >= l.window {
		l.attempts[key] = &loginAttempts{count: 1, first: now}
		return
	}
	a.count++
}

// Reset clears key after a successful login.
func (l *LoginLimiter) Reset(key string) {
	l.mu.Lock()
	delete(l.attempts, key)
	l.mu.Unlock()
}

// Purge drops entries whose window has elapsed and returns how many.
func (l *LoginLimiter) Purge() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	n := 0
	for k, a := range l.attempts {
		if now.Sub(a.first) >= l.window {
			delete(l.attempts, k)
			n++
		}
	}
	return n
}
