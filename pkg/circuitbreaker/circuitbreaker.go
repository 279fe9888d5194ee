package circuitbreaker

import (
	"sync"
	"time"
)

// Config bounds how often and how many times a failing operation may be
// retried before the breaker latches open.
type Config struct {
	MaxFailures int           // consecutive failures before the breaker opens for good
	MinInterval time.Duration // minimum spacing between allowed attempts
}

// DefaultConfig matches the peer reconnection policy: three consecutive
// failures, at least five seconds apart.
func DefaultConfig() Config {
	return Config{
		MaxFailures: 3,
		MinInterval: 5 * time.Second,
	}
}

// Breaker is a consecutive-failure gate. Unlike a classic half-open
// breaker it never recovers on its own: once MaxFailures consecutive
// failures accumulate the caller is expected to give up and surface a
// terminal error. A success resets the count.
type Breaker struct {
	cfg Config

	mu          sync.Mutex
	failures    int
	lastAttempt time.Time

	now func() time.Time // test hook
}

// New creates a breaker with the given configuration.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultConfig().MaxFailures
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Allow reports whether another attempt may be made now, and records the
// attempt time when it may.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures >= b.cfg.MaxFailures {
		return false
	}
	now := b.now()
	if !b.lastAttempt.IsZero() && now.Sub(b.lastAttempt) < b.cfg.MinInterval {
		return false
	}
	b.lastAttempt = now
	return true
}

// NextAttemptIn returns how long until an attempt would be allowed.
// Zero means an attempt is allowed immediately; a negative value means
// the breaker is exhausted.
func (b *Breaker) NextAttemptIn() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures >= b.cfg.MaxFailures {
		return -1
	}
	if b.lastAttempt.IsZero() {
		return 0
	}
	remaining := b.cfg.MinInterval - b.now().Sub(b.lastAttempt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Failure records a failed attempt.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
}

// Success resets the consecutive failure count.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

// Exhausted reports whether the failure budget is spent.
func (b *Breaker) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures >= b.cfg.MaxFailures
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
