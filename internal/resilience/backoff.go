package resilience

import (
	"math"
	"sync"
	"time"
)

// Default reconnection policy: delay = min(30s, 1s * 2^attempts)
const (
	DefaultReconnectBase = 1 * time.Second
	DefaultReconnectMax  = 30 * time.Second
)

// ReconnectPolicy decides when an upstream connection may be re-established.
// It performs no I/O; callers own the timer that acts on the returned delay.
type ReconnectPolicy struct {
	base time.Duration
	max  time.Duration
	now  func() time.Time

	mu            sync.Mutex
	attempts      uint
	cooldownUntil time.Time
}

// NewReconnectPolicy creates a policy with the given base and cap.
// Zero values fall back to the defaults.
func NewReconnectPolicy(base, max time.Duration) *ReconnectPolicy {
	if base <= 0 {
		base = DefaultReconnectBase
	}
	if max <= 0 {
		max = DefaultReconnectMax
	}
	return &ReconnectPolicy{base: base, max: max, now: time.Now}
}

// WithClock replaces the time source, for tests
func (p *ReconnectPolicy) WithClock(now func() time.Time) *ReconnectPolicy {
	p.now = now
	return p
}

// Delay computes min(max, base * 2^attempts)
func (p *ReconnectPolicy) Delay(attempts uint) time.Duration {
	d := float64(p.base) * math.Pow(2, float64(attempts))
	if d >= float64(p.max) {
		return p.max
	}
	return time.Duration(d)
}

// Failure records an abnormal closure or transport error.
// It increments the attempt counter, starts the cooldown and returns the
// delay after which exactly one retry should be scheduled.
func (p *ReconnectPolicy) Failure() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.attempts++
	delay := p.Delay(p.attempts)
	p.cooldownUntil = p.now().Add(delay)
	return delay
}

// Opened resets the attempt counter after a successful open
func (p *ReconnectPolicy) Opened() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts = 0
	p.cooldownUntil = time.Time{}
}

// Reset clears all state; used on conversation teardown
func (p *ReconnectPolicy) Reset() {
	p.Opened()
}

// CanAttempt reports whether the cooldown has elapsed
func (p *ReconnectPolicy) CanAttempt() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.now().Before(p.cooldownUntil)
}

// Attempts returns the consecutive failure count
func (p *ReconnectPolicy) Attempts() uint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// CooldownUntil returns the earliest time a reconnect may be attempted
func (p *ReconnectPolicy) CooldownUntil() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cooldownUntil
}
