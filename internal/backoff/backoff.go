// Package backoff implements the reconnect delay policy used by every
// retry site in the bridge: the delay starts at Initial and grows by
// Factor after each failed cycle, capped at Max, until a successful
// connection resets it.
package backoff

import (
	"sync"
	"time"
)

// Defaults match the unattended-bridge profile: retry forever, starting
// at five seconds and never waiting more than a minute.
const (
	DefaultInitial = 5 * time.Second
	DefaultMax     = 60 * time.Second
	DefaultFactor  = 1.5
)

// Policy computes successive reconnect delays. The zero value is not
// usable; construct with New.
type Policy struct {
	mu sync.Mutex

	initial time.Duration
	max     time.Duration
	factor  float64

	// maxAttempts 0 means retry forever.
	maxAttempts int

	current  time.Duration
	attempts int
}

// New creates a Policy. Non-positive initial/max and factor <= 1 fall
// back to the defaults; maxAttempts <= 0 means unbounded retries.
func New(initial, max time.Duration, factor float64, maxAttempts int) *Policy {
	if initial <= 0 {
		initial = DefaultInitial
	}
	if max <= 0 {
		max = DefaultMax
	}
	if factor <= 1 {
		factor = DefaultFactor
	}
	if maxAttempts < 0 {
		maxAttempts = 0
	}

	return &Policy{
		initial:     initial,
		max:         max,
		factor:      factor,
		maxAttempts: maxAttempts,
		current:     initial,
	}
}

// Next returns the delay to wait before the upcoming retry and advances
// the policy. Successive calls yield d, d*f, d*f^2, ... capped at Max.
func (p *Policy) Next() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	delay := p.current
	p.attempts++

	next := time.Duration(float64(p.current) * p.factor)
	if next > p.max {
		next = p.max
	}
	p.current = next

	return delay
}

// Reset restores the initial delay and clears the attempt counter.
// Call after a successful connection.
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = p.initial
	p.attempts = 0
}

// Attempts returns the number of delays handed out since the last Reset.
func (p *Policy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// Exhausted reports whether a finite attempt cap has been used up.
// Always false for an unbounded policy.
func (p *Policy) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxAttempts > 0 && p.attempts >= p.maxAttempts
}
