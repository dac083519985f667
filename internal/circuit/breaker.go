// Package circuit implements a CLOSED | OPEN | HALF_OPEN circuit breaker
// guarding a host that is repeatedly failing, so the REST engine fails
// fast instead of piling up timeouts.
package circuit

import (
	"sync"
	"time"
)

type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config holds the breaker thresholds.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
	HalfOpenMaxProbes int
}

// Breaker is one CircuitBreaker instance, typically one per REST host.
type Breaker struct {
	mu sync.Mutex

	cfg Config

	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time

	inFlightProbes int
}

func NewBreaker(cfg Config) *Breaker {
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = 1
	}
	return &Breaker{cfg: cfg, state: Closed}
}

// CanExecute returns false in OPEN until the open timeout elapses, then
// transitions to HALF_OPEN. In HALF_OPEN it admits at most
// HalfOpenMaxProbes probes in flight and returns false beyond that.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.lastFailureTime) >= b.cfg.OpenTimeout {
			b.state = HalfOpen
			b.successCount = 0
			b.inFlightProbes = 0
		} else {
			return false
		}
		fallthrough
	case HalfOpen:
		if b.inFlightProbes >= b.cfg.HalfOpenMaxProbes {
			return false
		}
		b.inFlightProbes++
		return true
	default:
		return false
	}
}

// RecordSuccess counts a 2xx, or a well-formed 4xx other than 429 — the
// server answered, it just said no.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.releaseProbe()
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.failureCount = 0
			b.successCount = 0
		}
	case Closed:
		b.failureCount = 0
	}
}

// RecordFailure counts network errors, 5xx, and connect timeouts.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureTime = time.Now()

	switch b.state {
	case HalfOpen:
		b.releaseProbe()
		b.state = Open
		b.successCount = 0
	case Closed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = Open
		}
	}
}

func (b *Breaker) releaseProbe() {
	if b.inFlightProbes > 0 {
		b.inFlightProbes--
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
