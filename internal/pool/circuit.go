package pool

import (
	"sync"
	"time"

	"github.com/driftdb/drift/internal/dberr"
	"github.com/driftdb/drift/internal/metrics"
)

// CircuitState is the breaker's position.
type CircuitState uint8

const (
	// CircuitClosed passes traffic and counts consecutive failures.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects everything until the timeout elapses.
	CircuitOpen
	// CircuitHalfOpen admits probes; successes close, any failure reopens.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	// FailureThreshold consecutive failures trip the circuit.
	FailureThreshold int
	// CircuitTimeout is how long the circuit stays open before admitting
	// probes.
	CircuitTimeout time.Duration
	// SuccessThreshold probe successes close a half-open circuit.
	SuccessThreshold int
}

// DefaultBreakerConfig mirrors the built-in tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		CircuitTimeout:   60 * time.Second,
		SuccessThreshold: 2,
	}
}

// Breaker isolates a failing session factory: Closed -> Open after N
// consecutive failures, Open -> HalfOpen after the timeout, HalfOpen ->
// Closed after M successes or back to Open on any failure.
type Breaker struct {
	cfg BreakerConfig

	mu        sync.Mutex
	state     CircuitState
	failures  int
	successes int
	openedAt  time.Time
}

// NewBreaker starts closed.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.CircuitTimeout <= 0 {
		cfg.CircuitTimeout = 60 * time.Second
	}
	return &Breaker{cfg: cfg}
}

// Allow gates a call. Open circuits reject with CircuitOpen until the
// timeout, then flip to half-open and admit the probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitOpen {
		if time.Since(b.openedAt) < b.cfg.CircuitTimeout {
			return dberr.New(dberr.KindCircuitOpen, "pool.acquire",
				"circuit open for %s more", b.cfg.CircuitTimeout-time.Since(b.openedAt))
		}
		b.state = CircuitHalfOpen
		b.successes = 0
		metrics.PoolCircuitState.Set(float64(b.state))
	}
	return nil
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = CircuitClosed
			b.failures = 0
			b.successes = 0
		}
	case CircuitClosed:
		b.failures = 0
	}
	metrics.PoolCircuitState.Set(float64(b.state))
}

// Failure records a failed call; it may trip or re-trip the circuit.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitHalfOpen:
		b.state = CircuitOpen
		b.openedAt = time.Now()
	case CircuitClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = CircuitOpen
			b.openedAt = time.Now()
		}
	}
	metrics.PoolCircuitState.Set(float64(b.state))
}

// State returns the current position.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
