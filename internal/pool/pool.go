// Package pool - Storage session pool
//
// What: Bounded pool of storage sessions with min/max sizing, idle
//      eviction, health checks, a circuit breaker, and adaptive resizing.
// How: A weighted semaphore carries the hard bound; idle sessions wait in
//      a buffered channel and are validated (age + cheap health probe) on
//      checkout. A background walk closes idle sessions past their
//      deadlines and lazily rebuilds toward the minimum with exponential
//      backoff.
// Why: Session construction is not free (disk tier, WAL handles); reuse
//      keeps tail latency flat while the semaphore keeps the bound hard.
package pool

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/driftdb/drift/internal/dberr"
	"github.com/driftdb/drift/internal/logx"
	"github.com/driftdb/drift/internal/metrics"
	"github.com/driftdb/drift/internal/storage"
)

// Factory produces storage sessions. Modeled as a capability so callers
// can hand the pool anything that yields a store.
type Factory interface {
	Produce(ctx context.Context) (*storage.Store, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context) (*storage.Store, error)

// Produce calls f.
func (f FactoryFunc) Produce(ctx context.Context) (*storage.Store, error) { return f(ctx) }

// Config sizes the pool.
type Config struct {
	MinConnections      int
	MaxConnections      int
	MaxIdleTime         time.Duration
	ConnectionTimeout   time.Duration
	MaxLifetime         time.Duration
	HealthCheckInterval time.Duration
	RecycleConnections  bool

	// Breaker enables the circuit breaker; nil runs without one.
	Breaker *BreakerConfig
	// Adaptive enables utilization-driven resizing; nil keeps the bound
	// fixed at MaxConnections.
	Adaptive *AdaptiveConfig
}

// DefaultConfig mirrors the built-in sizing.
func DefaultConfig() Config {
	return Config{
		MinConnections:      2,
		MaxConnections:      64,
		MaxIdleTime:         5 * time.Minute,
		ConnectionTimeout:   10 * time.Second,
		MaxLifetime:         time.Hour,
		HealthCheckInterval: 30 * time.Second,
		RecycleConnections:  true,
	}
}

// Session is a pooled handle around one storage instance. It is valid
// from Acquire until Release; Release returns it to the idle queue or
// closes it.
type Session struct {
	store     *storage.Store
	id        string
	createdAt time.Time
	lastUsed  time.Time
	pool      *Pool
	released  atomic.Bool
}

// Store returns the underlying storage instance.
func (s *Session) Store() *storage.Store { return s.store }

// ID returns the stable session id.
func (s *Session) ID() string { return s.id }

// Age returns time since construction.
func (s *Session) Age() time.Duration { return time.Since(s.createdAt) }

// IdleTime returns time since last checkout.
func (s *Session) IdleTime() time.Duration { return time.Since(s.lastUsed) }

// valid checks age first (no I/O), then the cheap health probe.
func (s *Session) valid(maxLifetime time.Duration) bool {
	if maxLifetime > 0 && s.Age() > maxLifetime {
		return false
	}
	return s.store.HealthCheck() == nil
}

// Release returns the session to the pool. Releasing twice is a no-op.
func (s *Session) Release() {
	if !s.released.CompareAndSwap(false, true) {
		return
	}
	s.pool.release(s)
}

// Stats is the pool's observable state.
type Stats struct {
	TotalConnections    int
	ActiveConnections   int
	IdleConnections     int
	WaitCount           uint64
	TotalWaitTime       time.Duration
	ConnectionsCreated  uint64
	ConnectionsClosed   uint64
	HealthCheckFailures uint64
	CircuitState        CircuitState
	CurrentLimit        int
}

// Pool is the bounded session pool.
type Pool struct {
	cfg     Config
	factory Factory
	sem     *semaphore.Weighted
	idle    chan *Session
	log     zerolog.Logger

	breaker *Breaker
	sizer   *sizer

	closed atomic.Bool
	stopCh chan struct{}

	active       atomic.Int64
	waitCount    atomic.Uint64
	totalWaitNS  atomic.Int64
	created      atomic.Uint64
	closedCount  atomic.Uint64
	healthFailed atomic.Uint64
}

// New builds the pool and pre-creates MinConnections sessions. The
// background maintenance loop starts immediately when
// HealthCheckInterval is positive.
func New(cfg Config, factory Factory) (*Pool, error) {
	if cfg.MaxConnections <= 0 {
		return nil, dberr.New(dberr.KindValidation, "pool.new", "max_connections must be positive")
	}
	if cfg.MinConnections < 0 || cfg.MinConnections > cfg.MaxConnections {
		return nil, dberr.New(dberr.KindValidation, "pool.new",
			"min_connections %d out of range [0,%d]", cfg.MinConnections, cfg.MaxConnections)
	}

	capacity := cfg.MaxConnections
	if cfg.Adaptive != nil && cfg.Adaptive.MaxSize > capacity {
		capacity = cfg.Adaptive.MaxSize
	}

	p := &Pool{
		cfg:     cfg,
		factory: factory,
		sem:     semaphore.NewWeighted(int64(capacity)),
		idle:    make(chan *Session, capacity),
		log:     logx.WithComponent("pool"),
		stopCh:  make(chan struct{}),
	}
	if cfg.Breaker != nil {
		p.breaker = NewBreaker(*cfg.Breaker)
	}
	if cfg.Adaptive != nil {
		p.sizer = newSizer(p, *cfg.Adaptive, capacity)
	}

	// Pre-create the floor. Failures here are logged, not fatal; the
	// maintenance loop keeps trying.
	ctx := context.Background()
	for i := 0; i < cfg.MinConnections; i++ {
		s, err := p.construct(ctx)
		if err != nil {
			p.log.Warn().Err(err).Msg("pre-create failed")
			break
		}
		p.idle <- s
	}

	if cfg.HealthCheckInterval > 0 {
		go p.maintain()
	}
	if p.sizer != nil {
		go p.sizer.run()
	}
	return p, nil
}

// Acquire checks out a session, waiting up to ConnectionTimeout for a
// permit. With a zero timeout it either succeeds immediately or fails
// with PoolExhausted, never blocks.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	if p.closed.Load() {
		return nil, dberr.New(dberr.KindPoolClosed, "pool.acquire", "pool is closed")
	}
	if p.breaker != nil {
		if err := p.breaker.Allow(); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	p.waitCount.Add(1)

	if p.cfg.ConnectionTimeout <= 0 {
		if !p.sem.TryAcquire(1) {
			return nil, dberr.New(dberr.KindPoolExhausted, "pool.acquire", "no permit available")
		}
	} else {
		acquireCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectionTimeout)
		err := p.sem.Acquire(acquireCtx, 1)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, dberr.Wrap(dberr.KindConnectionTimeout, "pool.acquire", ctx.Err())
			}
			return nil, dberr.New(dberr.KindPoolExhausted, "pool.acquire",
				"no permit within %s", p.cfg.ConnectionTimeout)
		}
	}
	p.totalWaitNS.Add(int64(time.Since(start)))

	// Closed while we waited?
	if p.closed.Load() {
		p.sem.Release(1)
		return nil, dberr.New(dberr.KindPoolClosed, "pool.acquire", "pool is closed")
	}

	// Prefer an idle session that still validates.
	for {
		select {
		case s := <-p.idle:
			if s.valid(p.cfg.MaxLifetime) {
				s.lastUsed = time.Now()
				s.released.Store(false)
				p.active.Add(1)
				p.recordSuccess()
				p.updateGauges()
				return s, nil
			}
			p.healthFailed.Add(1)
			p.discard(s)
		default:
			// Idle queue empty; construct.
			s, err := p.construct(ctx)
			if err != nil {
				p.sem.Release(1)
				p.recordFailure()
				return nil, err
			}
			p.active.Add(1)
			p.recordSuccess()
			p.updateGauges()
			return s, nil
		}
	}
}

// release is Session.Release's backend: return to the idle queue, or close
// when the pool is shut down, recycling is off, or the queue is full.
func (p *Pool) release(s *Session) {
	p.active.Add(-1)

	if p.closed.Load() || !p.cfg.RecycleConnections {
		p.discard(s)
		p.sem.Release(1)
		return
	}

	s.lastUsed = time.Now()
	select {
	case p.idle <- s:
	default:
		// Queue full (configuration shrank); close the surplus.
		p.discard(s)
	}
	p.sem.Release(1)
	p.updateGauges()
}

// construct builds a fresh session through the factory.
func (p *Pool) construct(ctx context.Context) (*Session, error) {
	store, err := p.factory.Produce(ctx)
	if err != nil {
		return nil, err
	}
	p.created.Add(1)
	now := time.Now()
	return &Session{
		store:     store,
		id:        uuid.NewString(),
		createdAt: now,
		lastUsed:  now,
		pool:      p,
	}, nil
}

func (p *Pool) discard(s *Session) {
	p.closedCount.Add(1)
	if err := s.store.Close(); err != nil {
		p.log.Warn().Err(err).Str("session", s.id).Msg("session close failed")
	}
	p.updateGauges()
}

func (p *Pool) recordSuccess() {
	if p.breaker != nil {
		p.breaker.Success()
	}
}

func (p *Pool) recordFailure() {
	if p.breaker != nil {
		p.breaker.Failure()
	}
}

// maintain walks the idle queue on the health-check cadence: close
// sessions past max_idle_time or max_lifetime or failing the probe, then
// lazily rebuild toward the minimum.
func (p *Pool) maintain() {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweepIdle()
			p.replenish()
		}
	}
}

func (p *Pool) sweepIdle() {
	n := len(p.idle)
	for i := 0; i < n; i++ {
		select {
		case s := <-p.idle:
			switch {
			case p.cfg.MaxIdleTime > 0 && s.IdleTime() > p.cfg.MaxIdleTime,
				p.cfg.MaxLifetime > 0 && s.Age() > p.cfg.MaxLifetime:
				p.discard(s)
			case s.store.HealthCheck() != nil:
				p.healthFailed.Add(1)
				p.discard(s)
			default:
				p.idle <- s
			}
		default:
			return
		}
	}
}

// replenish rebuilds toward MinConnections with exponential backoff on
// factory failure. Maintenance failures raise a metric and never touch
// foreground traffic.
func (p *Pool) replenish() {
	for p.total() < p.cfg.MinConnections && !p.closed.Load() {
		op := func() error {
			s, err := p.construct(context.Background())
			if err != nil {
				return err
			}
			select {
			case p.idle <- s:
			default:
				p.discard(s)
			}
			return nil
		}
		bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
		if err := backoff.Retry(op, bo); err != nil {
			metrics.BackgroundFailures.WithLabelValues("pool_replenish").Inc()
			p.log.Warn().Err(err).Msg("replenish failed")
			return
		}
	}
}

func (p *Pool) total() int {
	return int(p.created.Load() - p.closedCount.Load())
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	st := Stats{
		TotalConnections:    p.total(),
		ActiveConnections:   int(p.active.Load()),
		IdleConnections:     len(p.idle),
		WaitCount:           p.waitCount.Load(),
		TotalWaitTime:       time.Duration(p.totalWaitNS.Load()),
		ConnectionsCreated:  p.created.Load(),
		ConnectionsClosed:   p.closedCount.Load(),
		HealthCheckFailures: p.healthFailed.Load(),
		CurrentLimit:        p.cfg.MaxConnections,
	}
	if p.breaker != nil {
		st.CircuitState = p.breaker.State()
	}
	if p.sizer != nil {
		st.CurrentLimit = p.sizer.limit()
	}
	return st
}

func (p *Pool) updateGauges() {
	metrics.PoolConnections.WithLabelValues("active").Set(float64(p.active.Load()))
	metrics.PoolConnections.WithLabelValues("idle").Set(float64(len(p.idle)))
	metrics.PoolConnections.WithLabelValues("total").Set(float64(p.total()))
}

// Close drains the idle queue and rejects further acquires. Sessions in
// use close on release.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	close(p.stopCh)
	if p.sizer != nil {
		p.sizer.releaseParked()
	}
	for {
		select {
		case s := <-p.idle:
			p.discard(s)
		default:
			p.log.Info().Msg("pool closed")
			return
		}
	}
}
