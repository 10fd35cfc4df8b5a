package pool

import (
	"math"
	"sync"
	"time"
)

// AdaptiveConfig tunes utilization-driven resizing.
type AdaptiveConfig struct {
	// MinSize / MaxSize bound the live limit.
	MinSize int
	MaxSize int
	// ScaleUpThreshold / ScaleDownThreshold are utilization fractions.
	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	// Cooldown is the minimum gap between scaling operations.
	Cooldown time.Duration
	// Interval is the observation cadence.
	Interval time.Duration
}

// DefaultAdaptiveConfig mirrors the built-in tuning.
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		MinSize:            5,
		MaxSize:            50,
		ScaleUpThreshold:   0.8,
		ScaleDownThreshold: 0.3,
		Cooldown:           30 * time.Second,
		Interval:           10 * time.Second,
	}
}

// sizer implements the feedback loop. The semaphore is sized at MaxSize;
// shrinking acquires and parks permits, growing releases them back. That
// makes the live limit real: acquires beyond it block like any other
// exhaustion.
type sizer struct {
	pool *Pool
	cfg  AdaptiveConfig

	mu          sync.Mutex
	current     int // live limit
	parked      int64
	lastScaleAt time.Time
}

func newSizer(p *Pool, cfg AdaptiveConfig, capacity int) *sizer {
	if cfg.MinSize <= 0 {
		cfg.MinSize = 1
	}
	if cfg.MaxSize <= 0 || cfg.MaxSize > capacity {
		cfg.MaxSize = capacity
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}

	s := &sizer{pool: p, cfg: cfg}
	s.current = clamp(p.cfg.MaxConnections, cfg.MinSize, cfg.MaxSize)

	// Park the headroom between the live limit and semaphore capacity.
	park := int64(capacity - s.current)
	if park > 0 && p.sem.TryAcquire(park) {
		s.parked = park
	}
	return s
}

func (s *sizer) limit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *sizer) run() {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.pool.stopCh:
			return
		case <-ticker.C:
			s.observe()
		}
	}
}

// observe grows by 1.5x when utilization stays above the up threshold and
// shrinks by 0.75x below the down threshold, honouring the cooldown.
func (s *sizer) observe() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if time.Since(s.lastScaleAt) < s.cfg.Cooldown {
		return
	}

	active := float64(s.pool.active.Load())
	util := active / float64(s.current)

	switch {
	case util > s.cfg.ScaleUpThreshold && s.current < s.cfg.MaxSize:
		target := clamp(int(math.Ceil(float64(s.current)*1.5)), s.cfg.MinSize, s.cfg.MaxSize)
		s.resizeLocked(target)
	case util < s.cfg.ScaleDownThreshold && s.current > s.cfg.MinSize:
		target := clamp(int(math.Floor(float64(s.current)*0.75)), s.cfg.MinSize, s.cfg.MaxSize)
		s.resizeLocked(target)
	}
}

func (s *sizer) resizeLocked(target int) {
	if target == s.current {
		return
	}
	if target > s.current {
		// Grow: hand parked permits back.
		release := int64(target - s.current)
		if release > s.parked {
			release = s.parked
		}
		if release > 0 {
			s.pool.sem.Release(release)
			s.parked -= release
			s.current += int(release)
		}
	} else {
		// Shrink: park permits as they free up; TryAcquire never blocks a
		// live session.
		want := int64(s.current - target)
		for want > 0 && s.pool.sem.TryAcquire(1) {
			s.parked++
			s.current--
			want--
		}
	}
	s.lastScaleAt = time.Now()
	s.pool.log.Debug().Int("limit", s.current).Msg("pool resized")
}

// Resize sets the live limit directly (admin surface).
func (s *sizer) Resize(target int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resizeLocked(clamp(target, s.cfg.MinSize, s.cfg.MaxSize))
}

// release parked permits on shutdown so Close never wedges waiters.
func (s *sizer) releaseParked() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.parked > 0 {
		s.pool.sem.Release(s.parked)
		s.parked = 0
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
