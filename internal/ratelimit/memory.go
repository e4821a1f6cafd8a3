package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// staleAfter is how long a key may go unused before its bucket is
	// dropped. A dropped bucket comes back full, which is what it would
	// have refilled to anyway for any sane rate.
	staleAfter    = 10 * time.Minute
	sweepInterval = time.Minute
)

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// MemoryLimiter keeps one x/time/rate token bucket per key in process
// memory. Each bucket refills at rate tokens per second up to burst.
type MemoryLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*entry

	stop     chan struct{}
	stopOnce sync.Once
}

var _ Limiter = (*MemoryLimiter)(nil)

// MemoryOption configures a MemoryLimiter.
type MemoryOption func(*MemoryLimiter)

// WithClock replaces time.Now. Intended for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryLimiter) { m.now = now }
}

// NewMemoryLimiter allows perSecond requests per second per key with
// bursts up to burst. A burst of zero denies everything. Close stops the
// sweeper goroutine.
func NewMemoryLimiter(perSecond float64, burst int, opts ...MemoryOption) *MemoryLimiter {
	m := &MemoryLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		now:     time.Now,
		buckets: make(map[string]*entry),
		stop:    make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	go m.sweepLoop()
	return m
}

func (m *MemoryLimiter) bucket(key string, now time.Time) *rate.Limiter {
	e, ok := m.buckets[key]
	if !ok {
		e = &entry{lim: rate.NewLimiter(m.limit, m.burst)}
		m.buckets[key] = e
	}
	e.lastSeen = now
	return e.lim
}

// Allow spends one token from key's bucket.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	return m.bucket(key, now).AllowN(now, 1), nil
}

// RetryAfter estimates how long until key's bucket holds a whole token.
func (m *MemoryLimiter) RetryAfter(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.buckets[key]
	if !ok || m.limit <= 0 {
		return 0
	}
	missing := 1 - e.lim.TokensAt(m.now())
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / float64(m.limit) * float64(time.Second))
}

// Close stops the sweeper. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}

func (m *MemoryLimiter) sweepLoop() {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-staleAfter)
	for key, e := range m.buckets {
		if e.lastSeen.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
