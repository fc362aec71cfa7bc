// Package ratelimit implements a sliding-window request counter keyed by
// arbitrary identifiers, such as "sms_incoming_+15551230000".
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-control/internal/keyed"
	"github.com/capitalize-ai/conversation-control/pkg/logger"
)

const (
	defaultSweepInterval = 5 * time.Minute
	defaultRetention     = time.Hour
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetTime time.Time
}

// RetryAfter returns how long the caller should wait before retrying.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed || d.ResetTime.Before(now) {
		return 0
	}
	return d.ResetTime.Sub(now)
}

// bucket holds the admitted request timestamps for one identifier, oldest first.
type bucket struct {
	mu    sync.Mutex
	stamp []time.Time
}

// Limiter is a concurrency-safe sliding-window limiter.
type Limiter struct {
	buckets       *keyed.Map[*bucket]
	now           func() time.Time
	sweepInterval time.Duration
	retention     time.Duration
	logger        *logger.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithSweep overrides how often idle identifiers are purged and how long an
// identifier is kept after its last request.
func WithSweep(interval, retention time.Duration) Option {
	return func(l *Limiter) {
		l.sweepInterval = interval
		l.retention = retention
	}
}

// New creates a limiter.
func New(log *logger.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		buckets:       keyed.NewMap[*bucket](),
		now:           time.Now,
		sweepInterval: defaultSweepInterval,
		retention:     defaultRetention,
		logger:        logger.OrGlobal(log).Component("ratelimit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow records a request for identifier if fewer than limit requests were
// admitted within the trailing window.
func (l *Limiter) Allow(identifier string, limit int, window time.Duration) Decision {
	now := l.now()

	var b *bucket
	l.buckets.Update(identifier, func(cur *bucket, ok bool) (*bucket, bool) {
		if !ok {
			cur = &bucket{}
		}
		b = cur
		return cur, true
	})

	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := now.Add(-window)
	i := 0
	for i < len(b.stamp) && !b.stamp[i].After(cutoff) {
		i++
	}
	b.stamp = b.stamp[i:]

	if len(b.stamp) >= limit {
		reset := now.Add(window)
		if len(b.stamp) > 0 {
			reset = b.stamp[0].Add(window)
		}
		return Decision{Allowed: false, Remaining: 0, ResetTime: reset}
	}

	b.stamp = append(b.stamp, now)
	return Decision{
		Allowed:   true,
		Remaining: limit - len(b.stamp),
		ResetTime: b.stamp[0].Add(window),
	}
}

// Sweep deletes identifiers with no request inside the retention period and
// returns how many were removed.
func (l *Limiter) Sweep() int {
	cutoff := l.now().Add(-l.retention)

	var stale []string
	l.buckets.Range(func(id string, b *bucket) bool {
		b.mu.Lock()
		if len(b.stamp) == 0 || !b.stamp[len(b.stamp)-1].After(cutoff) {
			stale = append(stale, id)
		}
		b.mu.Unlock()
		return true
	})

	removed := 0
	for _, id := range stale {
		l.buckets.Update(id, func(b *bucket, ok bool) (*bucket, bool) {
			if !ok {
				return nil, false
			}
			b.mu.Lock()
			defer b.mu.Unlock()
			if len(b.stamp) > 0 && b.stamp[len(b.stamp)-1].After(cutoff) {
				return b, true
			}
			removed++
			return nil, false
		})
	}
	return removed
}

// Run sweeps on a ticker until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.logger.Debug("purged idle rate limit buckets", zap.Int("count", n))
			}
		}
	}
}

// Len returns the number of tracked identifiers.
func (l *Limiter) Len() int {
	return l.buckets.Len()
}
