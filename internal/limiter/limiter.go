// Package limiter bounds simultaneous in-flight calls and request rate per
// provider.
package limiter

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrUnavailable is returned by Acquire when the provider's breaker rejects
// calls; no slot is consumed.
var ErrUnavailable = eris.New("provider unavailable")

// Gate reports whether a provider currently admits calls. It is satisfied
// by *resilience.Tracker.
type Gate interface {
	Allows(provider string) bool
}

// ProviderLimits configures one provider's limits.
type ProviderLimits struct {
	// MaxConcurrent bounds in-flight calls. Values <= 0 select 1.
	MaxConcurrent int
	// RequestsPerSec bounds the call rate. Zero disables rate limiting.
	RequestsPerSec float64
}

// Release returns a slot. Calling it more than once is a no-op.
type Release func()

type slot struct {
	sem      *semaphore.Weighted
	rate     *AdaptiveLimiter
	capacity int64
	inFlight atomic.Int64
}

// Limiter holds per-provider counting semaphores. Waiters are served in
// FIFO order. The provider set is fixed at construction.
type Limiter struct {
	gate  Gate
	slots map[string]*slot
}

// New creates a limiter for the configured providers. gate may be nil.
func New(limits map[string]ProviderLimits, gate Gate) *Limiter {
	l := &Limiter{gate: gate, slots: make(map[string]*slot, len(limits))}
	for id, pl := range limits {
		n := int64(pl.MaxConcurrent)
		if n <= 0 {
			n = 1
		}
		s := &slot{sem: semaphore.NewWeighted(n), capacity: n}
		if pl.RequestsPerSec > 0 {
			s.rate = NewAdaptiveLimiter(rate.Limit(pl.RequestsPerSec), max(int(pl.RequestsPerSec), 1))
		}
		l.slots[id] = s
	}
	return l
}

// Acquire blocks until a slot for provider is free, ctx is done, or the
// breaker rejects the provider. The breaker is consulted before queueing so
// no slot is spent on a call that would be rejected.
func (l *Limiter) Acquire(ctx context.Context, provider string) (Release, error) {
	s, ok := l.slots[provider]
	if !ok {
		return nil, eris.Errorf("limiter: unknown provider %s", provider)
	}
	if l.gate != nil && !l.gate.Allows(provider) {
		return nil, eris.Wrapf(ErrUnavailable, "limiter: %s", provider)
	}

	// The slot comes first so a waiter that gives up in the queue never
	// spends a rate token.
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, eris.Wrapf(err, "limiter: acquire %s", provider)
	}
	if s.rate != nil {
		if err := s.rate.Wait(ctx); err != nil {
			s.sem.Release(1)
			return nil, eris.Wrapf(err, "limiter: rate wait %s", provider)
		}
	}
	s.inFlight.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.inFlight.Add(-1)
			s.sem.Release(1)
		})
	}, nil
}

// Do runs fn while holding a slot for provider. The slot is returned on
// every exit path, including panics.
func (l *Limiter) Do(ctx context.Context, provider string, fn func(ctx context.Context) error) error {
	release, err := l.Acquire(ctx, provider)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// InFlight returns the number of slots currently held for provider.
func (l *Limiter) InFlight(provider string) int {
	if s, ok := l.slots[provider]; ok {
		return int(s.inFlight.Load())
	}
	return 0
}

// Capacity returns the configured concurrency bound for provider.
func (l *Limiter) Capacity(provider string) int {
	if s, ok := l.slots[provider]; ok {
		return int(s.capacity)
	}
	return 0
}

// OnRateLimited slows provider's request rate after a throttling response.
func (l *Limiter) OnRateLimited(provider string) {
	if s, ok := l.slots[provider]; ok && s.rate != nil {
		s.rate.OnRateLimit()
		zap.L().Warn("limiter: reducing request rate after throttling",
			zap.String("provider", provider),
			zap.Float64("new_rate", float64(s.rate.Limit())),
		)
	}
}

// OnSuccess lets provider's request rate recover.
func (l *Limiter) OnSuccess(provider string) {
	if s, ok := l.slots[provider]; ok && s.rate != nil {
		s.rate.OnSuccess()
	}
}
