// Package ratelimit implements the per-caller token bucket spec.md §5
// names as the shared resource policy for rate limiting: one bucket per
// caller identity, refilled continuously at a configured rate and capped
// at a configured burst.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/d-o-hub/epimem/internal/models"
)

// Limiter holds one token bucket per caller, created lazily on first use
// and shared for the lifetime of the process.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	rps     rate.Limit
	burst   int
}

// New constructs a Limiter. ratePerSecond is the bucket's refill rate;
// burst is its capacity (and therefore the largest instantaneous spike a
// caller can absorb before being throttled).
func New(ratePerSecond float64, burst int) *Limiter {
	if ratePerSecond <= 0 {
		ratePerSecond = 10
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		rps:     rate.Limit(ratePerSecond),
		burst:   burst,
	}
}

// Allow draws one token from caller's bucket. It returns a
// *models.RateLimitedError carrying the delay until the next token would
// be available if the bucket is currently empty, and never blocks.
func (l *Limiter) Allow(caller string) error {
	bucket := l.bucketFor(caller)

	reservation := bucket.Reserve()
	if !reservation.OK() {
		return &models.RateLimitedError{Caller: caller, RetryAfter: 0}
	}
	if delay := reservation.Delay(); delay > 0 {
		reservation.Cancel()
		return &models.RateLimitedError{Caller: caller, RetryAfter: delay.Seconds()}
	}
	return nil
}

func (l *Limiter) bucketFor(caller string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	bucket, ok := l.buckets[caller]
	if !ok {
		bucket = rate.NewLimiter(l.rps, l.burst)
		l.buckets[caller] = bucket
	}
	return bucket
}

// Forget drops caller's bucket, resetting it to full on next use. Callers
// that stop making requests would otherwise hold an idle entry forever.
func (l *Limiter) Forget(caller string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, caller)
}

// CallerCount reports how many distinct callers currently have a bucket,
// for tests and introspection.
func (l *Limiter) CallerCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
