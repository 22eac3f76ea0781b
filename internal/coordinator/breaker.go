package coordinator

import (
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
)

// DefaultBreakerSettings tolerates a cold cache backend without ever failing
// a caller's request: the breaker guards the *cache* path only, never the
// durable store, so tripping it just means reads fall back to the durable
// store and writes skip the backfill until the cache recovers.
func defaultBreakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 6 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errCacheMiss)
		},
	}
}

// newCacheBreaker wraps calls against the cache backend (C2). Its generic
// parameter is left as `any` since the coordinator shuttles both []byte
// blobs (Get) and nothing at all (Set/Delete) through it.
func newCacheBreaker() *gobreaker.CircuitBreaker[any] {
	return gobreaker.NewCircuitBreaker[any](defaultBreakerSettings("cache-store"))
}
