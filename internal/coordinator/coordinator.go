// Package coordinator implements the storage coordinator (C3): the single
// entry point C4, C6 and C9 use to read and write episodes and patterns,
// fronting the durable store (C1) with the embedded cache (C2) so callers
// never talk to either backend directly.
//
// The durable store is always authoritative. The cache is a pure
// optimisation: a cache miss, a decode failure, or a tripped circuit
// breaker all fall back to the durable store transparently, and every
// durable read schedules a best-effort backfill so the next read is a hit.
// A write never waits on the cache; it mirrors into it afterward on the
// backfill pool.
package coordinator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/sony/gobreaker/v2"

	"github.com/d-o-hub/epimem/internal/cache"
	"github.com/d-o-hub/epimem/internal/models"
	"github.com/d-o-hub/epimem/internal/store"
	"github.com/d-o-hub/epimem/pkg/ids"
)

// Coordinator fronts the durable store with the cache store behind a
// circuit breaker and a bounded backfill pool.
type Coordinator struct {
	db       *sql.DB
	cache    *cache.Store
	breaker  *gobreaker.CircuitBreaker[any]
	backfill *backfillPool
	log      *slog.Logger
}

// Options configures a new Coordinator.
type Options struct {
	BackfillWorkers  int
	BackfillCapacity int
}

// New builds a Coordinator. cacheStore may be nil, in which case every read
// and write goes straight to the durable store (the engine degrades to a
// single-backend configuration rather than failing to start).
func New(db *sql.DB, cacheStore *cache.Store, opts Options, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		db:       db,
		cache:    cacheStore,
		breaker:  newCacheBreaker(),
		backfill: newBackfillPool(opts.BackfillWorkers, opts.BackfillCapacity, log),
		log:      log,
	}
}

// Close stops the backfill pool. The durable and cache stores are owned by
// the caller and are not closed here.
func (c *Coordinator) Close() { c.backfill.Close() }

// GetEpisode reads episode id, preferring the cache and falling back to the
// durable store (with a backfill) on a miss, a decode error, or an open
// breaker.
func (c *Coordinator) GetEpisode(ctx context.Context, id ids.EpisodeID) (*models.Episode, error) {
	if ep, ok := c.getEpisodeFromCache(ctx, id); ok {
		return ep, nil
	}

	var ep *models.Episode
	err := store.Transact(ctx, c.db, func(tx *sql.Tx) error {
		loaded, err := store.GetEpisodeTx(ctx, tx, id)
		if err != nil {
			return err
		}
		ep = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.backfillEpisode(ep)
	return ep, nil
}

func (c *Coordinator) getEpisodeFromCache(ctx context.Context, id ids.EpisodeID) (*models.Episode, bool) {
	if c.cache == nil {
		return nil, false
	}
	blob, err := c.breaker.Execute(func() (any, error) {
		v, ok, err := c.cache.Get(ctx, cache.EpisodeKey(id.String()))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errCacheMiss
		}
		return v, nil
	})
	if err != nil {
		if !errors.Is(err, errCacheMiss) {
			c.log.Warn("cache read failed, falling back to durable store", "key", id.String(), "error", err)
		}
		return nil, false
	}

	raw, ok := blob.([]byte)
	if !ok {
		return nil, false
	}
	var ep models.Episode
	if err := json.Unmarshal(raw, &ep); err != nil {
		c.log.Warn("cache entry failed to decode, falling back to durable store", "key", id.String(), "error", err)
		return nil, false
	}
	return &ep, true
}

// errCacheMiss is a sentinel the breaker sees as a normal (non-failure)
// outcome: a miss is not the cache backend being unhealthy.
var errCacheMiss = errors.New("coordinator: cache miss")

// CacheEpisode mirrors ep into the cache on the backfill pool. Call this
// after a durable write commits; it is always best-effort and never
// returns an error the caller must act on.
func (c *Coordinator) CacheEpisode(ep *models.Episode) {
	c.backfillEpisode(ep)
}

func (c *Coordinator) backfillEpisode(ep *models.Episode) {
	if c.cache == nil || ep == nil {
		return
	}
	c.backfill.Submit(context.Background(), "episode:"+ep.ID.String(), func() {
		blob, err := json.Marshal(ep)
		if err != nil {
			return
		}
		_, _ = c.breaker.Execute(func() (any, error) {
			return nil, c.cache.Set(context.Background(), cache.EpisodeKey(ep.ID.String()), blob, 0)
		})
	})
}

// InvalidateEpisode drops episode id from the cache, used on eviction so a
// stale copy never outlives the durable row it mirrors.
func (c *Coordinator) InvalidateEpisode(id ids.EpisodeID) {
	if c.cache == nil {
		return
	}
	c.backfill.Submit(context.Background(), "invalidate:"+id.String(), func() {
		_, _ = c.breaker.Execute(func() (any, error) {
			return nil, c.cache.Delete(context.Background(), cache.EpisodeKey(id.String()))
		})
	})
}

// GetPattern reads pattern id, cache-first with durable fallback and backfill.
func (c *Coordinator) GetPattern(ctx context.Context, id ids.PatternID) (*models.Pattern, error) {
	if p, ok := c.getPatternFromCache(ctx, id); ok {
		return p, nil
	}

	var p *models.Pattern
	err := store.Transact(ctx, c.db, func(tx *sql.Tx) error {
		loaded, err := store.GetPatternTx(ctx, tx, id)
		if err != nil {
			return err
		}
		p = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.CachePattern(p)
	return p, nil
}

func (c *Coordinator) getPatternFromCache(ctx context.Context, id ids.PatternID) (*models.Pattern, bool) {
	if c.cache == nil {
		return nil, false
	}
	blob, err := c.breaker.Execute(func() (any, error) {
		v, ok, err := c.cache.Get(ctx, cache.PatternKey(id.String()))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errCacheMiss
		}
		return v, nil
	})
	if err != nil {
		if !errors.Is(err, errCacheMiss) {
			c.log.Warn("cache read failed, falling back to durable store", "key", id.String(), "error", err)
		}
		return nil, false
	}
	raw, ok := blob.([]byte)
	if !ok {
		return nil, false
	}
	var p models.Pattern
	if err := json.Unmarshal(raw, &p); err != nil {
		c.log.Warn("cache entry failed to decode, falling back to durable store", "key", id.String(), "error", err)
		return nil, false
	}
	return &p, true
}

// CachePattern mirrors p into the cache on the backfill pool.
func (c *Coordinator) CachePattern(p *models.Pattern) {
	if c.cache == nil || p == nil {
		return
	}
	c.backfill.Submit(context.Background(), "pattern:"+p.ID.String(), func() {
		blob, err := json.Marshal(p)
		if err != nil {
			return
		}
		_, _ = c.breaker.Execute(func() (any, error) {
			return nil, c.cache.Set(context.Background(), cache.PatternKey(p.ID.String()), blob, 0)
		})
	})
}

// BreakerState reports the cache breaker's current state, for the health command.
func (c *Coordinator) BreakerState() string {
	return c.breaker.State().String()
}
