package coordinator

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d-o-hub/epimem/internal/cache"
	"github.com/d-o-hub/epimem/internal/models"
	"github.com/d-o-hub/epimem/internal/store"
	"github.com/d-o-hub/epimem/pkg/ids"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.InitDBWithPath(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.CloseDB(db) })
	return db
}

func newTestCache(t *testing.T) *cache.Store {
	t.Helper()
	c, err := cache.Open(t.TempDir()+"/cache.bolt", cache.Options{MaxItems: 100})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func insertEpisode(t *testing.T, db *sql.DB) *models.Episode {
	t.Helper()
	ep := &models.Episode{
		ID:              ids.NewEpisodeID(),
		TaskDescription: "do a thing",
		Context:         models.TaskContext{Domain: "backend", Language: "go"},
		TaskType:        models.TaskTypeDebugging,
		Status:          models.EpisodeStatusCompleted,
		StartedAt:       time.Now(),
		LastAccessedAt:  time.Now(),
	}
	require.NoError(t, store.Transact(context.Background(), db, func(tx *sql.Tx) error {
		return store.InsertEpisodeTx(context.Background(), tx, ep)
	}))
	return ep
}

// waitForBackfill polls until fn reports true or the timeout elapses, since
// CacheEpisode/backfillEpisode dispatch onto a background pool.
func waitForBackfill(t *testing.T, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for backfill")
}

func TestCoordinator_GetEpisodeFallsBackToDurableAndBackfills(t *testing.T) {
	db := newTestDB(t)
	cacheStore := newTestCache(t)
	ep := insertEpisode(t, db)

	c := New(db, cacheStore, Options{}, nil)
	defer c.Close()
	ctx := context.Background()

	got, err := c.GetEpisode(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, ep.ID, got.ID)

	waitForBackfill(t, func() bool {
		_, ok, err := cacheStore.Get(ctx, cache.EpisodeKey(ep.ID.String()))
		return err == nil && ok
	})
}

func TestCoordinator_GetEpisodeHitsCacheWhenPresent(t *testing.T) {
	db := newTestDB(t)
	cacheStore := newTestCache(t)
	ep := insertEpisode(t, db)

	c := New(db, cacheStore, Options{}, nil)
	defer c.Close()
	ctx := context.Background()

	c.CacheEpisode(ep)
	waitForBackfill(t, func() bool {
		_, ok, err := cacheStore.Get(ctx, cache.EpisodeKey(ep.ID.String()))
		return err == nil && ok
	})

	// Delete the durable row; a cache hit must still satisfy the read.
	require.NoError(t, store.Transact(ctx, db, func(tx *sql.Tx) error {
		return store.DeleteEpisodesTx(ctx, tx, []ids.EpisodeID{ep.ID})
	}))

	got, err := c.GetEpisode(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, ep.ID, got.ID)
}

func TestCoordinator_GetEpisodeWithoutCacheGoesDirectToDurable(t *testing.T) {
	db := newTestDB(t)
	ep := insertEpisode(t, db)

	c := New(db, nil, Options{}, nil)
	defer c.Close()

	got, err := c.GetEpisode(context.Background(), ep.ID)
	require.NoError(t, err)
	assert.Equal(t, ep.ID, got.ID)
}

func TestCoordinator_GetEpisodeNotFoundPropagatesNotFoundError(t *testing.T) {
	db := newTestDB(t)
	c := New(db, newTestCache(t), Options{}, nil)
	defer c.Close()

	_, err := c.GetEpisode(context.Background(), ids.NewEpisodeID())
	var nf *models.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestCoordinator_InvalidateEpisodeRemovesCacheEntry(t *testing.T) {
	db := newTestDB(t)
	cacheStore := newTestCache(t)
	ep := insertEpisode(t, db)

	c := New(db, cacheStore, Options{}, nil)
	defer c.Close()
	ctx := context.Background()

	c.CacheEpisode(ep)
	waitForBackfill(t, func() bool {
		_, ok, err := cacheStore.Get(ctx, cache.EpisodeKey(ep.ID.String()))
		return err == nil && ok
	})

	c.InvalidateEpisode(ep.ID)
	waitForBackfill(t, func() bool {
		_, ok, err := cacheStore.Get(ctx, cache.EpisodeKey(ep.ID.String()))
		return err == nil && !ok
	})
}

func TestCoordinator_BreakerStateReportsClosedByDefault(t *testing.T) {
	c := New(newTestDB(t), newTestCache(t), Options{}, nil)
	defer c.Close()
	assert.Equal(t, "closed", c.BreakerState())
}
