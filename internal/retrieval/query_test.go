package retrieval

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d-o-hub/epimem/internal/cache"
	"github.com/d-o-hub/epimem/internal/coordinator"
	"github.com/d-o-hub/epimem/internal/models"
	"github.com/d-o-hub/epimem/internal/store"
	"github.com/d-o-hub/epimem/pkg/ids"
)

func newTestEngine(t *testing.T) (*Engine, *sql.DB) {
	t.Helper()
	db, err := store.InitDBWithPath(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.CloseDB(db) })

	cacheStore, err := cache.Open(t.TempDir()+"/cache.bolt", cache.Options{MaxItems: 100})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cacheStore.Close() })

	coord := coordinator.New(db, cacheStore, coordinator.Options{}, nil)
	t.Cleanup(coord.Close)

	return New(db, coord, nil), db
}

func insertEpisode(t *testing.T, db *sql.DB, domain, language string, taskType models.TaskType, lastAccessed time.Time) ids.EpisodeID {
	t.Helper()
	ep := &models.Episode{
		ID:              ids.NewEpisodeID(),
		TaskDescription: "task",
		Context:         models.TaskContext{Domain: domain, Language: language, Tags: []string{"web"}},
		TaskType:        taskType,
		Status:          models.EpisodeStatusCompleted,
		StartedAt:       time.Now(),
		LastAccessedAt:  lastAccessed,
	}
	require.NoError(t, store.Transact(context.Background(), db, func(tx *sql.Tx) error {
		return store.InsertEpisodeTx(context.Background(), tx, ep)
	}))
	return ep.ID
}

func TestEngine_QueryFiltersByContextAndOrdersDeterministically(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()

	idBackend := insertEpisode(t, db, "backend", "go", models.TaskTypeDebugging, time.Now())
	insertEpisode(t, db, "frontend", "ts", models.TaskTypeDebugging, time.Now())

	result, err := e.Query(ctx, Request{Context: models.TaskContext{Domain: "backend", Language: "go"}, TaskType: models.TaskTypeDebugging})
	require.NoError(t, err)
	require.Len(t, result.Episodes, 1)
	assert.Equal(t, idBackend, result.Episodes[0].Episode.ID)
}

func TestEngine_QueryRespectsLimit(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		insertEpisode(t, db, "backend", "go", models.TaskTypeDebugging, time.Now())
	}

	result, err := e.Query(ctx, Request{Context: models.TaskContext{Domain: "backend"}, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, result.Episodes, 2)
}

func TestEngine_QueryIsDeterministicAcrossRepeatedCalls(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()
	for i := 0; i < 4; i++ {
		insertEpisode(t, db, "backend", "go", models.TaskTypeDebugging, now)
	}

	req := Request{Context: models.TaskContext{Domain: "backend"}, Limit: 4}
	first, err := e.Query(ctx, req)
	require.NoError(t, err)
	second, err := e.Query(ctx, req)
	require.NoError(t, err)

	require.Len(t, first.Episodes, 4)
	require.Len(t, second.Episodes, 4)
	for i := range first.Episodes {
		assert.Equal(t, first.Episodes[i].Episode.ID, second.Episodes[i].Episode.ID)
	}
}

func TestEngine_QueryFoldsInMatchingPatternsAboveMinSuccessRate(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, store.Transact(ctx, db, func(tx *sql.Tx) error {
		_, err := store.UpsertPatternTx(ctx, tx, models.PatternKindToolSequence, "a->b", true, 0.9,
			models.TaskContext{Domain: "backend", Language: "go"}, "ep-1", time.Now())
		return err
	}))

	result, err := e.Query(ctx, Request{Context: models.TaskContext{Domain: "backend"}, MinSuccessRate: 0.5})
	require.NoError(t, err)
	require.Len(t, result.Patterns, 1)
	assert.Equal(t, "a->b", result.Patterns[0].Signature)
}

func TestEngine_QueryExcludesPatternsBelowMinSuccessRate(t *testing.T) {
	e, db := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, store.Transact(ctx, db, func(tx *sql.Tx) error {
		_, err := store.UpsertPatternTx(ctx, tx, models.PatternKindToolSequence, "a->b", false, 0.1,
			models.TaskContext{Domain: "backend", Language: "go"}, "ep-1", time.Now())
		return err
	}))

	result, err := e.Query(ctx, Request{Context: models.TaskContext{Domain: "backend"}, MinSuccessRate: 0.9})
	require.NoError(t, err)
	assert.Empty(t, result.Patterns)
}
