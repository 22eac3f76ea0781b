package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d-o-hub/epimem/internal/models"
	"github.com/d-o-hub/epimem/pkg/ids"
)

func newTestEpisode() *models.Episode {
	now := time.Now().UTC().Truncate(time.Second)
	return &models.Episode{
		ID:              ids.NewEpisodeID(),
		TaskDescription: "refactor the widget loader",
		Context: models.TaskContext{
			Domain:     "backend",
			Language:   "go",
			Complexity: models.ComplexityModerate,
		},
		TaskType:       models.TaskTypeRefactoring,
		Status:         models.EpisodeStatusCreated,
		StartedAt:      now,
		LastAccessedAt: now,
	}
}

func TestInsertAndGetEpisodeTx(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()
	ctx := context.Background()
	ep := newTestEpisode()

	err := Transact(ctx, db, func(tx *sql.Tx) error {
		return InsertEpisodeTx(ctx, tx, ep)
	})
	require.NoError(t, err)

	var got *models.Episode
	err = Transact(ctx, db, func(tx *sql.Tx) error {
		var innerErr error
		got, innerErr = GetEpisodeTx(ctx, tx, ep.ID)
		return innerErr
	})
	require.NoError(t, err)
	assert.Equal(t, ep.ID, got.ID)
	assert.Equal(t, ep.TaskDescription, got.TaskDescription)
	assert.Equal(t, ep.Context.Domain, got.Context.Domain)
	assert.Empty(t, got.Steps)
}

func TestGetEpisodeTx_NotFound(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()
	ctx := context.Background()

	err := Transact(ctx, db, func(tx *sql.Tx) error {
		_, innerErr := GetEpisodeTx(ctx, tx, ids.NewEpisodeID())
		return innerErr
	})
	require.Error(t, err)
	var notFound *models.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestFinalizeEpisodeTx_SucceedsAndRejectsStaleVersion(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()
	ctx := context.Background()
	ep := newTestEpisode()

	require.NoError(t, Transact(ctx, db, func(tx *sql.Tx) error {
		return InsertEpisodeTx(ctx, tx, ep)
	}))

	outcome := models.Outcome{Kind: models.OutcomeSuccess, Verdict: "done"}
	err := Transact(ctx, db, func(tx *sql.Tx) error {
		return FinalizeEpisodeTx(ctx, tx, ep.ID, models.EpisodeStatusCompleted, outcome, 0.9, time.Now(), 1)
	})
	require.NoError(t, err)

	// Stale version must be rejected with a conflict.
	err = Transact(ctx, db, func(tx *sql.Tx) error {
		return FinalizeEpisodeTx(ctx, tx, ep.ID, models.EpisodeStatusCompleted, outcome, 0.9, time.Now(), 1)
	})
	require.Error(t, err)
	var conflict *models.ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestTouchLastAccessedTx_IncrementsAccessCount(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()
	ctx := context.Background()
	ep := newTestEpisode()

	require.NoError(t, Transact(ctx, db, func(tx *sql.Tx) error {
		return InsertEpisodeTx(ctx, tx, ep)
	}))

	require.NoError(t, Transact(ctx, db, func(tx *sql.Tx) error {
		return TouchLastAccessedTx(ctx, tx, ep.ID, time.Now())
	}))

	var accessCount int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT access_count FROM episodes WHERE id = ?`, ep.ID.String()).Scan(&accessCount))
	assert.Equal(t, 1, accessCount)
}

func TestDeleteEpisodesTx_CascadesToSteps(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()
	ctx := context.Background()
	ep := newTestEpisode()

	require.NoError(t, Transact(ctx, db, func(tx *sql.Tx) error {
		if err := InsertEpisodeTx(ctx, tx, ep); err != nil {
			return err
		}
		return AppendStepTx(ctx, tx, ep.ID, models.Step{Index: 1, ToolName: "grep", Action: "search", Success: true, Timestamp: time.Now()})
	}))

	require.NoError(t, Transact(ctx, db, func(tx *sql.Tx) error {
		return DeleteEpisodesTx(ctx, tx, []ids.EpisodeID{ep.ID})
	}))

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM steps WHERE episode_id = ?`, ep.ID.String()).Scan(&count))
	assert.Equal(t, 0, count)
}
