package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d-o-hub/epimem/internal/models"
)

func seedEpisodeForJob(t *testing.T, db *sql.DB) *models.Episode {
	t.Helper()
	ep := newTestEpisode()
	require.NoError(t, Transact(context.Background(), db, func(tx *sql.Tx) error {
		return InsertEpisodeTx(context.Background(), tx, ep)
	}))
	return ep
}

func TestEnqueuePatternJobTx_IsIdempotentPerEpisode(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()
	ctx := context.Background()
	ep := seedEpisodeForJob(t, db)

	var first, second *models.PatternJob
	require.NoError(t, Transact(ctx, db, func(tx *sql.Tx) error {
		var err error
		first, err = EnqueuePatternJobTx(ctx, tx, ep.ID.String(), 3)
		return err
	}))
	require.NoError(t, Transact(ctx, db, func(tx *sql.Tx) error {
		var err error
		second, err = EnqueuePatternJobTx(ctx, tx, ep.ID.String(), 3)
		return err
	}))
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.PatternJobQueued, second.Status)
}

func TestClaimNextPatternJobTx_ClaimsDueJob(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()
	ctx := context.Background()
	ep := seedEpisodeForJob(t, db)

	require.NoError(t, Transact(ctx, db, func(tx *sql.Tx) error {
		_, err := EnqueuePatternJobTx(ctx, tx, ep.ID.String(), 3)
		return err
	}))

	var claimed *models.PatternJob
	require.NoError(t, Transact(ctx, db, func(tx *sql.Tx) error {
		var err error
		claimed, err = ClaimNextPatternJobTx(ctx, tx, "worker-1", 60)
		return err
	}))
	require.NotNil(t, claimed)
	assert.Equal(t, models.PatternJobRunning, claimed.Status)
	assert.Equal(t, "worker-1", claimed.ClaimedBy)
	assert.Equal(t, 1, claimed.Attempt)

	// A second worker must not see the same job while the lease holds.
	var none *models.PatternJob
	require.NoError(t, Transact(ctx, db, func(tx *sql.Tx) error {
		var err error
		none, err = ClaimNextPatternJobTx(ctx, tx, "worker-2", 60)
		return err
	}))
	assert.Nil(t, none)
}

func TestMarkPatternJobRetryTx_ReleasesClaimAndReschedules(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()
	ctx := context.Background()
	ep := seedEpisodeForJob(t, db)

	var job *models.PatternJob
	require.NoError(t, Transact(ctx, db, func(tx *sql.Tx) error {
		if _, err := EnqueuePatternJobTx(ctx, tx, ep.ID.String(), 3); err != nil {
			return err
		}
		var err error
		job, err = ClaimNextPatternJobTx(ctx, tx, "worker-1", 60)
		return err
	}))
	require.NotNil(t, job)

	require.NoError(t, Transact(ctx, db, func(tx *sql.Tx) error {
		return MarkPatternJobRetryTx(ctx, tx, job.ID, "transient extraction failure", RetryBackoffSeconds(1))
	}))

	var status models.PatternJobStatus
	var claimedBy sql.NullString
	require.NoError(t, db.QueryRowContext(ctx, `SELECT status, claimed_by FROM pattern_jobs WHERE id = ?`, job.ID).
		Scan(&status, &claimedBy))
	assert.Equal(t, models.PatternJobRetry, status)
	assert.False(t, claimedBy.Valid)
}

func TestMarkPatternJobDeadTx_RecordsError(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()
	ctx := context.Background()
	ep := seedEpisodeForJob(t, db)

	var job *models.PatternJob
	require.NoError(t, Transact(ctx, db, func(tx *sql.Tx) error {
		var err error
		job, err = EnqueuePatternJobTx(ctx, tx, ep.ID.String(), 3)
		return err
	}))

	require.NoError(t, Transact(ctx, db, func(tx *sql.Tx) error {
		return MarkPatternJobDeadTx(ctx, tx, job.ID, "extraction failed permanently")
	}))

	var status models.PatternJobStatus
	var lastError string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT status, last_error FROM pattern_jobs WHERE id = ?`, job.ID).
		Scan(&status, &lastError))
	assert.Equal(t, models.PatternJobDead, status)
	assert.Equal(t, "extraction failed permanently", lastError)
}

func TestRetryBackoffSeconds_DoublesAndCaps(t *testing.T) {
	assert.Equal(t, 1, RetryBackoffSeconds(1))
	assert.Equal(t, 2, RetryBackoffSeconds(2))
	assert.Equal(t, 4, RetryBackoffSeconds(3))
	assert.Equal(t, 30, RetryBackoffSeconds(10))
}
