package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunDiagnostics_FlagsStaleClaim(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()
	ctx := context.Background()
	ep := seedEpisodeForJob(t, db)

	require.NoError(t, Transact(ctx, db, func(tx *sql.Tx) error {
		_, err := EnqueuePatternJobTx(ctx, tx, ep.ID.String(), 3)
		return err
	}))
	require.NoError(t, Transact(ctx, db, func(tx *sql.Tx) error {
		_, err := ClaimNextPatternJobTx(ctx, tx, "worker-1", 60)
		return err
	}))
	// Force the lease into the past to simulate a crashed worker.
	_, err := db.ExecContext(ctx, `UPDATE pattern_jobs SET claim_expires_at = ? WHERE episode_id = ?`,
		time.Now().Add(-time.Hour), ep.ID.String())
	require.NoError(t, err)

	diags, err := RunDiagnostics(ctx, db)
	require.NoError(t, err)
	require.Len(t, diags, 1)
	assert.Equal(t, "STALE_PATTERN_JOB_CLAIM", diags[0].Code)
}

func TestRunDiagnostics_CleanStoreReportsNothing(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()
	ctx := context.Background()
	_ = seedEpisodeForJob(t, db)

	diags, err := RunDiagnostics(ctx, db)
	require.NoError(t, err)
	assert.Empty(t, diags)
}
