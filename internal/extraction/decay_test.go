package extraction

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d-o-hub/epimem/internal/store"
)

func TestDecayScheduler_RunOnceDecaysConfidence(t *testing.T) {
	db := newTestPipelineDB(t)
	completeSimpleEpisode(t, db)
	ctx := context.Background()

	p := New(db, nil, Options{Workers: 1}, nil)
	require.True(t, p.claimAndProcessOne(ctx, "w1"))

	var before float64
	require.NoError(t, store.Transact(ctx, db, func(tx *sql.Tx) error {
		patterns, err := store.ListPatternsTx(ctx, tx, 0, 1)
		if err != nil || len(patterns) == 0 {
			return err
		}
		before = patterns[0].Confidence
		// backdate last_seen so decay has something to act on.
		_, err = tx.ExecContext(ctx, `UPDATE patterns SET last_seen = ?`, time.Now().Add(-48*time.Hour))
		return err
	}))

	sched := NewDecayScheduler(db, 0, 0, 0, nil)
	require.NoError(t, sched.RunOnce(ctx))

	var after float64
	require.NoError(t, store.Transact(ctx, db, func(tx *sql.Tx) error {
		patterns, err := store.ListPatternsTx(ctx, tx, 0, 1)
		if err != nil || len(patterns) == 0 {
			return err
		}
		after = patterns[0].Confidence
		return err
	}))

	assert.Less(t, after, before)
}

func TestDecayScheduler_DeletesPatternsBelowFloorPastHorizon(t *testing.T) {
	db := newTestPipelineDB(t)
	completeSimpleEpisode(t, db)
	ctx := context.Background()

	p := New(db, nil, Options{Workers: 1}, nil)
	require.True(t, p.claimAndProcessOne(ctx, "w1"))

	require.NoError(t, store.Transact(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE patterns SET confidence = 0.01, last_seen = ?`, time.Now().Add(-60*24*time.Hour))
		return err
	}))

	sched := NewDecayScheduler(db, time.Hour, 0.01, 30*24*time.Hour, nil)
	require.NoError(t, sched.RunOnce(ctx))

	var count int
	require.NoError(t, store.Transact(ctx, db, func(tx *sql.Tx) error {
		patterns, err := store.ListPatternsTx(ctx, tx, 0, 100)
		count = len(patterns)
		return err
	}))
	assert.Equal(t, 0, count)
}
