package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d-o-hub/epimem/internal/models"
)

func TestUpsertPatternTx_InsertsThenBlendsConfidence(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC()
	binding := models.TaskContext{Domain: "backend", Language: "go"}

	var first *models.Pattern
	require.NoError(t, Transact(ctx, db, func(tx *sql.Tx) error {
		var err error
		first, err = UpsertPatternTx(ctx, tx, models.PatternKindToolSequence, "grep->edit->test", true, 1.0, binding, "ep-1", now)
		return err
	}))
	assert.Equal(t, 1, first.Occurrences)
	assert.Equal(t, 1, first.Successes)
	assert.InDelta(t, 1.0, first.Confidence, 1e-9)

	var second *models.Pattern
	require.NoError(t, Transact(ctx, db, func(tx *sql.Tx) error {
		var err error
		second, err = UpsertPatternTx(ctx, tx, models.PatternKindToolSequence, "grep->edit->test", false, 0.0, binding, "ep-2", now.Add(time.Hour))
		return err
	}))
	assert.Equal(t, 2, second.Occurrences)
	assert.Equal(t, 1, second.Failures)
	// EMA blend: 0.1*0 + 0.9*1.0 = 0.9
	assert.InDelta(t, 0.9, second.Confidence, 1e-9)
	assert.Equal(t, []string{"ep-1", "ep-2"}, second.Provenance)
}

func TestListPatternsTx_OrdersByConfidenceDescIDAsc(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC()
	binding := models.TaskContext{Domain: "backend"}

	require.NoError(t, Transact(ctx, db, func(tx *sql.Tx) error {
		if _, err := UpsertPatternTx(ctx, tx, models.PatternKindToolSequence, "a", true, 0.4, binding, "ep-a", now); err != nil {
			return err
		}
		_, err := UpsertPatternTx(ctx, tx, models.PatternKindToolSequence, "b", true, 0.9, binding, "ep-b", now)
		return err
	}))

	var list []*models.Pattern
	require.NoError(t, Transact(ctx, db, func(tx *sql.Tx) error {
		var err error
		list, err = ListPatternsTx(ctx, tx, 0, 10)
		return err
	}))
	require.Len(t, list, 2)
	assert.InDelta(t, 0.9, list[0].Confidence, 1e-9)
	assert.InDelta(t, 0.4, list[1].Confidence, 1e-9)
}

func TestCountPatternsTx_CountsAllRowsRegardlessOfPageSize(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC()
	binding := models.TaskContext{Domain: "backend"}

	require.NoError(t, Transact(ctx, db, func(tx *sql.Tx) error {
		for _, sig := range []string{"a", "b", "c"} {
			if _, err := UpsertPatternTx(ctx, tx, models.PatternKindToolSequence, sig, true, 0.5, binding, "ep-"+sig, now); err != nil {
				return err
			}
		}
		return nil
	}))

	var count int
	require.NoError(t, Transact(ctx, db, func(tx *sql.Tx) error {
		var err error
		count, err = CountPatternsTx(ctx, tx)
		return err
	}))
	assert.Equal(t, 3, count)
}

func TestDecayPatternsTx_DecaysAndFlagsEligibleForDeletion(t *testing.T) {
	db, cleanup := newTestDB(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC()
	binding := models.TaskContext{Domain: "backend"}

	var p *models.Pattern
	require.NoError(t, Transact(ctx, db, func(tx *sql.Tx) error {
		var err error
		p, err = UpsertPatternTx(ctx, tx, models.PatternKindToolSequence, "stale", true, 0.1, binding, "ep-x", now.Add(-48*time.Hour))
		return err
	}))

	var ids []string
	require.NoError(t, Transact(ctx, db, func(tx *sql.Tx) error {
		victims, err := DecayPatternsTx(ctx, tx, 1.0, now, time.Hour)
		if err != nil {
			return err
		}
		for _, v := range victims {
			ids = append(ids, v.String())
		}
		return nil
	}))
	require.Contains(t, ids, p.ID.String())
}
