package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/d-o-hub/epimem/internal/capacity"
	"github.com/d-o-hub/epimem/internal/models"
	"github.com/d-o-hub/epimem/pkg/ids"
)

// EvictionCandidateLimit bounds how many candidates are pulled for scoring
// on each capacity-triggered insert, keeping the scan cheap even for large
// stores; it is generous relative to typical eviction batch sizes.
const EvictionCandidateLimit = 500

// StoreEpisodeWithCapacity implements spec.md §4.2's capacity-bounded
// insert: read the cached count, evict via policy if at capacity, insert the
// new episode (and summary, if present), and update the count — all in one
// transaction. Returns the ids of any evicted episodes.
func StoreEpisodeWithCapacity(ctx context.Context, db *sql.DB, ep *models.Episode, summary *models.EpisodeSummary, maxEpisodes int, policy capacity.Policy, weights capacity.Weights) ([]ids.EpisodeID, error) {
	var evicted []ids.EpisodeID

	err := Transact(ctx, db, func(tx *sql.Tx) error {
		evicted = nil

		count, err := GetEpisodeCountTx(ctx, tx)
		if err != nil {
			return err
		}

		if count+1 > maxEpisodes {
			candidates, err := fetchEvictionCandidatesTx(ctx, tx, EvictionCandidateLimit)
			if err != nil {
				return err
			}
			victims := capacity.EvictIfNeeded(policy, weights, count, maxEpisodes, candidates, time.Now())
			if len(victims) == 0 && count+1 > maxEpisodes {
				return &models.CapacityExceededError{Current: count, Max: maxEpisodes}
			}
			if err := DeleteEpisodesTx(ctx, tx, victims); err != nil {
				return err
			}
			evicted = victims
			count -= len(victims)
		}

		if err := InsertEpisodeTx(ctx, tx, ep); err != nil {
			return err
		}
		if summary != nil {
			if err := InsertSummaryTx(ctx, tx, summary); err != nil {
				return err
			}
		}

		return SetEpisodeCountTx(ctx, tx, count+1)
	})
	if err != nil {
		return nil, err
	}
	return evicted, nil
}

func fetchEvictionCandidatesTx(ctx context.Context, tx *sql.Tx, limit int) ([]capacity.Candidate, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, last_accessed_at, reward_score, access_count
		FROM episodes
		WHERE status IN ('completed', 'failed', 'aborted')
		ORDER BY last_accessed_at ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch eviction candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []capacity.Candidate
	for rows.Next() {
		var idStr string
		var c capacity.Candidate
		if err := rows.Scan(&idStr, &c.LastAccessedAt, &c.RewardScore, &c.AccessCount); err != nil {
			return nil, fmt.Errorf("scan eviction candidate: %w", err)
		}
		parsed, err := ids.ParseEpisodeID(idStr)
		if err != nil {
			continue
		}
		c.ID = parsed
		out = append(out, c)
	}
	return out, rows.Err()
}
