package store

import (
	"context"
	"database/sql"
	"fmt"
)

// StatusCounts is the payload behind the storage_stats library operation.
type StatusCounts struct {
	Episodes       int                `json:"episodes"`
	Patterns       int                `json:"patterns"`
	PatternJobs    PatternJobCounts   `json:"pattern_jobs"`
	EpisodesDetail EpisodesDetail     `json:"episodes_detail"`
}

// EpisodesDetail breaks episode counts down by lifecycle status.
type EpisodesDetail struct {
	Created    int `json:"created"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Aborted    int `json:"aborted"`
}

// PatternJobCounts breaks the extraction queue down by status.
type PatternJobCounts struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Retry     int `json:"retry"`
	Succeeded int `json:"succeeded"`
	Dead      int `json:"dead"`
}

// GetStatusCounts retrieves all status counts in a single retry-wrapped query.
func GetStatusCounts(ctx context.Context, db *sql.DB) (*StatusCounts, error) {
	counts := &StatusCounts{}

	err := RetryWithBackoff(ctx, func() error {
		return db.QueryRowContext(ctx, `
			SELECT
				(SELECT COUNT(*) FROM episodes),
				(SELECT COUNT(*) FROM patterns),
				COALESCE((SELECT SUM(CASE WHEN status = 'created' THEN 1 ELSE 0 END) FROM episodes), 0),
				COALESCE((SELECT SUM(CASE WHEN status = 'in_progress' THEN 1 ELSE 0 END) FROM episodes), 0),
				COALESCE((SELECT SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END) FROM episodes), 0),
				COALESCE((SELECT SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END) FROM episodes), 0),
				COALESCE((SELECT SUM(CASE WHEN status = 'aborted' THEN 1 ELSE 0 END) FROM episodes), 0),
				COALESCE((SELECT SUM(CASE WHEN status = 'queued' THEN 1 ELSE 0 END) FROM pattern_jobs), 0),
				COALESCE((SELECT SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END) FROM pattern_jobs), 0),
				COALESCE((SELECT SUM(CASE WHEN status = 'retry' THEN 1 ELSE 0 END) FROM pattern_jobs), 0),
				COALESCE((SELECT SUM(CASE WHEN status = 'succeeded' THEN 1 ELSE 0 END) FROM pattern_jobs), 0),
				COALESCE((SELECT SUM(CASE WHEN status = 'dead' THEN 1 ELSE 0 END) FROM pattern_jobs), 0)
		`).Scan(
			&counts.Episodes, &counts.Patterns,
			&counts.EpisodesDetail.Created, &counts.EpisodesDetail.InProgress, &counts.EpisodesDetail.Completed,
			&counts.EpisodesDetail.Failed, &counts.EpisodesDetail.Aborted,
			&counts.PatternJobs.Queued, &counts.PatternJobs.Running, &counts.PatternJobs.Retry,
			&counts.PatternJobs.Succeeded, &counts.PatternJobs.Dead,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("get status counts: %w", err)
	}
	return counts, nil
}
