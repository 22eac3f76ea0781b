package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Diagnostic is one consistency-check finding reported by RunDiagnostics.
type Diagnostic struct {
	Level           string `json:"level"` // "warning" or "error"
	Code            string `json:"code"`
	Message         string `json:"message"`
	SuggestedAction string `json:"suggested_action,omitempty"`
}

// RunDiagnostics performs the store's consistency checks: stale pattern job
// claims, orphaned summaries and step index gaps. The `storage health`
// command does not call it.
func RunDiagnostics(ctx context.Context, db *sql.DB) ([]Diagnostic, error) {
	var diags []Diagnostic

	staleClaims, err := findStalePatternJobClaims(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("stale pattern job claims check: %w", err)
	}
	diags = append(diags, staleClaims...)

	orphanSummaries, err := findOrphanSummaries(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("orphan summaries check: %w", err)
	}
	diags = append(diags, orphanSummaries...)

	gapSteps, err := findStepIndexGaps(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("step index gap check: %w", err)
	}
	diags = append(diags, gapSteps...)

	return diags, nil
}

// findStalePatternJobClaims finds pattern_jobs stuck running with an expired lease.
func findStalePatternJobClaims(ctx context.Context, db *sql.DB) ([]Diagnostic, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, claimed_by
		FROM pattern_jobs
		WHERE status = 'running'
		  AND claim_expires_at IS NOT NULL
		  AND claim_expires_at < CURRENT_TIMESTAMP
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var diags []Diagnostic
	for rows.Next() {
		var jobID string
		var claimedBy sql.NullString
		if err := rows.Scan(&jobID, &claimedBy); err != nil {
			return nil, err
		}
		diags = append(diags, Diagnostic{
			Level:           "warning",
			Code:            "STALE_PATTERN_JOB_CLAIM",
			Message:         fmt.Sprintf("pattern job %s has an expired lease held by worker %s", jobID, claimedBy.String),
			SuggestedAction: "the job will be reclaimed automatically on the next worker poll",
		})
	}
	return diags, rows.Err()
}

// findOrphanSummaries finds summaries whose referenced episode is missing,
// which the FK + cascade should make impossible outside manual tampering.
func findOrphanSummaries(ctx context.Context, db *sql.DB) ([]Diagnostic, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT s.episode_id
		FROM episode_summaries s
		LEFT JOIN episodes e ON s.episode_id = e.id
		WHERE e.id IS NULL
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var diags []Diagnostic
	for rows.Next() {
		var episodeID string
		if err := rows.Scan(&episodeID); err != nil {
			return nil, err
		}
		diags = append(diags, Diagnostic{
			Level:           "error",
			Code:            "ORPHAN_SUMMARY",
			Message:         fmt.Sprintf("summary for episode %s has no matching episode row", episodeID),
			SuggestedAction: "delete the orphaned summary row manually",
		})
	}
	return diags, rows.Err()
}

// findStepIndexGaps finds episodes whose step indices are not a contiguous 1..n sequence.
func findStepIndexGaps(ctx context.Context, db *sql.DB) ([]Diagnostic, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT episode_id, COUNT(*), MAX(idx)
		FROM steps
		GROUP BY episode_id
		HAVING COUNT(*) != MAX(idx)
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var diags []Diagnostic
	for rows.Next() {
		var episodeID string
		var count, maxIdx int
		if err := rows.Scan(&episodeID, &count, &maxIdx); err != nil {
			return nil, err
		}
		diags = append(diags, Diagnostic{
			Level:           "error",
			Code:            "STEP_INDEX_GAP",
			Message:         fmt.Sprintf("episode %s has %d steps but max index %d", episodeID, count, maxIdx),
			SuggestedAction: "inspect step history for that episode; this should be unreachable under normal append paths",
		})
	}
	return diags, rows.Err()
}
