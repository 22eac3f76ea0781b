package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/d-o-hub/epimem/internal/models"
)

const maxPatternJobErrorLen = 2048

// EnqueuePatternJobTx creates a queued pattern-extraction job for episodeID.
// If a job already exists for that episode it is returned unchanged, so
// finalisation retries never enqueue duplicate extraction work.
func EnqueuePatternJobTx(ctx context.Context, tx *sql.Tx, episodeID string, maxAttempts int) (*models.PatternJob, error) {
	if episodeID == "" {
		return nil, errors.New("episode id is required")
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	jobID := uuid.New().String()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO pattern_jobs (
			id, episode_id, status, attempt, max_attempts,
			next_run_at, claimed_by, claim_expires_at, last_error,
			created_at, updated_at, completed_at
		)
		VALUES (?, ?, ?, 0, ?, CURRENT_TIMESTAMP, NULL, NULL, NULL, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, NULL)
	`, jobID, episodeID, models.PatternJobQueued, maxAttempts)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return getPatternJobByEpisodeTx(ctx, tx, episodeID)
		}
		return nil, fmt.Errorf("enqueue pattern job: %w", err)
	}

	return getPatternJobByIDTx(ctx, tx, jobID)
}

// ClaimNextPatternJobTx claims the next due job for workerName, leasing it
// for leaseSeconds. Returns (nil, nil) when no due job is available.
func ClaimNextPatternJobTx(ctx context.Context, tx *sql.Tx, workerName string, leaseSeconds int) (*models.PatternJob, error) {
	if workerName == "" {
		return nil, errors.New("worker name is required")
	}
	if leaseSeconds <= 0 {
		leaseSeconds = 60
	}
	if leaseSeconds > 3600 {
		leaseSeconds = 3600
	}

	for range 5 {
		var candidateID string
		err := tx.QueryRowContext(ctx, `
			SELECT id
			FROM pattern_jobs
			WHERE status IN (?, ?)
			  AND next_run_at <= CURRENT_TIMESTAMP
			  AND (claimed_by IS NULL OR claim_expires_at IS NULL OR claim_expires_at < CURRENT_TIMESTAMP)
			ORDER BY next_run_at ASC, created_at ASC
			LIMIT 1
		`, models.PatternJobQueued, models.PatternJobRetry).Scan(&candidateID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select pattern job candidate: %w", err)
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE pattern_jobs
			SET status = ?,
			    claimed_by = ?,
			    claim_expires_at = datetime(CURRENT_TIMESTAMP, '+' || ? || ' seconds'),
			    attempt = attempt + 1,
			    updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
			  AND status IN (?, ?)
			  AND next_run_at <= CURRENT_TIMESTAMP
			  AND (claimed_by IS NULL OR claim_expires_at IS NULL OR claim_expires_at < CURRENT_TIMESTAMP)
		`, models.PatternJobRunning, workerName, leaseSeconds, candidateID, models.PatternJobQueued, models.PatternJobRetry)
		if err != nil {
			return nil, fmt.Errorf("claim pattern job: %w", err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("check claim rows affected: %w", err)
		}
		if rowsAffected == 0 {
			continue // lost the race to another worker; try the next candidate
		}

		return getPatternJobByIDTx(ctx, tx, candidateID)
	}

	return nil, nil
}

// MarkPatternJobSucceededTx marks a claimed job as terminally succeeded.
func MarkPatternJobSucceededTx(ctx context.Context, tx *sql.Tx, jobID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE pattern_jobs
		SET status = ?, claimed_by = NULL, claim_expires_at = NULL, last_error = NULL,
		    completed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, models.PatternJobSucceeded, jobID)
	if err != nil {
		return fmt.Errorf("mark pattern job succeeded: %w", err)
	}
	return nil
}

// MarkPatternJobRetryTx releases the claim and schedules a retry after
// backoffSeconds, per the bounded exponential backoff policy (3 retries,
// base 1s, cap 30s) driven by the caller.
func MarkPatternJobRetryTx(ctx context.Context, tx *sql.Tx, jobID, errMsg string, backoffSeconds int) error {
	if backoffSeconds <= 0 {
		backoffSeconds = 1
	}
	if backoffSeconds > 86400 {
		backoffSeconds = 86400
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE pattern_jobs
		SET status = ?, claimed_by = NULL, claim_expires_at = NULL,
		    next_run_at = datetime(CURRENT_TIMESTAMP, '+' || ? || ' seconds'),
		    last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, models.PatternJobRetry, backoffSeconds, truncatePatternJobError(errMsg), jobID)
	if err != nil {
		return fmt.Errorf("mark pattern job retry: %w", err)
	}
	return nil
}

// MarkPatternJobDeadTx releases the claim and marks the job permanently
// failed; the episode remains usable with extraction_state=extraction_failed.
func MarkPatternJobDeadTx(ctx context.Context, tx *sql.Tx, jobID, errMsg string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE pattern_jobs
		SET status = ?, claimed_by = NULL, claim_expires_at = NULL,
		    last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, models.PatternJobDead, truncatePatternJobError(errMsg), jobID)
	if err != nil {
		return fmt.Errorf("mark pattern job dead: %w", err)
	}
	return nil
}

func getPatternJobByEpisodeTx(ctx context.Context, tx *sql.Tx, episodeID string) (*models.PatternJob, error) {
	row := tx.QueryRowContext(ctx, patternJobSelectCols+` FROM pattern_jobs WHERE episode_id = ? ORDER BY created_at DESC LIMIT 1`, episodeID)
	job, err := scanPatternJobRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pattern job not found for episode %q", episodeID)
	}
	if err != nil {
		return nil, fmt.Errorf("query pattern job by episode: %w", err)
	}
	return job, nil
}

func getPatternJobByIDTx(ctx context.Context, tx *sql.Tx, jobID string) (*models.PatternJob, error) {
	row := tx.QueryRowContext(ctx, patternJobSelectCols+` FROM pattern_jobs WHERE id = ?`, jobID)
	job, err := scanPatternJobRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pattern job not found: %s", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("query pattern job: %w", err)
	}
	return job, nil
}

const patternJobSelectCols = `SELECT id, episode_id, status, attempt, max_attempts,
	next_run_at, claimed_by, claim_expires_at, last_error, created_at, updated_at, completed_at`

func scanPatternJobRow(row *sql.Row) (*models.PatternJob, error) {
	var (
		claimedBy      sql.NullString
		claimExpiresAt sql.NullTime
		lastError      sql.NullString
		completedAt    sql.NullTime
	)
	job := &models.PatternJob{}
	err := row.Scan(
		&job.ID, &job.EpisodeID, &job.Status, &job.Attempt, &job.MaxAttempts,
		&job.NextRunAt, &claimedBy, &claimExpiresAt, &lastError,
		&job.CreatedAt, &job.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if claimedBy.Valid {
		job.ClaimedBy = claimedBy.String
	}
	if claimExpiresAt.Valid {
		t := claimExpiresAt.Time
		job.ClaimExpiresAt = &t
	}
	if lastError.Valid {
		job.LastError = lastError.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}

func truncatePatternJobError(s string) string {
	if len(s) <= maxPatternJobErrorLen {
		return s
	}
	return s[:maxPatternJobErrorLen]
}

// RetryBackoffSeconds returns the bounded exponential backoff delay for
// attempt (1-indexed): base 1s, doubling, capped at 30s, per spec.md §4.5.
func RetryBackoffSeconds(attempt int) int {
	delay := 1 << (attempt - 1)
	if delay > 30 || delay <= 0 {
		return 30
	}
	return delay
}
