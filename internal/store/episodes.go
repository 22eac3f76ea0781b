package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/d-o-hub/epimem/internal/models"
	"github.com/d-o-hub/epimem/pkg/ids"
)

// InsertEpisodeTx inserts a new episode row at version 1.
func InsertEpisodeTx(ctx context.Context, tx *sql.Tx, ep *models.Episode) error {
	ctxJSON, err := json.Marshal(ep.Context)
	if err != nil {
		return &models.SerializationError{Entity: "episode.context", Reason: err.Error()}
	}

	var outcomeJSON []byte
	if ep.Outcome != nil {
		outcomeJSON, err = json.Marshal(ep.Outcome)
		if err != nil {
			return &models.SerializationError{Entity: "episode.outcome", Reason: err.Error()}
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO episodes (
			id, task_description, context_json, task_type, status, outcome_json,
			started_at, completed_at, reward_score, last_accessed_at, extraction_state,
			version, domain, language
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
	`, ep.ID.String(), ep.TaskDescription, string(ctxJSON), ep.TaskType, ep.Status, nullableBytes(outcomeJSON),
		ep.StartedAt, nullableTime(ep.CompletedAt), ep.RewardScore, ep.LastAccessedAt, ep.ExtractionState,
		ep.Context.Domain, ep.Context.Language)
	if err != nil {
		return fmt.Errorf("insert episode: %w", err)
	}
	return nil
}

// GetEpisodeTx loads an episode with its ordered steps. Returns
// *models.NotFoundError when absent.
func GetEpisodeTx(ctx context.Context, tx *sql.Tx, id ids.EpisodeID) (*models.Episode, error) {
	ep, version, err := scanEpisodeByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	steps, err := listStepsTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	ep.Steps = steps
	_ = version
	return ep, nil
}

// GetEpisodeStatus reads only an episode's current status, for callers that
// need a cheap terminal-state check (e.g. rejecting a step append) without
// paying for the full episode-plus-steps load GetEpisodeTx does. Returns
// *models.NotFoundError when absent.
func GetEpisodeStatus(ctx context.Context, q Querier, id ids.EpisodeID) (models.EpisodeStatus, error) {
	var status models.EpisodeStatus
	err := q.QueryRowContext(ctx, `SELECT status FROM episodes WHERE id = ?`, id.String()).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", &models.NotFoundError{Entity: "episode", ID: id.String()}
	}
	if err != nil {
		return "", fmt.Errorf("get episode status: %w", err)
	}
	return status, nil
}

func scanEpisodeByID(ctx context.Context, q Querier, id ids.EpisodeID) (*models.Episode, int, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, task_description, context_json, task_type, status, outcome_json,
		       started_at, completed_at, reward_score, last_accessed_at, extraction_state, version
		FROM episodes WHERE id = ?
	`, id.String())
	return scanEpisodeRow(row, id.String())
}

func scanEpisodeRow(row *sql.Row, idStr string) (*models.Episode, int, error) {
	var (
		idStrOut       string
		ctxJSON        string
		outcomeJSON    sql.NullString
		completedAt    sql.NullTime
		version        int
	)
	ep := &models.Episode{}
	err := row.Scan(
		&idStrOut, &ep.TaskDescription, &ctxJSON, &ep.TaskType, &ep.Status, &outcomeJSON,
		&ep.StartedAt, &completedAt, &ep.RewardScore, &ep.LastAccessedAt, &ep.ExtractionState, &version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, &models.NotFoundError{Entity: "episode", ID: idStr}
	}
	if err != nil {
		return nil, 0, fmt.Errorf("scan episode: %w", err)
	}

	parsed, err := ids.ParseEpisodeID(idStrOut)
	if err != nil {
		return nil, 0, &models.SerializationError{Entity: "episode.id", Reason: err.Error()}
	}
	ep.ID = parsed

	if err := json.Unmarshal([]byte(ctxJSON), &ep.Context); err != nil {
		return nil, 0, &models.SerializationError{Entity: "episode.context", Reason: err.Error()}
	}
	if outcomeJSON.Valid {
		var o models.Outcome
		if err := json.Unmarshal([]byte(outcomeJSON.String), &o); err != nil {
			return nil, 0, &models.SerializationError{Entity: "episode.outcome", Reason: err.Error()}
		}
		ep.Outcome = &o
	}
	if completedAt.Valid {
		t := completedAt.Time
		ep.CompletedAt = &t
	}

	return ep, version, nil
}

// UpdateEpisodeStatusTx performs an optimistic-concurrency (version CAS)
// status transition, used by the lifecycle engine's state machine.
func UpdateEpisodeStatusTx(ctx context.Context, tx *sql.Tx, id ids.EpisodeID, newStatus models.EpisodeStatus, expectedVersion int) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE episodes SET status = ?, version = version + 1 WHERE id = ? AND version = ?
	`, newStatus, id.String(), expectedVersion)
	if err != nil {
		return fmt.Errorf("update episode status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if affected == 0 {
		return &models.ConflictError{Entity: "episode", ID: id.String(), Version: expectedVersion}
	}
	return nil
}

// FinalizeEpisodeTx atomically sets outcome, reward_score, completed_at and
// terminal status with a version CAS, failing with *models.ConflictError if
// another writer raced it.
func FinalizeEpisodeTx(ctx context.Context, tx *sql.Tx, id ids.EpisodeID, status models.EpisodeStatus, outcome models.Outcome, rewardScore float64, completedAt time.Time, expectedVersion int) error {
	outcomeJSON, err := json.Marshal(outcome)
	if err != nil {
		return &models.SerializationError{Entity: "episode.outcome", Reason: err.Error()}
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE episodes
		SET status = ?, outcome_json = ?, reward_score = ?, completed_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, status, string(outcomeJSON), rewardScore, completedAt, id.String(), expectedVersion)
	if err != nil {
		return fmt.Errorf("finalize episode: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if affected == 0 {
		return &models.ConflictError{Entity: "episode", ID: id.String(), Version: expectedVersion}
	}
	return nil
}

// TouchLastAccessedTx updates last_accessed_at without bumping version,
// since access tracking is not a content mutation worth CAS-protecting.
func TouchLastAccessedTx(ctx context.Context, tx *sql.Tx, id ids.EpisodeID, when time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE episodes SET last_accessed_at = ?, access_count = access_count + 1 WHERE id = ?`, when, id.String())
	if err != nil {
		return fmt.Errorf("touch last accessed: %w", err)
	}
	return nil
}

// MarkExtractionFailedTx records that pattern extraction exhausted its
// retries for this episode. The episode remains otherwise usable.
func MarkExtractionFailedTx(ctx context.Context, tx *sql.Tx, id ids.EpisodeID) error {
	_, err := tx.ExecContext(ctx, `UPDATE episodes SET extraction_state = 'extraction_failed' WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("mark extraction failed: %w", err)
	}
	return nil
}

// DeleteEpisodesTx cascades to steps (FK) and episode_summaries (FK), all
// within the caller's transaction. It does not touch episode_count; the
// caller updates that row itself.
func DeleteEpisodesTx(ctx context.Context, tx *sql.Tx, victims []ids.EpisodeID) error {
	for _, id := range victims {
		if _, err := tx.ExecContext(ctx, `DELETE FROM episodes WHERE id = ?`, id.String()); err != nil {
			return fmt.Errorf("delete episode %s: %w", id, err)
		}
	}
	return nil
}

// EpisodeFilter narrows the candidate set a retrieval query ranks, per
// spec.md §4.6 step 1 ("filtered index lookup"). Zero-valued fields are
// unconstrained. Tags are not filtered in SQL (they live inside
// context_json); the retrieval engine applies the Jaccard overlap itself
// over the rows this returns.
type EpisodeFilter struct {
	Domain   string
	Language string
	TaskType models.TaskType
	Limit    int
}

// ListEpisodesByFilterTx returns episodes (without steps, for cheap ranking)
// matching filter, most-recently-accessed first, capped at filter.Limit
// (default 200 candidates feeding the retrieval engine's own ranking pass).
func ListEpisodesByFilterTx(ctx context.Context, tx *sql.Tx, filter EpisodeFilter) ([]*models.Episode, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}

	where := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if filter.Domain != "" {
		where = append(where, "domain = ?")
		args = append(args, filter.Domain)
	}
	if filter.Language != "" {
		where = append(where, "language = ?")
		args = append(args, filter.Language)
	}
	if filter.TaskType != "" {
		where = append(where, "task_type = ?")
		args = append(args, string(filter.TaskType))
	}

	query := `
		SELECT id, task_description, context_json, task_type, status, outcome_json,
		       started_at, completed_at, reward_score, last_accessed_at, extraction_state, version
		FROM episodes
	`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY last_accessed_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list episodes by filter: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Episode
	for rows.Next() {
		ep, _, err := scanEpisodeRowsCursor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func scanEpisodeRowsCursor(rows *sql.Rows) (*models.Episode, int, error) {
	var (
		idStrOut    string
		ctxJSON     string
		outcomeJSON sql.NullString
		completedAt sql.NullTime
		version     int
	)
	ep := &models.Episode{}
	err := rows.Scan(
		&idStrOut, &ep.TaskDescription, &ctxJSON, &ep.TaskType, &ep.Status, &outcomeJSON,
		&ep.StartedAt, &completedAt, &ep.RewardScore, &ep.LastAccessedAt, &ep.ExtractionState, &version,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("scan episode row: %w", err)
	}

	parsed, err := ids.ParseEpisodeID(idStrOut)
	if err != nil {
		return nil, 0, &models.SerializationError{Entity: "episode.id", Reason: err.Error()}
	}
	ep.ID = parsed

	if err := json.Unmarshal([]byte(ctxJSON), &ep.Context); err != nil {
		return nil, 0, &models.SerializationError{Entity: "episode.context", Reason: err.Error()}
	}
	if outcomeJSON.Valid {
		var o models.Outcome
		if err := json.Unmarshal([]byte(outcomeJSON.String), &o); err != nil {
			return nil, 0, &models.SerializationError{Entity: "episode.outcome", Reason: err.Error()}
		}
		ep.Outcome = &o
	}
	if completedAt.Valid {
		t := completedAt.Time
		ep.CompletedAt = &t
	}

	return ep, version, nil
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
