package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/d-o-hub/epimem/internal/models"
	"github.com/d-o-hub/epimem/pkg/ids"
)

// AppendStepTx appends step to an episode, enforcing the invariants in
// spec.md §3: the episode must not be terminal, and step.Index must equal
// the next contiguous index. Both are checked and written in one statement
// set inside the caller's transaction, so a concurrent appender racing on
// the same episode loses with *models.ConflictError via the primary key on
// (episode_id, idx).
func AppendStepTx(ctx context.Context, tx *sql.Tx, episodeID ids.EpisodeID, step models.Step) error {
	var status models.EpisodeStatus
	var maxIdx sql.NullInt64
	err := tx.QueryRowContext(ctx, `
		SELECT e.status, (SELECT MAX(idx) FROM steps WHERE episode_id = e.id)
		FROM episodes e WHERE e.id = ?
	`, episodeID.String()).Scan(&status, &maxIdx)
	if err == sql.ErrNoRows {
		return &models.NotFoundError{Entity: "episode", ID: episodeID.String()}
	}
	if err != nil {
		return fmt.Errorf("load episode for step append: %w", err)
	}

	if status.IsTerminal() {
		return &models.InvalidStateError{Entity: "episode", ID: episodeID.String(), State: string(status), Wanted: "non-terminal"}
	}

	nextIdx := 1
	if maxIdx.Valid {
		nextIdx = int(maxIdx.Int64) + 1
	}
	if step.Index != nextIdx {
		return &models.ConflictError{Entity: "episode_step", ID: episodeID.String(), Version: nextIdx}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO steps (episode_id, idx, tool_name, action, output, success, duration_ms, timestamp, observation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, episodeID.String(), step.Index, step.ToolName, step.Action, nullableString(step.Output),
		step.Success, step.DurationMS, step.Timestamp, nullableString(step.Observation))
	if err != nil {
		if isUniqueConstraintErr(err) {
			return &models.ConflictError{Entity: "episode_step", ID: episodeID.String(), Version: step.Index}
		}
		return fmt.Errorf("insert step: %w", err)
	}

	if status == models.EpisodeStatusCreated {
		if _, err := tx.ExecContext(ctx, `UPDATE episodes SET status = ?, version = version + 1 WHERE id = ? AND status = ?`,
			models.EpisodeStatusInProgress, episodeID.String(), models.EpisodeStatusCreated); err != nil {
			return fmt.Errorf("transition episode to in_progress: %w", err)
		}
	}

	return nil
}

// NextStepIndex reports the index the next appended step for episodeID
// must carry: one past the highest persisted index, or 1 if the episode
// has no steps yet. Used to seed a fresh in-memory step buffer so it
// continues the persisted sequence instead of restarting at 1 (the common
// case for a short-lived CLI process logging a step against an episode
// whose earlier steps were buffered and flushed by a previous invocation).
func NextStepIndex(ctx context.Context, q Querier, episodeID ids.EpisodeID) (int, error) {
	var maxIdx sql.NullInt64
	err := q.QueryRowContext(ctx, `SELECT MAX(idx) FROM steps WHERE episode_id = ?`, episodeID.String()).Scan(&maxIdx)
	if err != nil {
		return 0, fmt.Errorf("load next step index: %w", err)
	}
	if !maxIdx.Valid {
		return 1, nil
	}
	return int(maxIdx.Int64) + 1, nil
}

func listStepsTx(ctx context.Context, tx *sql.Tx, episodeID ids.EpisodeID) ([]models.Step, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT idx, tool_name, action, output, success, duration_ms, timestamp, observation
		FROM steps WHERE episode_id = ? ORDER BY idx ASC
	`, episodeID.String())
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var steps []models.Step
	for rows.Next() {
		var s models.Step
		var output, observation sql.NullString
		if err := rows.Scan(&s.Index, &s.ToolName, &s.Action, &output, &s.Success, &s.DurationMS, &s.Timestamp, &observation); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		s.Output = output.String
		s.Observation = observation.String
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
