package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/d-o-hub/epimem/internal/models"
	"github.com/d-o-hub/epimem/pkg/ids"
)

// emaLambda is the EMA smoothing factor for confidence updates (spec.md §4.5).
const emaLambda = 0.1

// UpsertPatternTx inserts or updates a pattern by its (kind, canonical
// signature) key, per spec.md §4.5: on insert, occurrences=1 and
// successes/failures reflect the source episode's outcome; on update,
// counters accumulate and confidence is EMA-blended with newSignal.
// episodeID is added to provenance (deduplicated, capped at 256).
func UpsertPatternTx(ctx context.Context, tx *sql.Tx, kind models.PatternKind, signature string, succeeded bool, newSignal float64, ctxBinding models.TaskContext, episodeID string, now time.Time) (*models.Pattern, error) {
	existing, err := getPatternByKindSignatureTx(ctx, tx, kind, signature)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if existing == nil {
		p := &models.Pattern{
			ID:              ids.DeterministicPatternID(string(kind), signature),
			Kind:            kind,
			Signature:       signature,
			Occurrences:     1,
			FirstSeen:       now,
			LastSeen:        now,
			Confidence:      newSignal,
			DecayFactor:     1,
			ContextBindings: []models.TaskContext{ctxBinding},
		}
		if succeeded {
			p.Successes = 1
		} else {
			p.Failures = 1
		}
		p.AddProvenance(episodeID)
		if err := insertPatternTx(ctx, tx, p); err != nil {
			return nil, err
		}
		return p, nil
	}

	// Re-extracting the same completed episode must leave the pattern table
	// unchanged (spec.md §4.5, §8 property 6): if this episode id is already
	// in provenance, this is a replay, not a new occurrence.
	if containsString(existing.Provenance, episodeID) {
		return existing, nil
	}

	existing.Occurrences++
	if succeeded {
		existing.Successes++
	} else {
		existing.Failures++
	}
	existing.LastSeen = now
	existing.Confidence = emaLambda*newSignal + (1-emaLambda)*existing.Confidence
	existing.ContextBindings = appendContextBindingIfNew(existing.ContextBindings, ctxBinding)
	existing.AddProvenance(episodeID)

	if err := updatePatternCountersTx(ctx, tx, existing); err != nil {
		return nil, err
	}
	return existing, nil
}

func containsString(ss []string, target string) bool {
	for _, s := range ss {
		if s == target {
			return true
		}
	}
	return false
}

func getPatternByKindSignatureTx(ctx context.Context, tx *sql.Tx, kind models.PatternKind, signature string) (*models.Pattern, error) {
	row := tx.QueryRowContext(ctx, patternSelectCols+` FROM patterns WHERE kind = ? AND signature_canonical = ?`, kind, signature)
	return scanPatternRow(row)
}

// GetPatternTx loads a pattern by id. Returns *models.NotFoundError when absent.
func GetPatternTx(ctx context.Context, tx *sql.Tx, id ids.PatternID) (*models.Pattern, error) {
	row := tx.QueryRowContext(ctx, patternSelectCols+` FROM patterns WHERE id = ?`, id.String())
	p, err := scanPatternRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "pattern", ID: id.String()}
	}
	return p, err
}

// ListPatternsTx returns patterns with confidence >= minConfidence, ordered
// by confidence descending then id ascending for determinism.
func ListPatternsTx(ctx context.Context, tx *sql.Tx, minConfidence float64, limit int) ([]*models.Pattern, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := tx.QueryContext(ctx, patternSelectCols+`
		FROM patterns WHERE confidence >= ? ORDER BY confidence DESC, id ASC LIMIT ?
	`, minConfidence, limit)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Pattern
	for rows.Next() {
		p, err := scanPatternRowsCursor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountPatternsTx reports the total number of rows in the pattern table,
// for storage_stats reporting where ListPatternsTx's default page size
// would otherwise undercount.
func CountPatternsTx(ctx context.Context, tx *sql.Tx) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM patterns`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count patterns: %w", err)
	}
	return n, nil
}

// DecayPatternsTx multiplies every pattern's confidence by
// exp(-decayRate*elapsedHours) since last_seen, per spec.md §4.5. Patterns
// below confidence 0.05 whose last_seen is older than horizon become
// eligible for deletion and are returned to the caller, not deleted here
// (deletion is a separate, explicit operation).
func DecayPatternsTx(ctx context.Context, tx *sql.Tx, decayRate float64, now time.Time, horizon time.Duration) ([]ids.PatternID, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, confidence, last_seen, version FROM patterns`)
	if err != nil {
		return nil, fmt.Errorf("scan patterns for decay: %w", err)
	}

	type row struct {
		id         string
		confidence float64
		lastSeen   time.Time
		version    int
	}
	var decayRows []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.confidence, &r.lastSeen, &r.version); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan decay row: %w", err)
		}
		decayRows = append(decayRows, r)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	var eligible []ids.PatternID
	for _, r := range decayRows {
		elapsedHours := now.Sub(r.lastSeen).Hours()
		if elapsedHours <= 0 {
			continue
		}
		decayed := r.confidence * math.Exp(-decayRate*elapsedHours)
		if _, err := tx.ExecContext(ctx, `UPDATE patterns SET confidence = ?, version = version + 1 WHERE id = ? AND version = ?`,
			decayed, r.id, r.version); err != nil {
			return nil, fmt.Errorf("apply decay to pattern %s: %w", r.id, err)
		}
		if decayed < 0.05 && now.Sub(r.lastSeen) > horizon {
			pid, err := ids.ParsePatternID(r.id)
			if err != nil {
				continue
			}
			eligible = append(eligible, pid)
		}
	}
	return eligible, nil
}

// DeletePatternsTx removes patterns by id, e.g. those returned eligible by DecayPatternsTx.
func DeletePatternsTx(ctx context.Context, tx *sql.Tx, victims []ids.PatternID) error {
	for _, id := range victims {
		if _, err := tx.ExecContext(ctx, `DELETE FROM patterns WHERE id = ?`, id.String()); err != nil {
			return fmt.Errorf("delete pattern %s: %w", id, err)
		}
	}
	return nil
}

func insertPatternTx(ctx context.Context, tx *sql.Tx, p *models.Pattern) error {
	bindingsJSON, err := json.Marshal(p.ContextBindings)
	if err != nil {
		return &models.SerializationError{Entity: "pattern.context_bindings", Reason: err.Error()}
	}
	provenanceJSON, err := json.Marshal(p.Provenance)
	if err != nil {
		return &models.SerializationError{Entity: "pattern.provenance", Reason: err.Error()}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO patterns (
			id, kind, signature_canonical, occurrences, successes, failures,
			first_seen, last_seen, confidence, decay_factor, context_bindings_json, provenance_json, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`, p.ID.String(), p.Kind, p.Signature, p.Occurrences, p.Successes, p.Failures,
		p.FirstSeen, p.LastSeen, p.Confidence, p.DecayFactor, string(bindingsJSON), string(provenanceJSON))
	if err != nil {
		return fmt.Errorf("insert pattern: %w", err)
	}
	return nil
}

func updatePatternCountersTx(ctx context.Context, tx *sql.Tx, p *models.Pattern) error {
	bindingsJSON, err := json.Marshal(p.ContextBindings)
	if err != nil {
		return &models.SerializationError{Entity: "pattern.context_bindings", Reason: err.Error()}
	}
	provenanceJSON, err := json.Marshal(p.Provenance)
	if err != nil {
		return &models.SerializationError{Entity: "pattern.provenance", Reason: err.Error()}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE patterns
		SET occurrences = ?, successes = ?, failures = ?, last_seen = ?, confidence = ?,
		    context_bindings_json = ?, provenance_json = ?, version = version + 1
		WHERE id = ?
	`, p.Occurrences, p.Successes, p.Failures, p.LastSeen, p.Confidence, string(bindingsJSON), string(provenanceJSON), p.ID.String())
	if err != nil {
		return fmt.Errorf("update pattern counters: %w", err)
	}
	return nil
}

const patternSelectCols = `SELECT id, kind, signature_canonical, occurrences, successes, failures,
	first_seen, last_seen, confidence, decay_factor, context_bindings_json, provenance_json`

func scanPatternRow(row *sql.Row) (*models.Pattern, error) {
	var idStr, bindingsJSON, provenanceJSON string
	p := &models.Pattern{}
	err := row.Scan(&idStr, &p.Kind, &p.Signature, &p.Occurrences, &p.Successes, &p.Failures,
		&p.FirstSeen, &p.LastSeen, &p.Confidence, &p.DecayFactor, &bindingsJSON, &provenanceJSON)
	if err != nil {
		return nil, err
	}
	return finishPatternScan(p, idStr, bindingsJSON, provenanceJSON)
}

func scanPatternRowsCursor(rows *sql.Rows) (*models.Pattern, error) {
	var idStr, bindingsJSON, provenanceJSON string
	p := &models.Pattern{}
	err := rows.Scan(&idStr, &p.Kind, &p.Signature, &p.Occurrences, &p.Successes, &p.Failures,
		&p.FirstSeen, &p.LastSeen, &p.Confidence, &p.DecayFactor, &bindingsJSON, &provenanceJSON)
	if err != nil {
		return nil, fmt.Errorf("scan pattern: %w", err)
	}
	return finishPatternScan(p, idStr, bindingsJSON, provenanceJSON)
}

func finishPatternScan(p *models.Pattern, idStr, bindingsJSON, provenanceJSON string) (*models.Pattern, error) {
	parsed, err := ids.ParsePatternID(idStr)
	if err != nil {
		return nil, &models.SerializationError{Entity: "pattern.id", Reason: err.Error()}
	}
	p.ID = parsed
	if err := json.Unmarshal([]byte(bindingsJSON), &p.ContextBindings); err != nil {
		return nil, &models.SerializationError{Entity: "pattern.context_bindings", Reason: err.Error()}
	}
	if err := json.Unmarshal([]byte(provenanceJSON), &p.Provenance); err != nil {
		return nil, &models.SerializationError{Entity: "pattern.provenance", Reason: err.Error()}
	}
	return p, nil
}

func appendContextBindingIfNew(existing []models.TaskContext, c models.TaskContext) []models.TaskContext {
	for _, e := range existing {
		if e.Domain == c.Domain && e.Language == c.Language && e.Complexity == c.Complexity {
			return existing
		}
	}
	return append(existing, c)
}
