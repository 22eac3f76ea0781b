package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/d-o-hub/epimem/internal/models"
	"github.com/d-o-hub/epimem/pkg/ids"
)

// InsertSummaryTx writes an episode summary. The FK to episodes cascades
// deletion, so callers never need a separate delete for the summary.
func InsertSummaryTx(ctx context.Context, tx *sql.Tx, s *models.EpisodeSummary) error {
	conceptsJSON, err := json.Marshal(s.KeyConcepts)
	if err != nil {
		return &models.SerializationError{Entity: "summary.key_concepts", Reason: err.Error()}
	}
	stepsJSON, err := json.Marshal(s.KeySteps)
	if err != nil {
		return &models.SerializationError{Entity: "summary.key_steps", Reason: err.Error()}
	}

	var embeddingBlob []byte
	if len(s.Embedding) > 0 {
		embeddingBlob, err = embeddingToBlob(s.Embedding)
		if err != nil {
			return &models.SerializationError{Entity: "summary.embedding", Reason: err.Error()}
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO episode_summaries (episode_id, summary_text, key_concepts_json, key_steps_json, embedding_blob, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(episode_id) DO UPDATE SET
			summary_text = excluded.summary_text,
			key_concepts_json = excluded.key_concepts_json,
			key_steps_json = excluded.key_steps_json,
			embedding_blob = excluded.embedding_blob
	`, s.EpisodeID.String(), s.SummaryText, string(conceptsJSON), string(stepsJSON), nullableBytesRaw(embeddingBlob), s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}
	return nil
}

// GetSummaryTx loads a summary by episode id.
func GetSummaryTx(ctx context.Context, tx *sql.Tx, episodeID ids.EpisodeID) (*models.EpisodeSummary, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT episode_id, summary_text, key_concepts_json, key_steps_json, embedding_blob, created_at
		FROM episode_summaries WHERE episode_id = ?
	`, episodeID.String())

	var idStr, conceptsJSON, stepsJSON string
	var embeddingBlob []byte
	s := &models.EpisodeSummary{}
	err := row.Scan(&idStr, &s.SummaryText, &conceptsJSON, &stepsJSON, &embeddingBlob, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Entity: "episode_summary", ID: episodeID.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("scan summary: %w", err)
	}

	parsed, err := ids.ParseEpisodeID(idStr)
	if err != nil {
		return nil, &models.SerializationError{Entity: "summary.episode_id", Reason: err.Error()}
	}
	s.EpisodeID = parsed

	if err := json.Unmarshal([]byte(conceptsJSON), &s.KeyConcepts); err != nil {
		return nil, &models.SerializationError{Entity: "summary.key_concepts", Reason: err.Error()}
	}
	if err := json.Unmarshal([]byte(stepsJSON), &s.KeySteps); err != nil {
		return nil, &models.SerializationError{Entity: "summary.key_steps", Reason: err.Error()}
	}
	if len(embeddingBlob) > 0 {
		emb, err := blobToEmbedding(embeddingBlob)
		if err != nil {
			return nil, &models.SerializationError{Entity: "summary.embedding", Reason: err.Error()}
		}
		s.Embedding = emb
	}

	return s, nil
}

// embeddingSchemaVersion is the first byte of every embedding blob, per
// spec.md §6's wire-format rule: readers refuse unknown versions.
const embeddingSchemaVersion byte = 1

func embeddingToBlob(e models.Embedding) ([]byte, error) {
	buf := make([]byte, 1, 1+len(e)*4)
	buf[0] = embeddingSchemaVersion
	for _, f := range e {
		bits := math.Float32bits(f)
		buf = append(buf, byte(bits), byte(bits>>8), byte(bits>>16), byte(bits>>24))
	}
	return buf, nil
}

func blobToEmbedding(blob []byte) (models.Embedding, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	version := blob[0]
	if version != embeddingSchemaVersion {
		return nil, fmt.Errorf("unsupported embedding schema version %d", version)
	}
	rest := blob[1:]
	if len(rest)%4 != 0 {
		return nil, fmt.Errorf("malformed embedding blob: %d bytes after version", len(rest))
	}
	out := make(models.Embedding, len(rest)/4)
	for i := range out {
		off := i * 4
		bits := uint32(rest[off]) | uint32(rest[off+1])<<8 | uint32(rest[off+2])<<16 | uint32(rest[off+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out, nil
}

func nullableBytesRaw(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
