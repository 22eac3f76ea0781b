package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// GetEpisodeCountTx reads the O(1) episode_count cache row used by
// store_episode_with_capacity to avoid a COUNT(*) scan on every insert.
func GetEpisodeCountTx(ctx context.Context, tx *sql.Tx) (int, error) {
	var v string
	err := tx.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = 'episode_count'`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read episode_count: %w", err)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse episode_count: %w", err)
	}
	return n, nil
}

// SetEpisodeCountTx writes the episode_count cache row.
func SetEpisodeCountTx(ctx context.Context, tx *sql.Tx, n int) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE metadata SET value = ?, updated_at = CURRENT_TIMESTAMP WHERE key = 'episode_count'
	`, strconv.Itoa(n))
	if err != nil {
		return fmt.Errorf("write episode_count: %w", err)
	}
	return nil
}

// AdjustEpisodeCountTx applies delta to the cached episode_count by reading
// the current value and writing it back within the caller's transaction.
func AdjustEpisodeCountTx(ctx context.Context, tx *sql.Tx, delta int) error {
	current, err := GetEpisodeCountTx(ctx, tx)
	if err != nil {
		return err
	}
	return SetEpisodeCountTx(ctx, tx, current+delta)
}

// GetMetadataTx reads an arbitrary metadata row, used by callers outside
// the store package (e.g. the lifecycle engine's duration/step-count
// baselines) that need a place to persist a small piece of durable state
// without a dedicated table. Returns ok=false when the key is absent.
func GetMetadataTx(ctx context.Context, tx *sql.Tx, key string) (value string, ok bool, err error) {
	err = tx.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read metadata %s: %w", key, err)
	}
	return value, true, nil
}

// SetMetadataTx upserts an arbitrary metadata row.
func SetMetadataTx(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO metadata (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	if err != nil {
		return fmt.Errorf("write metadata %s: %w", key, err)
	}
	return nil
}
