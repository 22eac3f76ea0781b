package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
)

// BackupTo writes a consistent point-in-time snapshot of the durable store to
// destPath using VACUUM INTO, which also defragments the copy. The source
// database keeps serving reads and writes throughout.
func BackupTo(ctx context.Context, db *sql.DB, destPath string) error {
	if destPath == "" {
		return fmt.Errorf("backup destination path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0750); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination %s already exists", destPath)
	}

	return RetryWithBackoff(ctx, func() error {
		_, err := db.ExecContext(ctx, "VACUUM INTO ?", destPath)
		if err != nil {
			return fmt.Errorf("vacuum into %s: %w", destPath, err)
		}
		return nil
	})
}

// RestoreFrom opens srcPath (a snapshot produced by BackupTo), verifies its
// schema is current, and returns a ready-to-use connection to it at destPath.
// The caller is responsible for closing the returned *sql.DB.
func RestoreFrom(srcPath, destPath string) (*sql.DB, error) {
	if _, err := os.Stat(srcPath); err != nil {
		return nil, fmt.Errorf("backup source %s not found: %w", srcPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0750); err != nil {
		return nil, fmt.Errorf("create restore directory: %w", err)
	}

	data, err := os.ReadFile(srcPath)
	if err != nil {
		return nil, fmt.Errorf("read backup %s: %w", srcPath, err)
	}
	if err := os.WriteFile(destPath, data, 0640); err != nil {
		return nil, fmt.Errorf("write restored database %s: %w", destPath, err)
	}

	db, err := OpenDB(destPath)
	if err != nil {
		return nil, fmt.Errorf("open restored database: %w", err)
	}
	if err := CheckSchemaVersion(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("restored database schema check failed: %w", err)
	}
	return db, nil
}
