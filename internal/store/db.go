package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/d-o-hub/epimem/internal/app"
	_ "modernc.org/sqlite"
)

// CloseDB runs PRAGMA optimize then closes the connection, so the query
// planner's accumulated statistics are persisted before shutdown.
func CloseDB(db *sql.DB) error {
	_, _ = db.ExecContext(context.Background(), "PRAGMA optimize")
	return db.Close()
}

var validCheckpointModes = map[string]bool{
	"PASSIVE":  true,
	"FULL":     true,
	"TRUNCATE": true,
	"RESTART":  true,
}

// CheckpointWAL triggers a WAL checkpoint in the given mode.
func CheckpointWAL(ctx context.Context, db *sql.DB, mode string) error {
	if !validCheckpointModes[mode] {
		return fmt.Errorf("invalid WAL checkpoint mode %q: must be one of PASSIVE, FULL, TRUNCATE, RESTART", mode)
	}
	_, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint("+mode+")")
	return err
}

const defaultBusyTimeoutMS = 5000

// InitDB resolves the durable store location from app.Settings/environment
// and opens it, running migrations.
func InitDB() (*sql.DB, error) {
	dsn, err := app.GetDurableURL()
	if err != nil {
		return nil, err
	}
	return InitDBWithPath(dsn)
}

// OpenDB opens a database connection and configures SQLite pragmas, but does
// not run migrations. Pair with CheckSchemaVersion for production commands
// that must fail fast on a stale schema.
func OpenDB(dsn string) (*sql.DB, error) {
	absPath, err := ensureDirForDB(dsn)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", normalizeSQLiteDSN(absPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single-writer model: one connection serializes all writes; WAL mode
	// lets other processes read concurrently against the same file.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busyTimeout := defaultBusyTimeoutMS
	if v := os.Getenv("EPIMEM_BUSY_TIMEOUT_MS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			busyTimeout = parsed
		}
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout),
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA journal_mode=WAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA mmap_size=67108864",
		"PRAGMA cache_size=-8000",
		"PRAGMA wal_autocheckpoint=1000",
	}

	for _, pragma := range pragmas {
		if err := RetryWithBackoff(context.Background(), func() error {
			_, err := db.ExecContext(context.Background(), pragma)
			return err
		}); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	return db, nil
}

// CheckSchemaVersion returns an error with remediation instructions if
// migrations are pending.
func CheckSchemaVersion(db *sql.DB) error {
	current, latest, err := SchemaVersion(db)
	if err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}
	if current < latest {
		return fmt.Errorf("schema version %d, expected %d: run 'epimem store upgrade' to apply migrations", current, latest)
	}
	return nil
}

// InitDBWithPath opens a database and runs migrations. Used by tests and the
// upgrade command.
func InitDBWithPath(dsn string) (*sql.DB, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, err
	}
	if err := MigrateDB(db, dsn); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

func ensureDirForDB(dsn string) (string, error) {
	if strings.HasPrefix(dsn, "file:") {
		return dsn, nil
	}
	if dsn == ":memory:" {
		return dsn, nil
	}
	return dsn, os.MkdirAll(dirOf(dsn), 0750)
}

func dirOf(path string) string {
	idx := strings.LastIndexByte(path, os.PathSeparator)
	if idx < 0 {
		return "."
	}
	return path[:idx]
}

// normalizeSQLiteDSN appends _txlock=immediate so every BeginTx issues a
// BEGIN IMMEDIATE, avoiding writer starvation under concurrent access.
// In-memory DBs are excluded: IMMEDIATE locking can deadlock when migrations
// run nested queries on the same shared-cache connection.
func normalizeSQLiteDSN(dsn string) string {
	if strings.HasPrefix(dsn, "file:") {
		if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "_txlock=") {
			return dsn
		}
		if strings.Contains(dsn, "?") {
			return dsn + "&_txlock=immediate"
		}
		return dsn + "?_txlock=immediate"
	}

	if dsn == ":memory:" {
		return "file::memory:?cache=shared"
	}

	return "file:" + dsn + "?mode=rwc&_txlock=immediate"
}
