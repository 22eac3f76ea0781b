package store

import (
	"database/sql"
	"testing"
)

// newTestDB opens a fresh migrated database in a temp directory and returns
// a cleanup func for deferred closing.
func newTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	dir := t.TempDir()
	db, err := InitDBWithPath(dir + "/episodes.db")
	if err != nil {
		t.Fatalf("init test db: %v", err)
	}
	return db, func() { _ = db.Close() }
}
