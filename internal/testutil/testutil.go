package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/Napageneral/nudge/internal/db"
)

// OpenTestDB opens a throwaway SQLite database with the full schema applied.
// The database is closed when the test finishes.
func OpenTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nudge.db")
	d, err := db.Open(path, db.DriverModernc)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() {
		_ = d.Close()
	})
	return d
}
