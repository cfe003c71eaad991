package db

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Driver names accepted by Open. "sqlite" is the pure-Go modernc driver,
// "sqlite3" the cgo mattn driver.
const (
	DriverModernc = "sqlite"
	DriverCgo     = "sqlite3"
)

// Init creates the database file and applies the schema.
func Init(path, driver string) error {
	db, err := Open(path, driver)
	if err != nil {
		return err
	}
	return db.Close()
}

// Open opens a connection to the database, creating its directory, and
// makes sure the schema exists.
func Open(path, driver string) (*sql.DB, error) {
	if driver == "" {
		driver = DriverModernc
	}
	if driver != DriverModernc && driver != DriverCgo {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open(driver, dsn(path, driver))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Existing installs may not have re-run init.
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return db, nil
}

// dsn carries the pragmas in the connection string so that every pooled
// connection gets them, not only the first one.
// WAL keeps the read API usable while a pipeline run is writing.
// busy_timeout reduces SQLITE_BUSY errors under contention.
func dsn(path, driver string) string {
	pragmas := []string{"journal_mode(WAL)", "synchronous(NORMAL)", "busy_timeout(5000)", "foreign_keys(1)"}
	var params []string
	if driver == DriverCgo {
		params = []string{"_journal_mode=WAL", "_synchronous=NORMAL", "_busy_timeout=5000", "_foreign_keys=on"}
	} else {
		for _, p := range pragmas {
			params = append(params, "_pragma="+p)
		}
	}
	return "file:" + path + "?" + strings.Join(params, "&")
}
