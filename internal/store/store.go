// Package store is the durable record store: messages, calls and contact
// summaries kept in SQLite. Record ids are the only uniqueness the store
// enforces; an insert of a known id is reported, not treated as a failure.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrStorage wraps every failure coming from the database driver.
var ErrStorage = errors.New("storage failure")

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: failed to %s: %w", ErrStorage, op, err)
}

// Direction of a communication relative to the device owner.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
	Unknown  Direction = "unknown"
)

// Message is one stored SMS/MMS record.
type Message struct {
	ID          string
	Address     string
	OccurredAt  time.Time
	Type        int
	Direction   Direction
	Body        string
	IsShort     bool
	ContactName string
	RunID       int64
}

// Call is one stored call-log record.
type Call struct {
	ID              string
	Address         string
	OccurredAt      time.Time
	Type            int
	Direction       Direction
	DurationSeconds int
	ContactName     string
	RunID           int64
}

// RecordID derives the deterministic id of a record from its source
// timestamp (epoch ms) and counterpart address.
func RecordID(sourceMillis int64, address string) string {
	return fmt.Sprintf("%d_%s", sourceMillis, address)
}

// Store wraps the SQLite handle. It does not own the handle's lifetime.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *sql.DB { return s.db }

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
