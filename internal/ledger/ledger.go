// Package ledger keeps the append-only run history and derives the
// ingestion watermark from it.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Napageneral/nudge/internal/store"
)

// Kind names what a run ingested.
type Kind string

const (
	KindMessages Kind = "messages"
	KindCalls    Kind = "calls"
)

// Run is one ingestion attempt.
type Run struct {
	ID         int64      `json:"id"`
	Key        string     `json:"key"`
	Kind       Kind       `json:"kind"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Watermark  *time.Time `json:"watermark,omitempty"`
}

type Ledger struct {
	db  *sql.DB
	Now func() time.Time
}

func New(db *sql.DB) *Ledger {
	return &Ledger{db: db, Now: time.Now}
}

// Start records a new run with no watermark.
func (l *Ledger) Start(ctx context.Context, kind Kind) (Run, error) {
	run := Run{
		Key:       uuid.New().String(),
		Kind:      kind,
		StartedAt: l.Now().UTC(),
	}
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO runs (run_key, kind, started_at) VALUES (?, ?, ?)
	`, run.Key, string(kind), run.StartedAt.UnixMilli())
	if err != nil {
		return run, fmt.Errorf("%w: failed to start run: %w", store.ErrStorage, err)
	}
	if run.ID, err = res.LastInsertId(); err != nil {
		return run, fmt.Errorf("%w: failed to read run id: %w", store.ErrStorage, err)
	}
	return run, nil
}

// Finish closes a run. A nil watermark leaves the run's watermark unset so it
// does not contribute to the ledger's high-water mark.
func (l *Ledger) Finish(ctx context.Context, runID int64, watermark *time.Time) error {
	var wm sql.NullInt64
	if watermark != nil {
		wm = sql.NullInt64{Int64: watermark.UnixMilli(), Valid: true}
	}
	_, err := l.db.ExecContext(ctx, `
		UPDATE runs SET finished_at = ?, watermark = COALESCE(?, watermark) WHERE id = ?
	`, l.Now().UTC().UnixMilli(), wm, runID)
	if err != nil {
		return fmt.Errorf("%w: failed to finish run %d: %w", store.ErrStorage, runID, err)
	}
	return nil
}

// LastSuccessfulWatermark returns the highest watermark any run recorded, or
// nil when no run stored anything yet.
func (l *Ledger) LastSuccessfulWatermark(ctx context.Context) (*time.Time, error) {
	var wm sql.NullInt64
	if err := l.db.QueryRowContext(ctx, `SELECT MAX(watermark) FROM runs`).Scan(&wm); err != nil {
		return nil, fmt.Errorf("%w: failed to read watermark: %w", store.ErrStorage, err)
	}
	if !wm.Valid {
		return nil, nil
	}
	t := time.UnixMilli(wm.Int64).UTC()
	return &t, nil
}

// Recent returns the latest runs, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, run_key, kind, started_at, finished_at, watermark
		FROM runs
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list runs: %w", store.ErrStorage, err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var kind string
		var started int64
		var finished, wm sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Key, &kind, &started, &finished, &wm); err != nil {
			return nil, fmt.Errorf("%w: failed to scan run: %w", store.ErrStorage, err)
		}
		r.Kind = Kind(kind)
		r.StartedAt = time.UnixMilli(started).UTC()
		if finished.Valid {
			t := time.UnixMilli(finished.Int64).UTC()
			r.FinishedAt = &t
		}
		if wm.Valid {
			t := time.UnixMilli(wm.Int64).UTC()
			r.Watermark = &t
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to iterate runs: %w", store.ErrStorage, err)
	}
	return out, nil
}
