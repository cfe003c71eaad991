package store

import (
	"context"
	"database/sql"
)

// InsertOutcome is the tri-state result of writing one record.
type InsertOutcome int

const (
	InsertFailed InsertOutcome = iota
	Inserted
	AlreadyPresent
)

func (o InsertOutcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case AlreadyPresent:
		return "already_present"
	default:
		return "failed"
	}
}

// Batch groups record inserts into one transaction with prepared statements.
type Batch struct {
	tx         *sql.Tx
	insMessage *sql.Stmt
	insCall    *sql.Stmt
}

// BeginBatch opens a write transaction.
func (s *Store) BeginBatch(ctx context.Context) (*Batch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin batch", err)
	}
	b := &Batch{tx: tx}
	if b.insMessage, err = tx.PrepareContext(ctx, `
		INSERT INTO messages (
			id, address, occurred_at, type, direction, body, is_short, contact_name, run_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`); err != nil {
		_ = tx.Rollback()
		return nil, storageErr("prepare message insert", err)
	}
	if b.insCall, err = tx.PrepareContext(ctx, `
		INSERT INTO calls (
			id, address, occurred_at, type, direction, duration_seconds, contact_name, run_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`); err != nil {
		_ = tx.Rollback()
		return nil, storageErr("prepare call insert", err)
	}
	return b, nil
}

// InsertMessage stores m unless a message with the same id exists.
func (b *Batch) InsertMessage(ctx context.Context, m Message) (InsertOutcome, error) {
	res, err := b.insMessage.ExecContext(ctx,
		m.ID, m.Address, millis(m.OccurredAt), m.Type, string(m.Direction),
		m.Body, m.IsShort, nullString(m.ContactName), m.RunID,
	)
	return outcome(res, err, "insert message")
}

// InsertCall stores c unless a call with the same id exists.
func (b *Batch) InsertCall(ctx context.Context, c Call) (InsertOutcome, error) {
	res, err := b.insCall.ExecContext(ctx,
		c.ID, c.Address, millis(c.OccurredAt), c.Type, string(c.Direction),
		c.DurationSeconds, nullString(c.ContactName), c.RunID,
	)
	return outcome(res, err, "insert call")
}

func outcome(res sql.Result, err error, op string) (InsertOutcome, error) {
	if err != nil {
		return InsertFailed, storageErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return InsertFailed, storageErr(op, err)
	}
	if n == 0 {
		return AlreadyPresent, nil
	}
	return Inserted, nil
}

func (b *Batch) Commit() error {
	if err := b.tx.Commit(); err != nil {
		return storageErr("commit batch", err)
	}
	return nil
}

// Rollback discards the batch. Calling it after Commit is harmless.
func (b *Batch) Rollback() error {
	err := b.tx.Rollback()
	if err == nil || err == sql.ErrTxDone {
		return nil
	}
	return storageErr("rollback batch", err)
}

// EachMessage streams every message ordered by address, time and id.
func (s *Store) EachMessage(ctx context.Context, fn func(Message) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, address, occurred_at, type, direction, COALESCE(body, ''), is_short,
			COALESCE(contact_name, ''), run_id
		FROM messages
		ORDER BY address, occurred_at, id
	`)
	if err != nil {
		return storageErr("query messages", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m Message
		var at int64
		var dir string
		if err := rows.Scan(&m.ID, &m.Address, &at, &m.Type, &dir, &m.Body, &m.IsShort, &m.ContactName, &m.RunID); err != nil {
			return storageErr("scan message", err)
		}
		m.OccurredAt = fromMillis(at)
		m.Direction = Direction(dir)
		if err := fn(m); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return storageErr("iterate messages", err)
	}
	return nil
}

// EachCall streams every call ordered by address, time and id.
func (s *Store) EachCall(ctx context.Context, fn func(Call) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, address, occurred_at, type, direction, duration_seconds,
			COALESCE(contact_name, ''), run_id
		FROM calls
		ORDER BY address, occurred_at, id
	`)
	if err != nil {
		return storageErr("query calls", err)
	}
	defer rows.Close()

	for rows.Next() {
		var c Call
		var at int64
		var dir string
		if err := rows.Scan(&c.ID, &c.Address, &at, &c.Type, &dir, &c.DurationSeconds, &c.ContactName, &c.RunID); err != nil {
			return storageErr("scan call", err)
		}
		c.OccurredAt = fromMillis(at)
		c.Direction = Direction(dir)
		if err := fn(c); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return storageErr("iterate calls", err)
	}
	return nil
}

// Counts holds table sizes.
type Counts struct {
	Messages int `json:"messages"`
	Calls    int `json:"calls"`
}

// CountRecords returns the number of stored messages and calls.
func (s *Store) CountRecords(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM messages), (SELECT COUNT(*) FROM calls)
	`).Scan(&c.Messages, &c.Calls)
	if err != nil {
		return c, storageErr("count records", err)
	}
	return c, nil
}

// CountByRuns returns how many messages and calls the given runs stored.
func (s *Store) CountByRuns(ctx context.Context, runIDs ...int64) (Counts, error) {
	var total Counts
	for _, id := range runIDs {
		var c Counts
		err := s.db.QueryRowContext(ctx, `
			SELECT
				(SELECT COUNT(*) FROM messages WHERE run_id = ?),
				(SELECT COUNT(*) FROM calls WHERE run_id = ?)
		`, id, id).Scan(&c.Messages, &c.Calls)
		if err != nil {
			return total, storageErr("count run records", err)
		}
		total.Messages += c.Messages
		total.Calls += c.Calls
	}
	return total, nil
}
