package store

import (
	"context"
	"time"
)

// HistoryEntry is one message or call in an address's timeline.
type HistoryEntry struct {
	Kind            string    `json:"kind"`
	ID              string    `json:"id"`
	Address         string    `json:"address"`
	OccurredAt      time.Time `json:"occurred_at"`
	Type            int       `json:"type"`
	Direction       Direction `json:"direction"`
	Body            string    `json:"body,omitempty"`
	DurationSeconds int       `json:"duration_seconds,omitempty"`
	ContactName     string    `json:"contact_name,omitempty"`
}

// ContactHistory returns every record exchanged with address, oldest first.
func (s *Store) ContactHistory(ctx context.Context, address string) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT 'message', id, address, occurred_at, type, direction, COALESCE(body, ''), 0,
			COALESCE(contact_name, '')
		FROM messages WHERE address = ?
		UNION ALL
		SELECT 'call', id, address, occurred_at, type, direction, '', duration_seconds,
			COALESCE(contact_name, '')
		FROM calls WHERE address = ?
		ORDER BY 4, 2
	`, address, address)
	if err != nil {
		return nil, storageErr("query history", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var at int64
		var dir string
		if err := rows.Scan(&e.Kind, &e.ID, &e.Address, &at, &e.Type, &dir, &e.Body, &e.DurationSeconds, &e.ContactName); err != nil {
			return nil, storageErr("scan history", err)
		}
		e.OccurredAt = fromMillis(at)
		e.Direction = Direction(dir)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate history", err)
	}
	return out, nil
}

// ThreadMessage is the minimal message shape exposed per thread.
type ThreadMessage struct {
	Date time.Time `json:"date"`
	Type int       `json:"type"`
}

// Thread groups the messages exchanged with one address.
type Thread struct {
	Address      string          `json:"address"`
	Messages     []ThreadMessage `json:"messages"`
	FirstMessage time.Time       `json:"first_message"`
	LastMessage  time.Time       `json:"last_message"`
}

// ListThreads pages through message threads ordered by their first and then
// last message.
func (s *Store) ListThreads(ctx context.Context, offset, limit int) ([]Thread, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT address, MIN(occurred_at) AS first_message, MAX(occurred_at) AS last_message
		FROM messages
		GROUP BY address
		ORDER BY first_message ASC, last_message ASC, address ASC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, storageErr("query threads", err)
	}

	var threads []Thread
	for rows.Next() {
		var t Thread
		var first, last int64
		if err := rows.Scan(&t.Address, &first, &last); err != nil {
			rows.Close()
			return nil, storageErr("scan thread", err)
		}
		t.FirstMessage = fromMillis(first)
		t.LastMessage = fromMillis(last)
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, storageErr("iterate threads", err)
	}
	rows.Close()

	for i := range threads {
		msgs, err := s.threadMessages(ctx, threads[i].Address)
		if err != nil {
			return nil, err
		}
		threads[i].Messages = msgs
	}
	return threads, nil
}

func (s *Store) threadMessages(ctx context.Context, address string) ([]ThreadMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT occurred_at, type FROM messages WHERE address = ? ORDER BY occurred_at ASC, id ASC
	`, address)
	if err != nil {
		return nil, storageErr("query thread messages", err)
	}
	defer rows.Close()

	var out []ThreadMessage
	for rows.Next() {
		var at int64
		var m ThreadMessage
		if err := rows.Scan(&at, &m.Type); err != nil {
			return nil, storageErr("scan thread message", err)
		}
		m.Date = fromMillis(at)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate thread messages", err)
	}
	return out, nil
}
