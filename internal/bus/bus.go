// Package bus records pipeline events in an append-only table so that
// readers can follow what each cycle did by sequence number.
package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	TypeContactFlagged = "nudge.contact.flagged"
	TypeCycleFinished  = "nudge.cycle.finished"
)

type Event struct {
	Seq       int64           `json:"seq"`
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Address   *string         `json:"address,omitempty"`
	CreatedAt int64           `json:"created_at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Emit appends one event. address may be empty; payload may be nil.
func Emit(ctx context.Context, db *sql.DB, typ, address string, payload any) error {
	if typ == "" {
		return fmt.Errorf("type is required")
	}

	var addressVal any
	if address != "" {
		addressVal = address
	}
	var payloadVal any
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		payloadVal = string(b)
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO bus_events (id, type, address, created_at, payload_json)
		VALUES (?, ?, ?, ?, ?)
	`, uuid.NewString(), typ, addressVal, time.Now().Unix(), payloadVal)
	if err != nil {
		return fmt.Errorf("failed to insert bus event: %w", err)
	}
	return nil
}

// List returns up to limit events with a sequence number above afterSeq.
func List(ctx context.Context, db *sql.DB, afterSeq int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT seq, id, type, address, created_at, payload_json
		FROM bus_events
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query bus events: %w", err)
	}
	defer rows.Close()

	out := []Event{}
	for rows.Next() {
		var e Event
		var address, payload sql.NullString
		if err := rows.Scan(&e.Seq, &e.ID, &e.Type, &address, &e.CreatedAt, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan bus event: %w", err)
		}
		if address.Valid {
			e.Address = &address.String
		}
		if payload.Valid {
			e.Payload = json.RawMessage(payload.String)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating bus events: %w", err)
	}
	return out, nil
}
