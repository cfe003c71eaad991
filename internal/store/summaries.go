package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Snapshot is a compact copy of one message kept on a contact summary.
type Snapshot struct {
	At        time.Time `json:"at"`
	Direction Direction `json:"direction"`
	Body      string    `json:"body"`
}

// ContactSummary is the derived per-address view written by the aggregator.
type ContactSummary struct {
	Address        string     `json:"address"`
	DisplayName    string     `json:"display_name,omitempty"`
	LastInboundAt  *time.Time `json:"last_inbound_at,omitempty"`
	LastOutboundAt *time.Time `json:"last_outbound_at,omitempty"`
	LastCallAt     *time.Time `json:"last_call_at,omitempty"`
	RecentMessages []Snapshot `json:"recent_messages"`
	NeedsReply     bool       `json:"needs_reply"`
	ExternalRef    string     `json:"external_ref,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// LatestContact returns the most recent of the summary's timestamps, or nil
// when the summary has none.
func (c ContactSummary) LatestContact() *time.Time {
	var latest *time.Time
	for _, t := range []*time.Time{c.LastInboundAt, c.LastOutboundAt, c.LastCallAt} {
		if t == nil {
			continue
		}
		if latest == nil || t.After(*latest) {
			v := *t
			latest = &v
		}
	}
	return latest
}

// ReplaceSummaries swaps the whole summary table for summaries in one
// transaction. Addresses absent from summaries disappear.
func (s *Store) ReplaceSummaries(ctx context.Context, summaries []ContactSummary) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin summary replace", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM contact_summaries`); err != nil {
		return storageErr("clear summaries", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO contact_summaries (
			address, display_name, last_inbound_at, last_outbound_at, last_call_at,
			recent_messages, needs_reply, external_ref, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return storageErr("prepare summary insert", err)
	}
	defer stmt.Close()

	for _, c := range summaries {
		recent := c.RecentMessages
		if recent == nil {
			recent = []Snapshot{}
		}
		recentJSON, err := json.Marshal(recent)
		if err != nil {
			return fmt.Errorf("failed to marshal recent messages for %s: %w", c.Address, err)
		}
		_, err = stmt.ExecContext(ctx,
			c.Address, nullString(c.DisplayName),
			nullMillis(c.LastInboundAt), nullMillis(c.LastOutboundAt), nullMillis(c.LastCallAt),
			string(recentJSON), c.NeedsReply, nullString(c.ExternalRef), millis(c.UpdatedAt),
		)
		if err != nil {
			return storageErr("insert summary", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit summaries", err)
	}
	return nil
}

// ListSummaries returns summaries, most recent unanswered inbound first.
// With needsReplyOnly set, only flagged addresses are returned.
func (s *Store) ListSummaries(ctx context.Context, needsReplyOnly bool) ([]ContactSummary, error) {
	q := `
		SELECT address, COALESCE(display_name, ''), last_inbound_at, last_outbound_at, last_call_at,
			recent_messages, needs_reply, COALESCE(external_ref, ''), updated_at
		FROM contact_summaries`
	if needsReplyOnly {
		q += ` WHERE needs_reply = 1`
	}
	q += ` ORDER BY last_inbound_at IS NULL, last_inbound_at DESC, address`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, storageErr("query summaries", err)
	}
	defer rows.Close()

	var out []ContactSummary
	for rows.Next() {
		var c ContactSummary
		var inbound, outbound, call sql.NullInt64
		var recent string
		var updated int64
		if err := rows.Scan(&c.Address, &c.DisplayName, &inbound, &outbound, &call,
			&recent, &c.NeedsReply, &c.ExternalRef, &updated); err != nil {
			return nil, storageErr("scan summary", err)
		}
		c.LastInboundAt = timePtr(inbound)
		c.LastOutboundAt = timePtr(outbound)
		c.LastCallAt = timePtr(call)
		c.UpdatedAt = fromMillis(updated)
		if err := json.Unmarshal([]byte(recent), &c.RecentMessages); err != nil {
			return nil, fmt.Errorf("failed to parse recent messages for %s: %w", c.Address, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate summaries", err)
	}
	return out, nil
}

// FlaggedAddresses returns the set of addresses currently marked needs_reply.
func (s *Store) FlaggedAddresses(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT address FROM contact_summaries WHERE needs_reply = 1`)
	if err != nil {
		return nil, storageErr("query flagged addresses", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, storageErr("scan flagged address", err)
		}
		out[addr] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate flagged addresses", err)
	}
	return out, nil
}

// SetExternalRef links a summary to a directory contact.
func (s *Store) SetExternalRef(ctx context.Context, address, ref string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE contact_summaries SET external_ref = ? WHERE address = ?
	`, nullString(ref), address)
	if err != nil {
		return storageErr("set external ref", err)
	}
	return nil
}
