// Package state is a small scoped key/value table for runner bookkeeping:
// heartbeats, last errors, restart counts.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

func Get(ctx context.Context, db *sql.DB, scope, key string) (string, bool, error) {
	var v string
	err := db.QueryRowContext(ctx, `SELECT value FROM job_state WHERE scope = ? AND key = ?`, scope, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get job state: %w", err)
	}
	return v, true, nil
}

func Set(ctx context.Context, db *sql.DB, scope, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO job_state (scope, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(scope, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, scope, key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to set job state: %w", err)
	}
	return nil
}

// GetInt64 reads an integer value; missing or unparseable values are 0.
func GetInt64(ctx context.Context, db *sql.DB, scope, key string) (int64, error) {
	v, ok, err := Get(ctx, db, scope, key)
	if err != nil || !ok {
		return 0, err
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n, nil
}

func SetInt64(ctx context.Context, db *sql.DB, scope, key string, v int64) error {
	return Set(ctx, db, scope, key, strconv.FormatInt(v, 10))
}

// All returns every key in scope.
func All(ctx context.Context, db *sql.DB, scope string) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT key, value FROM job_state WHERE scope = ?`, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to list job state: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan job state: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}
