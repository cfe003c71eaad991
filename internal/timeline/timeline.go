// Package timeline groups stored messages and calls into per-day activity.
package timeline

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// DayStats holds the activity of one calendar day.
type DayStats struct {
	Date        string         `json:"date"` // YYYY-MM-DD in the range's location
	Total       int            `json:"total"`
	Messages    int            `json:"messages"`
	Calls       int            `json:"calls"`
	ByDirection map[string]int `json:"by_direction"`
	// ByContact keys on display name, falling back to the address.
	ByContact map[string]int `json:"by_contact"`
}

// Range is a half-open [Start, End) window. Days are cut in Location,
// or UTC when nil.
type Range struct {
	Start    time.Time
	End      time.Time
	Location *time.Location
}

// Query returns one DayStats per day with activity, newest day first.
func Query(ctx context.Context, db *sql.DB, r Range) ([]DayStats, error) {
	loc := r.Location
	if loc == nil {
		loc = time.UTC
	}

	rows, err := db.QueryContext(ctx, `
		SELECT r.kind, r.occurred_at, r.direction, COALESCE(NULLIF(s.display_name, ''), r.address)
		FROM (
			SELECT 'message' AS kind, occurred_at, direction, address FROM messages
			WHERE occurred_at >= ? AND occurred_at < ?
			UNION ALL
			SELECT 'call', occurred_at, direction, address FROM calls
			WHERE occurred_at >= ? AND occurred_at < ?
		) r
		LEFT JOIN contact_summaries s ON s.address = r.address
	`, r.Start.UnixMilli(), r.End.UnixMilli(), r.Start.UnixMilli(), r.End.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query timeline: %w", err)
	}
	defer rows.Close()

	dayMap := make(map[string]*DayStats)
	for rows.Next() {
		var kind, direction, contact string
		var at int64
		if err := rows.Scan(&kind, &at, &direction, &contact); err != nil {
			return nil, fmt.Errorf("failed to scan timeline row: %w", err)
		}

		day := time.UnixMilli(at).In(loc).Format("2006-01-02")
		stats, ok := dayMap[day]
		if !ok {
			stats = &DayStats{
				Date:        day,
				ByDirection: make(map[string]int),
				ByContact:   make(map[string]int),
			}
			dayMap[day] = stats
		}
		stats.Total++
		if kind == "call" {
			stats.Calls++
		} else {
			stats.Messages++
		}
		stats.ByDirection[direction]++
		stats.ByContact[contact]++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating timeline: %w", err)
	}

	result := make([]DayStats, 0, len(dayMap))
	for _, s := range dayMap {
		result = append(result, *s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Date > result[j].Date })
	return result, nil
}

// ParseRange parses "YYYY-MM-DD" (one day), "YYYY-MM" (month) or "YYYY" (year).
func ParseRange(arg string, loc *time.Location) (Range, error) {
	if loc == nil {
		loc = time.UTC
	}
	r := Range{Location: loc}

	if t, err := time.ParseInLocation("2006-01-02", arg, loc); err == nil {
		r.Start = t
		r.End = t.AddDate(0, 0, 1)
		return r, nil
	}
	if t, err := time.ParseInLocation("2006-01", arg, loc); err == nil {
		r.Start = t
		r.End = t.AddDate(0, 1, 0)
		return r, nil
	}
	if t, err := time.ParseInLocation("2006", arg, loc); err == nil {
		r.Start = t
		r.End = t.AddDate(1, 0, 0)
		return r, nil
	}

	return r, fmt.Errorf("invalid date format '%s'. Use YYYY-MM-DD, YYYY-MM, or YYYY", arg)
}

// LastDays covers the n calendar days ending with the day of now.
func LastDays(now time.Time, n int) Range {
	if n < 1 {
		n = 1
	}
	loc := now.Location()
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	return Range{Start: end.AddDate(0, 0, -n), End: end, Location: loc}
}

// Week covers Monday through Sunday of the week containing now.
func Week(now time.Time) Range {
	weekday := int(now.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	monday := now.AddDate(0, 0, -(weekday - 1))
	loc := now.Location()
	start := time.Date(monday.Year(), monday.Month(), monday.Day(), 0, 0, 0, 0, loc)
	return Range{Start: start, End: start.AddDate(0, 0, 7), Location: loc}
}
