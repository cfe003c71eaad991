// Package report renders the plain-text summary written after each
// processing cycle.
package report

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Napageneral/nudge/internal/aggregate"
	"github.com/Napageneral/nudge/internal/store"
)

const (
	title      = "Nudge Report"
	ruleWidth  = 80
	timeLayout = "2006-01-02 15:04:05"
)

// Input is everything one report shows.
type Input struct {
	GeneratedAt   time.Time
	MessageRunID  int64
	CallRunID     int64
	NewMessages   int
	NewCalls      int
	NeedsReply    []aggregate.Flagged
	Summaries     []store.ContactSummary
	InactiveAfter time.Duration
	// Location used for displayed timestamps; nil means UTC.
	Location *time.Location
}

// Path returns the report file for the day of at.
func Path(dir string, at time.Time) string {
	return filepath.Join(dir, "report_"+at.Format("20060102")+".txt")
}

// Write renders in into dir, replacing any report from the same day.
func Write(dir string, in Input) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create report dir: %w", err)
	}
	path := Path(dir, in.GeneratedAt.In(loc(in)))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create report: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := Render(w, in); err != nil {
		return "", err
	}
	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return path, f.Close()
}

func loc(in Input) *time.Location {
	if in.Location == nil {
		return time.UTC
	}
	return in.Location
}

// Render writes the report text.
func Render(w io.Writer, in Input) error {
	tz := loc(in)
	now := in.GeneratedAt
	var b strings.Builder

	fmt.Fprintf(&b, "%s - %s\n", title, now.In(tz).Format(timeLayout))
	b.WriteString(strings.Repeat("=", ruleWidth) + "\n\n")

	b.WriteString("Processing Statistics:\n")
	fmt.Fprintf(&b, "- Message Run ID: %d\n", in.MessageRunID)
	fmt.Fprintf(&b, "- Call Run ID: %d\n", in.CallRunID)
	fmt.Fprintf(&b, "- New Messages Processed: %s\n", humanize.Comma(int64(in.NewMessages)))
	fmt.Fprintf(&b, "- New Calls Processed: %s\n\n", humanize.Comma(int64(in.NewCalls)))

	fmt.Fprintf(&b, "Messages Needing Replies (%d):\n", len(in.NeedsReply))
	for _, f := range in.NeedsReply {
		fmt.Fprintf(&b, "\nContact: %s\n", label(f.Summary))
		fmt.Fprintf(&b, "Last Message: %s (%s)\n",
			f.LastInboundAt.In(tz).Format(timeLayout), humanize.RelTime(f.LastInboundAt, now, "ago", "from now"))
		b.WriteString("Recent Messages:\n")
		for _, m := range f.Summary.RecentMessages {
			arrow := "←"
			if m.Direction == store.Outbound {
				arrow = "→"
			}
			fmt.Fprintf(&b, "  %s %s %s\n", m.At.In(tz).Format(timeLayout), arrow, m.Body)
		}
	}
	b.WriteString("\n")

	inactive := Inactive(in.Summaries, now, in.InactiveAfter)
	fmt.Fprintf(&b, "\nInactive Contacts (%d+ days) (%d):\n", int(in.InactiveAfter.Hours()/24), len(inactive))
	for _, s := range inactive {
		latest := *s.LatestContact()
		fmt.Fprintf(&b, "- %s: Last contact %d days ago (%s)\n",
			label(s), int(now.Sub(latest).Hours()/24), latest.In(tz).Format(timeLayout))
	}

	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// Inactive returns summaries whose latest contact is older than after,
// most recent first.
func Inactive(summaries []store.ContactSummary, now time.Time, after time.Duration) []store.ContactSummary {
	var out []store.ContactSummary
	for _, s := range summaries {
		latest := s.LatestContact()
		if latest != nil && now.Sub(*latest) > after {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LatestContact().After(*out[j].LatestContact())
	})
	return out
}

func label(s store.ContactSummary) string {
	if s.DisplayName == "" {
		return s.Address
	}
	return fmt.Sprintf("%s (%s)", s.DisplayName, s.Address)
}

// FormatDuration renders a call length, e.g. "3m 5s".
func FormatDuration(seconds int) string {
	switch {
	case seconds <= 0:
		return "no duration"
	case seconds < 60:
		return fmt.Sprintf("%ds", seconds)
	default:
		return fmt.Sprintf("%dm %ds", seconds/60, seconds%60)
	}
}
