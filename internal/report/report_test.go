package report

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Napageneral/nudge/internal/aggregate"
	"github.com/Napageneral/nudge/internal/store"
)

var now = time.Date(2025, 3, 20, 8, 0, 0, 0, time.UTC)

func ptr(t time.Time) *time.Time { return &t }

func sampleInput() Input {
	in := now.Add(-72 * time.Hour)
	ada := store.ContactSummary{
		Address:       "+17344476348",
		DisplayName:   "Ada",
		LastInboundAt: &in,
		RecentMessages: []store.Snapshot{
			{At: in.Add(-time.Hour), Direction: store.Outbound, Body: "see you soon"},
			{At: in, Direction: store.Inbound, Body: "are we still on?"},
		},
		NeedsReply: true,
	}
	return Input{
		GeneratedAt:  now,
		MessageRunID: 7,
		CallRunID:    8,
		NewMessages:  1200,
		NewCalls:     3,
		NeedsReply:   []aggregate.Flagged{{Address: ada.Address, LastInboundAt: in, Summary: ada}},
		Summaries: []store.ContactSummary{
			ada,
			{Address: "+15550000001", LastCallAt: ptr(now.Add(-45 * 24 * time.Hour))},
			{Address: "+15550000002", LastOutboundAt: ptr(now.Add(-31 * 24 * time.Hour))},
			{Address: "+15550000003"},
		},
		InactiveAfter: 30 * 24 * time.Hour,
	}
}

func TestRender(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, sampleInput()))
	out := buf.String()

	assert.True(t, strings.HasPrefix(out, "Nudge Report - 2025-03-20 08:00:00\n"))
	assert.Contains(t, out, "- New Messages Processed: 1,200\n")
	assert.Contains(t, out, "- Call Run ID: 8\n")
	assert.Contains(t, out, "Messages Needing Replies (1):\n")
	assert.Contains(t, out, "Contact: Ada (+17344476348)\n")
	assert.Contains(t, out, "(3 days ago)")
	assert.Contains(t, out, "  2025-03-17 07:00:00 → see you soon\n")
	assert.Contains(t, out, "  2025-03-17 08:00:00 ← are we still on?\n")
	assert.Contains(t, out, "Inactive Contacts (30+ days) (2):\n")

	first := strings.Index(out, "- +15550000002: Last contact 31 days ago")
	second := strings.Index(out, "- +15550000001: Last contact 45 days ago")
	require.NotEqual(t, -1, first)
	require.NotEqual(t, -1, second)
	assert.Less(t, first, second, "most recent inactive contact first")
}

func TestWrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	path, err := Write(dir, sampleInput())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "report_20250320.txt"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Messages Needing Replies (1)")
}

func TestFormatDuration(t *testing.T) {
	cases := map[int]string{0: "no duration", 42: "42s", 60: "1m 0s", 185: "3m 5s"}
	for in, want := range cases {
		assert.Equal(t, want, FormatDuration(in), "FormatDuration(%d)", in)
	}
}
