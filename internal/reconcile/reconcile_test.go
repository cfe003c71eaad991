package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Napageneral/nudge/internal/store"
	"github.com/Napageneral/nudge/internal/testutil"
)

type update struct {
	ID     string
	At     time.Time
	Digest string
}

type fakeDirectory struct {
	mu      sync.Mutex
	pages   []Page
	listErr error
	failIDs map[string]bool
	cursors []string
	updates []update
}

func (f *fakeDirectory) ListContacts(_ context.Context, cursor string) (Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors = append(f.cursors, cursor)
	if f.listErr != nil {
		return Page{}, f.listErr
	}
	i := 0
	if cursor != "" {
		i = int(cursor[0] - '0')
	}
	return f.pages[i], nil
}

func (f *fakeDirectory) UpdateContact(_ context.Context, id string, at time.Time, digest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, update{ID: id, At: at, Digest: digest})
	if f.failIDs[id] {
		return errors.New("notion: 502 bad gateway")
	}
	return nil
}

var t0 = time.Date(2025, 2, 14, 18, 30, 0, 0, time.UTC)

func seed(t *testing.T, s *store.Store) {
	t.Helper()
	in := t0
	out := t0.Add(time.Hour)
	call := t0.Add(-time.Hour)
	require.NoError(t, s.ReplaceSummaries(context.Background(), []store.ContactSummary{
		{
			Address:        "+17344476348",
			LastInboundAt:  &in,
			LastOutboundAt: &out,
			RecentMessages: []store.Snapshot{
				{At: in, Direction: store.Inbound, Body: "dinner thursday?"},
				{At: out, Direction: store.Outbound, Body: "yes!"},
			},
			UpdatedAt: t0,
		},
		{Address: "6473341872", LastCallAt: &call, UpdatedAt: t0},
		{Address: "+15550001111", LastInboundAt: &in, UpdatedAt: t0},
		{Address: "+15550002222", UpdatedAt: t0},
	}))
}

func twoPages() []Page {
	return []Page{
		{
			Contacts: []Contact{
				{ID: "page-ada", Name: "Ada", Phones: []string{"+1 734-447-6348", ""}},
			},
			HasMore:    true,
			NextCursor: "1",
		},
		{
			Contacts: []Contact{
				{ID: "page-bob", Name: "Bob", Phones: []string{"", "1 647-334-1872"}},
				{ID: "page-dup", Name: "Dup", Phones: []string{"(734) 447-6348"}},
			},
		},
	}
}

func TestReconcile_MatchesAndCounts(t *testing.T) {
	ctx := context.Background()
	s := store.New(testutil.OpenTestDB(t))
	seed(t, s)
	dir := &fakeDirectory{pages: twoPages(), failIDs: map[string]bool{}}

	res, err := New(s, dir, nil).Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Updated: 2, Unmatched: 1, Skipped: 1, Directory: 3}, res)
	assert.Equal(t, []string{"", "1"}, dir.cursors)

	require.Len(t, dir.updates, 2)
	byID := map[string]update{}
	for _, u := range dir.updates {
		byID[u.ID] = u
	}
	ada := byID["page-ada"]
	assert.True(t, ada.At.Equal(t0.Add(time.Hour)), "latest of inbound, outbound and call")
	assert.Equal(t, "← dinner thursday?\n→ yes!", ada.Digest)
	assert.NotContains(t, byID, "page-dup", "first contact listed keeps a shared number")
	assert.Contains(t, byID, "page-bob")

	all, err := s.ListSummaries(ctx, false)
	require.NoError(t, err)
	refs := map[string]string{}
	for _, c := range all {
		refs[c.Address] = c.ExternalRef
	}
	assert.Equal(t, "page-ada", refs["+17344476348"])
	assert.Equal(t, "page-bob", refs["6473341872"])
	assert.Empty(t, refs["+15550001111"])
}

func TestReconcile_UpdateFailureCountsAsUnmatched(t *testing.T) {
	s := store.New(testutil.OpenTestDB(t))
	seed(t, s)
	dir := &fakeDirectory{pages: twoPages(), failIDs: map[string]bool{"page-ada": true}}

	res, err := New(s, dir, nil).Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 2, res.Unmatched)
	assert.Len(t, dir.updates, 2, "a failed update does not stop the pass")
}

func TestReconcile_FetchFailureAborts(t *testing.T) {
	s := store.New(testutil.OpenTestDB(t))
	seed(t, s)
	dir := &fakeDirectory{listErr: errors.New("unauthorized")}

	_, err := New(s, dir, nil).Reconcile(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDirectoryFetch)
	assert.Empty(t, dir.updates)
}

func TestReconcile_StuckCursorIsFetchError(t *testing.T) {
	s := store.New(testutil.OpenTestDB(t))
	dir := &fakeDirectory{pages: []Page{{HasMore: true}}}

	_, err := New(s, dir, nil).Reconcile(context.Background())
	assert.ErrorIs(t, err, ErrDirectoryFetch)
}

func TestMatch(t *testing.T) {
	index := BuildIndex([]Contact{
		{ID: "a", Phones: []string{"+1 587-817-0076 ::: +1 587-714-2836"}},
	})
	assert.Len(t, index, 2)

	c, ok := Match(index, "5877142836")
	require.True(t, ok)
	assert.Equal(t, "a", c.ID)

	_, ok = Match(index, "790-35")
	assert.False(t, ok)
}

func TestDigest(t *testing.T) {
	assert.Equal(t, "", Digest(nil))
	assert.Equal(t, "← hi\n← ?", Digest([]store.Snapshot{
		{Direction: store.Inbound, Body: "hi"},
		{Direction: store.Unknown, Body: "?"},
	}))
}
