package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Napageneral/nudge/internal/bus"
	"github.com/Napageneral/nudge/internal/ledger"
	"github.com/Napageneral/nudge/internal/store"
	"github.com/Napageneral/nudge/internal/testutil"
)

var t0 = time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)

func seeded(t *testing.T) (*sql.DB, http.Handler) {
	t.Helper()
	ctx := context.Background()
	db := testutil.OpenTestDB(t)
	s := store.New(db)
	run, err := ledger.New(db).Start(ctx, ledger.KindMessages)
	require.NoError(t, err)

	b, err := s.BeginBatch(ctx)
	require.NoError(t, err)
	for i, m := range []store.Message{
		{Address: "+15550000001", OccurredAt: t0, Type: 1, Direction: store.Inbound, Body: "<b>hi</b>"},
		{Address: "+15550000001", OccurredAt: t0.Add(time.Hour), Type: 2, Direction: store.Outbound, Body: "hey"},
		{Address: "+15550000002", OccurredAt: t0.Add(time.Minute), Type: 1, Direction: store.Inbound, Body: "yo"},
	} {
		m.ID = store.RecordID(m.OccurredAt.UnixMilli()+int64(i), m.Address)
		m.RunID = run.ID
		_, err := b.InsertMessage(ctx, m)
		require.NoError(t, err)
	}
	_, err = b.InsertCall(ctx, store.Call{
		ID: "c1", Address: "+15550000001", OccurredAt: t0.Add(30 * time.Minute),
		Type: 3, Direction: store.Inbound, RunID: run.ID,
	})
	require.NoError(t, err)
	require.NoError(t, b.Commit())

	in := t0
	require.NoError(t, s.ReplaceSummaries(ctx, []store.ContactSummary{
		{Address: "+15550000002", LastInboundAt: &in, NeedsReply: true, UpdatedAt: t0},
		{Address: "+15550000001", UpdatedAt: t0},
	}))

	return db, NewRouter(&Handler{Store: s}, []string{"http://localhost:5173"})
}

func get(t *testing.T, h http.Handler, path string, out any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	if out != nil && res.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(res.Body.Bytes(), out))
	}
	return res
}

func TestThreads(t *testing.T) {
	_, h := seeded(t)

	var threads []store.Thread
	res := get(t, h, "/api/threads", &threads)
	require.Equal(t, http.StatusOK, res.Code)
	require.Len(t, threads, 2)
	assert.Equal(t, "+15550000001", threads[0].Address)
	assert.Len(t, threads[0].Messages, 2)

	threads = nil
	get(t, h, "/api/threads?offset=1&limit=1", &threads)
	require.Len(t, threads, 1)
	assert.Equal(t, "+15550000002", threads[0].Address)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/threads?limit=-1", nil).Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/threads?offset=abc", nil).Code)
}

func TestHistory(t *testing.T) {
	_, h := seeded(t)

	var entries []store.HistoryEntry
	res := get(t, h, "/api/history?address=%2B15550000001", &entries)
	require.Equal(t, http.StatusOK, res.Code)
	require.Len(t, entries, 3)
	assert.Equal(t, "message", entries[0].Kind)
	assert.Equal(t, "call", entries[1].Kind)
	assert.Contains(t, res.Body.String(), "<b>hi</b>", "HTML is not escaped")

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/history", nil).Code)

	res = get(t, h, "/api/history?address=nobody", nil)
	assert.Equal(t, http.StatusOK, res.Code)
	assert.JSONEq(t, "[]", res.Body.String())
}

func TestSummaries(t *testing.T) {
	_, h := seeded(t)

	var all []store.ContactSummary
	get(t, h, "/api/summaries", &all)
	assert.Len(t, all, 2)

	var flagged []store.ContactSummary
	get(t, h, "/api/summaries?needs_reply=true", &flagged)
	require.Len(t, flagged, 1)
	assert.Equal(t, "+15550000002", flagged[0].Address)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/summaries?needs_reply=maybe", nil).Code)
}

func TestCORS(t *testing.T) {
	_, h := seeded(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/threads", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	assert.Equal(t, http.StatusNoContent, res.Code)
	assert.Equal(t, "http://localhost:5173", res.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/threads", nil)
	req.Header.Set("Origin", "http://evil.example")
	res = httptest.NewRecorder()
	h.ServeHTTP(res, req)
	assert.Equal(t, http.StatusOK, res.Code)
	assert.Empty(t, res.Header().Get("Access-Control-Allow-Origin"))
}

func TestStorageFailureIs500(t *testing.T) {
	db, h := seeded(t)
	require.NoError(t, db.Close())

	assert.Equal(t, http.StatusInternalServerError, get(t, h, "/api/summaries", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/healthz", nil).Code)
}

func TestMethodNotAllowed(t *testing.T) {
	_, h := seeded(t)
	req := httptest.NewRequest(http.MethodPost, "/api/threads", nil)
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)
	assert.Equal(t, http.StatusMethodNotAllowed, res.Code)
}

func TestEvents(t *testing.T) {
	db, h := seeded(t)
	ctx := context.Background()
	require.NoError(t, bus.Emit(ctx, db, bus.TypeContactFlagged, "+15550000002", nil))
	require.NoError(t, bus.Emit(ctx, db, bus.TypeCycleFinished, "", map[string]int{"new_messages": 3}))

	var events []bus.Event
	require.Equal(t, http.StatusOK, get(t, h, "/api/events", &events).Code)
	require.Len(t, events, 2)
	assert.Equal(t, bus.TypeContactFlagged, events[0].Type)

	events = nil
	get(t, h, "/api/events?after=1", &events)
	require.Len(t, events, 1)
	assert.Equal(t, bus.TypeCycleFinished, events[0].Type)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/events?after=x", nil).Code)
}
