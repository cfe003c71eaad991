package ingest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"modernc.org/sqlite"

	"github.com/Napageneral/nudge/internal/db"
	"github.com/Napageneral/nudge/internal/ledger"
	"github.com/Napageneral/nudge/internal/store"
	"github.com/Napageneral/nudge/internal/testutil"
)

var base = time.Date(2025, 2, 10, 12, 0, 0, 0, time.UTC)

func ms(offset time.Duration) int64 {
	return base.Add(offset).UnixMilli()
}

func newEngine(t *testing.T, opts Options) (*Engine, *store.Store, *ledger.Ledger) {
	t.Helper()
	db := testutil.OpenTestDB(t)
	s := store.New(db)
	l := ledger.New(db)
	opts.Short = NewShortFilter([]string{"ok", "thanks"}, 2, 5)
	return NewEngine(s, l, opts), s, l
}

func sampleMessages() []RawRecord {
	return []RawRecord{
		{SourceMillis: ms(0), Address: "+15551230001", TypeCode: 1, Body: "are you around this weekend?"},
		{SourceMillis: ms(time.Hour), Address: "+15551230001", TypeCode: 2, Body: "yes"},
		{SourceMillis: ms(2 * time.Hour), Address: "+15551230002", TypeCode: 1, Body: "ok"},
	}
}

func TestIngestMessages_Idempotent(t *testing.T) {
	ctx := context.Background()
	e, s, l := newEngine(t, Options{})

	first, err := e.IngestMessages(ctx, sampleMessages(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, first.NewCount)
	require.NotNil(t, first.Watermark)
	assert.True(t, first.Watermark.Equal(base.Add(2*time.Hour)))
	assert.NotEmpty(t, first.RunKey)

	second, err := e.IngestMessages(ctx, sampleMessages(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, second.NewCount)
	assert.Equal(t, 3, second.Duplicates)
	assert.Nil(t, second.Watermark)

	counts, err := s.CountRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Messages)

	wm, err := l.LastSuccessfulWatermark(ctx)
	require.NoError(t, err)
	require.NotNil(t, wm)
	assert.True(t, wm.Equal(base.Add(2*time.Hour)), "empty run must not move the watermark")

	runs, err := l.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Nil(t, runs[0].Watermark)
}

func TestIngestMessages_DerivesFields(t *testing.T) {
	ctx := context.Background()
	e, s, _ := newEngine(t, Options{})

	res, err := e.IngestMessages(ctx, sampleMessages(), nil)
	require.NoError(t, err)

	var got []store.Message
	require.NoError(t, s.EachMessage(ctx, func(m store.Message) error {
		got = append(got, m)
		return nil
	}))
	require.Len(t, got, 3)

	assert.Equal(t, store.RecordID(ms(0), "+15551230001"), got[0].ID)
	assert.Equal(t, store.Inbound, got[0].Direction)
	assert.False(t, got[0].IsShort)
	assert.Equal(t, res.RunID, got[0].RunID)
	assert.Equal(t, store.Outbound, got[1].Direction)
	assert.True(t, got[1].IsShort)
	assert.True(t, got[2].IsShort)
}

func TestIngest_DuplicatesWithinBatch(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newEngine(t, Options{})

	recs := append(sampleMessages(), sampleMessages()[0])
	res, err := e.IngestMessages(ctx, recs, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.NewCount)
	assert.Equal(t, 1, res.Duplicates)
}

func TestIngest_LowWaterMark(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newEngine(t, Options{})

	mark := base.Add(time.Hour)
	res, err := e.IngestMessages(ctx, sampleMessages(), &mark)
	require.NoError(t, err)
	assert.Equal(t, 1, res.NewCount, "records at or below the mark are skipped")
	assert.Equal(t, 2, res.BelowMark)
}

func TestIngest_MalformedRecordsAreLoggedAndSkipped(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zap.WarnLevel)
	e, _, _ := newEngine(t, Options{Logger: zap.New(core)})

	recs := []RawRecord{
		{SourceMillis: 0, Address: "+15551230001", TypeCode: 1},
		{SourceMillis: ms(0), Address: "  ", TypeCode: 1},
		{SourceMillis: ms(0), Address: "+15551230003", Problem: `invalid type "x"`},
		{SourceMillis: ms(time.Minute), Address: "+15551230004", TypeCode: 3, DurationSeconds: 0},
	}
	res, err := e.IngestCalls(ctx, recs, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.NewCount)
	assert.Equal(t, 3, res.Malformed)
	assert.Equal(t, 3, logs.FilterMessage("skipping malformed record").Len())
}

func TestIngestCalls_CommitsInChunks(t *testing.T) {
	ctx := context.Background()
	e, s, _ := newEngine(t, Options{CommitEvery: 2})

	var recs []RawRecord
	for i := 0; i < 5; i++ {
		recs = append(recs, RawRecord{
			SourceMillis:    ms(time.Duration(i) * time.Minute),
			Address:         "+15551230009",
			TypeCode:        2,
			DurationSeconds: 30 * i,
		})
	}
	res, err := e.IngestCalls(ctx, recs, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, res.NewCount)
	require.NotNil(t, res.Watermark)
	assert.True(t, res.Watermark.Equal(base.Add(4*time.Minute)))

	counts, err := s.CountByRuns(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.Counts{Calls: 5}, counts)
}

func TestIngest_StorageFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	e, s, _ := newEngine(t, Options{})
	require.NoError(t, s.DB().Close())

	_, err := e.IngestMessages(ctx, sampleMessages(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrStorage))
}

// failingBeginDriver wraps the sqlite driver and fails the failAt-th
// transaction begin.
type failingBeginDriver struct {
	inner  driver.Driver
	begins atomic.Int32
	failAt atomic.Int32
}

func (d *failingBeginDriver) Open(name string) (driver.Conn, error) {
	c, err := d.inner.Open(name)
	if err != nil {
		return nil, err
	}
	return &failingBeginConn{Conn: c, d: d}, nil
}

type failingBeginConn struct {
	driver.Conn
	d *failingBeginDriver
}

func (c *failingBeginConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if c.d.begins.Add(1) == c.d.failAt.Load() {
		return nil, errors.New("disk unavailable")
	}
	if b, ok := c.Conn.(driver.ConnBeginTx); ok {
		return b.BeginTx(ctx, opts)
	}
	return c.Conn.Begin()
}

var (
	failingBegin     = &failingBeginDriver{inner: &sqlite.Driver{}}
	registerFailOnce sync.Once
)

func TestIngest_BeginFailureAfterCommitIsFatal(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nudge.db")
	require.NoError(t, db.Init(path, db.DriverModernc))

	registerFailOnce.Do(func() { sql.Register("sqlite_failing_begin", failingBegin) })
	failingBegin.begins.Store(0)
	failingBegin.failAt.Store(2)

	conn, err := sql.Open("sqlite_failing_begin", "file:"+path+"?_pragma=foreign_keys(1)")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	s := store.New(conn)
	e := NewEngine(s, ledger.New(conn), Options{CommitEvery: 1})

	_, err = e.IngestMessages(ctx, sampleMessages()[:2], nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrStorage))

	// The chunk committed before the failure stays stored.
	counts, err := s.CountRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.Counts{Messages: 1}, counts)
}
