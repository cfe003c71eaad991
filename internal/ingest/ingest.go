// Package ingest stores parsed export records incrementally. Each call opens
// a run in the ledger, skips records at or below the low-water mark, and
// relies on deterministic record ids to make re-ingestion a no-op.
package ingest

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Napageneral/nudge/internal/ledger"
	"github.com/Napageneral/nudge/internal/store"
)

// RawRecord is one parsed export entry, message or call.
type RawRecord struct {
	SourceMillis    int64 // epoch ms; zero when the export had none
	Address         string
	TypeCode        int
	Body            string
	DurationSeconds int
	ContactName     string
	// Problem is set by the reader when an attribute could not be parsed.
	Problem string
}

// Result summarizes one ingestion call.
type Result struct {
	RunID      int64      `json:"run_id"`
	RunKey     string     `json:"run_key"`
	NewCount   int        `json:"new_count"`
	Duplicates int        `json:"duplicates"`
	BelowMark  int        `json:"below_mark"`
	Malformed  int        `json:"malformed"`
	Watermark  *time.Time `json:"watermark,omitempty"`
}

type Options struct {
	Short ShortFilter
	// CommitEvery bounds the size of one write transaction.
	CommitEvery int
	Logger      *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.CommitEvery <= 0 {
		o.CommitEvery = 500
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

type Engine struct {
	store  *store.Store
	ledger *ledger.Ledger
	opts   Options
}

func NewEngine(s *store.Store, l *ledger.Ledger, opts Options) *Engine {
	return &Engine{store: s, ledger: l, opts: opts.withDefaults()}
}

// IngestMessages stores unseen message records under a new run.
func (e *Engine) IngestMessages(ctx context.Context, records []RawRecord, lowWater *time.Time) (Result, error) {
	return e.ingest(ctx, ledger.KindMessages, records, lowWater,
		func(b *store.Batch, id string, at time.Time, r RawRecord, runID int64) (store.InsertOutcome, error) {
			return b.InsertMessage(ctx, store.Message{
				ID:          id,
				Address:     r.Address,
				OccurredAt:  at,
				Type:        r.TypeCode,
				Direction:   MessageDirection(r.TypeCode),
				Body:        r.Body,
				IsShort:     e.opts.Short.IsShort(r.Body),
				ContactName: r.ContactName,
				RunID:       runID,
			})
		})
}

// IngestCalls stores unseen call records under a new run.
func (e *Engine) IngestCalls(ctx context.Context, records []RawRecord, lowWater *time.Time) (Result, error) {
	return e.ingest(ctx, ledger.KindCalls, records, lowWater,
		func(b *store.Batch, id string, at time.Time, r RawRecord, runID int64) (store.InsertOutcome, error) {
			return b.InsertCall(ctx, store.Call{
				ID:              id,
				Address:         r.Address,
				OccurredAt:      at,
				Type:            r.TypeCode,
				Direction:       CallDirection(r.TypeCode),
				DurationSeconds: r.DurationSeconds,
				ContactName:     r.ContactName,
				RunID:           runID,
			})
		})
}

type insertFunc func(b *store.Batch, id string, at time.Time, r RawRecord, runID int64) (store.InsertOutcome, error)

func (e *Engine) ingest(ctx context.Context, kind ledger.Kind, records []RawRecord, lowWater *time.Time, insert insertFunc) (Result, error) {
	log := e.opts.Logger.With(zap.String("kind", string(kind)))

	run, err := e.ledger.Start(ctx, kind)
	if err != nil {
		return Result{}, err
	}
	res := Result{RunID: run.ID, RunKey: run.Key}
	log = log.With(zap.Int64("run_id", run.ID), zap.String("run_key", run.Key))
	if lowWater != nil {
		log.Debug("ingesting above low-water mark", zap.Time("low_water", *lowWater))
	}

	batch, err := e.store.BeginBatch(ctx)
	if err != nil {
		return res, err
	}
	defer func() { _ = batch.Rollback() }()

	var newest time.Time
	pending := 0
	for i, r := range records {
		if reason := malformed(r); reason != "" {
			res.Malformed++
			log.Warn("skipping malformed record", zap.Int("index", i), zap.String("reason", reason))
			continue
		}

		at := time.UnixMilli(r.SourceMillis).UTC()
		if lowWater != nil && !at.After(*lowWater) {
			res.BelowMark++
			continue
		}

		outcome, err := insert(batch, store.RecordID(r.SourceMillis, r.Address), at, r, run.ID)
		if err != nil {
			return res, err
		}
		switch outcome {
		case store.Inserted:
			res.NewCount++
			pending++
			if at.After(newest) {
				newest = at
			}
		case store.AlreadyPresent:
			res.Duplicates++
		}

		if pending >= e.opts.CommitEvery {
			if err := batch.Commit(); err != nil {
				return res, err
			}
			next, err := e.store.BeginBatch(ctx)
			if err != nil {
				return res, err
			}
			batch = next
			pending = 0
		}
	}

	if err := batch.Commit(); err != nil {
		return res, err
	}

	if res.NewCount > 0 {
		res.Watermark = &newest
	}
	if err := e.ledger.Finish(ctx, run.ID, res.Watermark); err != nil {
		return res, err
	}

	log.Info("ingestion finished",
		zap.Int("new", res.NewCount),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("below_mark", res.BelowMark),
		zap.Int("malformed", res.Malformed),
	)
	return res, nil
}

func malformed(r RawRecord) string {
	switch {
	case r.Problem != "":
		return r.Problem
	case r.SourceMillis <= 0:
		return "missing timestamp"
	case strings.TrimSpace(r.Address) == "":
		return "missing address"
	default:
		return ""
	}
}
