// Package pipeline runs one processing cycle: locate exports, ingest
// messages and calls, recompute summaries, write the report, reconcile the
// directory and notify.
package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Napageneral/nudge/internal/aggregate"
	"github.com/Napageneral/nudge/internal/backup"
	"github.com/Napageneral/nudge/internal/bus"
	"github.com/Napageneral/nudge/internal/config"
	"github.com/Napageneral/nudge/internal/db"
	"github.com/Napageneral/nudge/internal/ingest"
	"github.com/Napageneral/nudge/internal/ledger"
	"github.com/Napageneral/nudge/internal/reconcile"
	"github.com/Napageneral/nudge/internal/report"
	"github.com/Napageneral/nudge/internal/store"
)

// Notifier delivers the needs-reply digest.
type Notifier interface {
	Notify(ctx context.Context, flagged []aggregate.Flagged) error
}

// Inputs override what a cycle reads and which optional stages run.
type Inputs struct {
	MessagesFile  string
	CallsFile     string
	SkipDirectory bool
	SkipReport    bool
	SkipNotify    bool
}

// StageResult contains the outcome of one stage.
type StageResult struct {
	Stage    string `json:"stage"`
	Success  bool   `json:"success"`
	Skipped  bool   `json:"skipped,omitempty"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

// Result contains the outcome of one cycle.
type Result struct {
	OK           bool                `json:"ok"`
	Message      string              `json:"message,omitempty"`
	MessagesFile string              `json:"messages_file,omitempty"`
	CallsFile    string              `json:"calls_file,omitempty"`
	LowWater     *time.Time          `json:"low_water,omitempty"`
	Messages     ingest.Result       `json:"messages"`
	Calls        ingest.Result       `json:"calls"`
	NeedsReply   []aggregate.Flagged `json:"needs_reply"`
	NewlyFlagged int                 `json:"newly_flagged"`
	ReportPath   string              `json:"report_path,omitempty"`
	Directory    *reconcile.Result   `json:"directory,omitempty"`
	Stages       []StageResult       `json:"stages"`
}

// Runner executes cycles. Cycles never overlap: Run serializes callers.
type Runner struct {
	mu sync.Mutex

	cfg       *config.Config
	logger    *zap.Logger
	directory reconcile.Directory
	notifier  Notifier
	now       func() time.Time
}

type Option func(*Runner)

// WithDirectory enables the reconcile stage.
func WithDirectory(d reconcile.Directory) Option { return func(r *Runner) { r.directory = d } }

// WithNotifier enables the notify stage.
func WithNotifier(n Notifier) Option { return func(r *Runner) { r.notifier = n } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }

func NewRunner(cfg *config.Config, logger *zap.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{cfg: cfg, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the runner's configuration.
func (r *Runner) Config() *config.Config { return r.cfg }

// Run executes one cycle. It returns an error only for fatal failures:
// missing or unreadable exports, storage failures and directory fetch
// failures. Report and notification failures are recorded in Result.
func (r *Runner) Run(ctx context.Context, in Inputs) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := Result{OK: true}
	cfg := r.cfg

	dbPath, err := cfg.DBPath()
	if err != nil {
		return res, err
	}
	conn, err := db.Open(dbPath, cfg.Storage.Driver)
	if err != nil {
		return res, err
	}
	defer conn.Close()

	s := store.New(conn)
	l := ledger.New(conn)
	l.Now = r.now

	stage := func(name string, fn func() error) error {
		start := time.Now()
		err := fn()
		sr := StageResult{Stage: name, Success: err == nil, Duration: time.Since(start).Round(time.Millisecond).String()}
		if err != nil {
			sr.Error = err.Error()
			res.OK = false
			r.logger.Error("stage failed", zap.String("stage", name), zap.Error(err))
		}
		res.Stages = append(res.Stages, sr)
		return err
	}
	skip := func(name string) {
		res.Stages = append(res.Stages, StageResult{Stage: name, Success: true, Skipped: true})
	}

	var messages, calls []ingest.RawRecord
	if err := stage("load", func() error {
		var err error
		if res.MessagesFile, res.CallsFile, err = r.resolveExports(in); err != nil {
			return err
		}
		if messages, err = backup.ParseMessagesFile(res.MessagesFile); err != nil {
			return err
		}
		calls, err = backup.ParseCallsFile(res.CallsFile)
		return err
	}); err != nil {
		return res, err
	}

	if err := stage("ingest", func() error {
		// Both ingestions share one low-water mark so their watermarks line up.
		lowWater, err := l.LastSuccessfulWatermark(ctx)
		if err != nil {
			return err
		}
		res.LowWater = lowWater

		h := cfg.Heuristics
		engine := ingest.NewEngine(s, l, ingest.Options{
			Short:  ingest.NewShortFilter(h.ShortVocabulary, h.ShortMaxWords, h.ShortMaxChars),
			Logger: r.logger,
		})
		if res.Messages, err = engine.IngestMessages(ctx, messages, lowWater); err != nil {
			return err
		}
		res.Calls, err = engine.IngestCalls(ctx, calls, lowWater)
		return err
	}); err != nil {
		return res, err
	}

	if err := stage("aggregate", func() error {
		agg := aggregate.New(s, aggregate.Options{
			Now:               r.now,
			StaleAfter:        cfg.Heuristics.StaleAfter,
			RecentMessages:    cfg.Heuristics.RecentMessages,
			SnapshotBodyChars: cfg.Heuristics.SnapshotBodyChars,
			Logger:            r.logger,
		})
		flagged, err := agg.Recompute(ctx)
		if err != nil {
			return err
		}
		res.NeedsReply = flagged
		for _, f := range flagged {
			if f.New {
				res.NewlyFlagged++
			}
		}
		return nil
	}); err != nil {
		return res, err
	}

	if in.SkipReport {
		skip("report")
	} else {
		_ = stage("report", func() error {
			summaries, err := s.ListSummaries(ctx, false)
			if err != nil {
				return err
			}
			dir, err := cfg.ReportDir()
			if err != nil {
				return err
			}
			res.ReportPath, err = report.Write(dir, report.Input{
				GeneratedAt:   r.now(),
				MessageRunID:  res.Messages.RunID,
				CallRunID:     res.Calls.RunID,
				NewMessages:   res.Messages.NewCount,
				NewCalls:      res.Calls.NewCount,
				NeedsReply:    res.NeedsReply,
				Summaries:     summaries,
				InactiveAfter: cfg.Heuristics.InactiveAfter,
				Location:      time.Local,
			})
			return err
		})
	}

	if in.SkipDirectory || r.directory == nil {
		skip("directory")
	} else if err := stage("directory", func() error {
		dr, err := reconcile.New(s, r.directory, r.logger).Reconcile(ctx)
		res.Directory = &dr
		return err
	}); err != nil {
		return res, err
	}

	if in.SkipNotify || r.notifier == nil {
		skip("notify")
	} else {
		_ = stage("notify", func() error { return r.notifier.Notify(ctx, res.NeedsReply) })
	}

	r.emit(ctx, conn, res)

	res.Message = fmt.Sprintf("%d new messages, %d new calls, %d contacts need a reply",
		res.Messages.NewCount, res.Calls.NewCount, len(res.NeedsReply))
	r.logger.Info("cycle finished",
		zap.Int("new_messages", res.Messages.NewCount),
		zap.Int("new_calls", res.Calls.NewCount),
		zap.Int("needs_reply", len(res.NeedsReply)),
		zap.Int("newly_flagged", res.NewlyFlagged),
	)
	return res, nil
}

// emit records newly flagged contacts and the cycle outcome on the event
// feed. Failures are logged and otherwise ignored.
func (r *Runner) emit(ctx context.Context, conn *sql.DB, res Result) {
	for _, f := range res.NeedsReply {
		if !f.New {
			continue
		}
		err := bus.Emit(ctx, conn, bus.TypeContactFlagged, f.Address, map[string]any{
			"display_name":    f.Summary.DisplayName,
			"last_inbound_at": f.LastInboundAt,
		})
		if err != nil {
			r.logger.Warn("failed to emit event", zap.String("type", bus.TypeContactFlagged), zap.Error(err))
		}
	}
	err := bus.Emit(ctx, conn, bus.TypeCycleFinished, "", map[string]any{
		"ok":             res.OK,
		"message_run_id": res.Messages.RunID,
		"call_run_id":    res.Calls.RunID,
		"new_messages":   res.Messages.NewCount,
		"new_calls":      res.Calls.NewCount,
		"needs_reply":    len(res.NeedsReply),
		"newly_flagged":  res.NewlyFlagged,
	})
	if err != nil {
		r.logger.Warn("failed to emit event", zap.String("type", bus.TypeCycleFinished), zap.Error(err))
	}
}

func (r *Runner) resolveExports(in Inputs) (string, string, error) {
	if in.MessagesFile != "" && in.CallsFile != "" {
		return in.MessagesFile, in.CallsFile, nil
	}
	b := r.cfg.Backup
	latest, err := backup.FindLatest(b.Dir, b.MessagePrefix, b.CallPrefix, b.IncludeTestFiles)
	if err != nil {
		return "", "", err
	}
	r.logger.Info("using exports",
		zap.String("messages", latest.Messages.Name), zap.String("messages_size", latest.Messages.HumanSize()),
		zap.String("calls", latest.Calls.Name), zap.String("calls_size", latest.Calls.HumanSize()),
	)
	msgs, calls := latest.Messages.Path, latest.Calls.Path
	if in.MessagesFile != "" {
		msgs = in.MessagesFile
	}
	if in.CallsFile != "" {
		calls = in.CallsFile
	}
	return msgs, calls, nil
}
