package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Napageneral/nudge/internal/aggregate"
	"github.com/Napageneral/nudge/internal/config"
	"github.com/Napageneral/nudge/internal/db"
	"github.com/Napageneral/nudge/internal/ingest"
	"github.com/Napageneral/nudge/internal/ledger"
	"github.com/Napageneral/nudge/internal/live"
	"github.com/Napageneral/nudge/internal/logging"
	"github.com/Napageneral/nudge/internal/notify"
	"github.com/Napageneral/nudge/internal/notion"
	"github.com/Napageneral/nudge/internal/phone"
	"github.com/Napageneral/nudge/internal/pipeline"
	"github.com/Napageneral/nudge/internal/report"
	"github.com/Napageneral/nudge/internal/server"
	"github.com/Napageneral/nudge/internal/store"
	"github.com/Napageneral/nudge/internal/timeline"
)

var (
	version    = "dev"
	commit     = "none"
	buildDate  = "unknown"
	jsonOutput bool
	verbose    bool
	logger     = zap.NewNop()
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "nudge",
		Short: "Find the texts you forgot to answer",
		Long: `Nudge ingests SMS Backup & Restore exports into a local SQLite store,
flags contacts whose last message is still waiting on a reply, and keeps
"last contacted" up to date in a Notion contacts database.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			l, err := logging.New(logging.Options{Verbose: verbose, JSON: jsonOutput})
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			logger = l
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		versionCmd(),
		initCmd(),
		runCmd(),
		reportCmd(),
		threadsCmd(),
		historyCmd(),
		needsReplyCmd(),
		normalizeCmd(),
		statusCmd(),
		timelineCmd(),
		liveCmd(live.RunnerWatch, "Rerun the pipeline whenever a new export lands in the backup dir"),
		liveCmd(live.RunnerSchedule, "Rerun the pipeline on the configured cron schedule"),
		serveCmd(),
	)

	// Errors returned from RunE arrive here after the command's defers ran.
	if err := rootCmd.Execute(); err != nil {
		fail("%v", err)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			} else {
				fmt.Printf("nudge %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize nudge config and database",
		Run: func(cmd *cobra.Command, args []string) {
			type Result struct {
				OK         bool   `json:"ok"`
				Message    string `json:"message,omitempty"`
				ConfigDir  string `json:"config_dir,omitempty"`
				ConfigPath string `json:"config_path,omitempty"`
				DataDir    string `json:"data_dir,omitempty"`
				DBPath     string `json:"db_path,omitempty"`
			}
			result := Result{OK: true}

			configDir, err := config.GetConfigDir()
			if err != nil {
				fail("Failed to get config directory: %v", err)
			}
			result.ConfigDir = configDir
			result.ConfigPath = filepath.Join(configDir, "config.yaml")

			dataDir, err := config.GetDataDir()
			if err != nil {
				fail("Failed to get data directory: %v", err)
			}
			result.DataDir = dataDir

			cfg, err := config.Load()
			if err != nil {
				fail("Failed to load config: %v", err)
			}
			if _, err := os.Stat(result.ConfigPath); os.IsNotExist(err) {
				if err := cfg.Save(); err != nil {
					fail("Failed to write default config: %v", err)
				}
			}

			dbPath, err := cfg.DBPath()
			if err != nil {
				fail("Failed to get database path: %v", err)
			}
			if err := db.Init(dbPath, cfg.Storage.Driver); err != nil {
				fail("Failed to initialize database: %v", err)
			}
			result.DBPath = dbPath
			result.Message = "Nudge initialized"

			if jsonOutput {
				printJSON(result)
				return
			}
			fmt.Println("Nudge initialized")
			fmt.Printf("  Config: %s\n", result.ConfigPath)
			fmt.Printf("  Data:   %s\n", result.DataDir)
			fmt.Printf("  DB:     %s\n", result.DBPath)
			if cfg.Backup.Dir == "" {
				fmt.Println("\nNext: set backup.dir in the config (or NUDGE_BACKUP_DIR) and run 'nudge run'")
			}
		},
	}
}

func runCmd() *cobra.Command {
	var smsFile, callsFile string
	var noSync, noReport, noNotify bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Ingest the latest exports, flag unanswered contacts and sync the directory",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			runner, err := newRunner(cfg)
			if err != nil {
				fail("%v", err)
			}

			ctx, stop := signalContext()
			defer stop()

			res, err := runner.Run(ctx, pipeline.Inputs{
				MessagesFile:  smsFile,
				CallsFile:     callsFile,
				SkipDirectory: noSync,
				SkipReport:    noReport,
				SkipNotify:    noNotify,
			})
			if err != nil {
				res.OK = false
				res.Message = err.Error()
				if jsonOutput {
					printJSON(res)
				} else {
					fmt.Fprintf(os.Stderr, "Error: %s\n", res.Message)
				}
				os.Exit(1)
			}

			if jsonOutput {
				printJSON(res)
				return
			}
			printRunResult(res)
		},
	}

	cmd.Flags().StringVar(&smsFile, "sms", "", "Message export to ingest instead of the newest in backup.dir")
	cmd.Flags().StringVar(&callsFile, "calls", "", "Call export to ingest instead of the newest in backup.dir")
	cmd.Flags().BoolVar(&noSync, "no-sync", false, "Skip the directory sync")
	cmd.Flags().BoolVar(&noReport, "no-report", false, "Skip writing the text report")
	cmd.Flags().BoolVar(&noNotify, "no-notify", false, "Skip the Telegram digest")
	return cmd
}

func printRunResult(res pipeline.Result) {
	fmt.Printf("Messages: %s (%d new, %d already stored, %d malformed)\n",
		filepath.Base(res.MessagesFile), res.Messages.NewCount, res.Messages.Duplicates, res.Messages.Malformed)
	fmt.Printf("Calls:    %s (%d new, %d already stored, %d malformed)\n",
		filepath.Base(res.CallsFile), res.Calls.NewCount, res.Calls.Duplicates, res.Calls.Malformed)
	fmt.Printf("Needs reply: %d (%d new)\n", len(res.NeedsReply), res.NewlyFlagged)
	if res.Directory != nil {
		fmt.Printf("Directory: %d updated, %d unmatched\n", res.Directory.Updated, res.Directory.Unmatched)
	}
	if res.ReportPath != "" {
		fmt.Printf("Report: %s\n", res.ReportPath)
	}
	for _, s := range res.Stages {
		if !s.Success && !s.Skipped {
			fmt.Printf("  ✗ %s: %s\n", s.Stage, s.Error)
		}
	}
}

func reportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Rewrite today's report from the stored summaries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			conn, s := openStore(cfg)
			defer conn.Close()
			ctx := context.Background()

			summaries, err := s.ListSummaries(ctx, false)
			if err != nil {
				return fmt.Errorf("failed to list summaries: %w", err)
			}
			in := report.Input{
				GeneratedAt:   time.Now(),
				Summaries:     summaries,
				InactiveAfter: cfg.Heuristics.InactiveAfter,
				Location:      time.Local,
			}
			for _, c := range summaries {
				if c.NeedsReply && c.LastInboundAt != nil {
					in.NeedsReply = append(in.NeedsReply, flaggedFromSummary(c))
				}
			}

			runs, err := ledger.New(conn).Recent(ctx, 10)
			if err != nil {
				return fmt.Errorf("failed to read runs: %w", err)
			}
			for _, r := range runs {
				if r.Kind == ledger.KindMessages && in.MessageRunID == 0 {
					in.MessageRunID = r.ID
				}
				if r.Kind == ledger.KindCalls && in.CallRunID == 0 {
					in.CallRunID = r.ID
				}
			}
			counts, err := s.CountByRuns(ctx, in.MessageRunID, in.CallRunID)
			if err != nil {
				return fmt.Errorf("failed to count records: %w", err)
			}
			in.NewMessages, in.NewCalls = counts.Messages, counts.Calls

			dir, err := cfg.ReportDir()
			if err != nil {
				return fmt.Errorf("failed to get report directory: %w", err)
			}
			path, err := report.Write(dir, in)
			if err != nil {
				return fmt.Errorf("failed to write report: %w", err)
			}
			if jsonOutput {
				printJSON(map[string]any{"ok": true, "path": path})
				return nil
			}
			fmt.Println(path)
			return nil
		},
	}
}

func threadsCmd() *cobra.Command {
	var offset, limit int
	cmd := &cobra.Command{
		Use:   "threads",
		Short: "List message threads",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			conn, s := openStore(cfg)
			defer conn.Close()

			threads, err := s.ListThreads(context.Background(), offset, limit)
			if err != nil {
				return fmt.Errorf("failed to list threads: %w", err)
			}
			if jsonOutput {
				printJSON(threads)
				return nil
			}
			for _, t := range threads {
				fmt.Printf("%-16s %4d messages  %s → %s\n", t.Address, len(t.Messages),
					t.FirstMessage.Local().Format("2006-01-02"), t.LastMessage.Local().Format("2006-01-02"))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&offset, "offset", 0, "Threads to skip")
	cmd.Flags().IntVar(&limit, "limit", 50, "Threads to return")
	return cmd
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history ADDRESS",
		Short: "Show every message and call with an address, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			conn, s := openStore(cfg)
			defer conn.Close()

			entries, err := s.ContactHistory(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("failed to load history: %w", err)
			}
			if jsonOutput {
				printJSON(entries)
				return nil
			}
			for _, e := range entries {
				at := e.OccurredAt.Local().Format("2006-01-02 15:04")
				if e.Kind == "call" {
					fmt.Printf("%s  ☎ %s call, %s\n", at, ingest.CallTypeDisplay(e.Type), report.FormatDuration(e.DurationSeconds))
					continue
				}
				arrow := "←"
				if e.Direction == store.Outbound {
					arrow = "→"
				}
				fmt.Printf("%s  %s %s\n", at, arrow, e.Body)
			}
			return nil
		},
	}
}

func needsReplyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "needs-reply",
		Short: "List contacts waiting on a reply (as of the last run)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			conn, s := openStore(cfg)
			defer conn.Close()

			summaries, err := s.ListSummaries(context.Background(), true)
			if err != nil {
				return fmt.Errorf("failed to list summaries: %w", err)
			}
			if jsonOutput {
				printJSON(summaries)
				return nil
			}
			if len(summaries) == 0 {
				fmt.Println("Nobody is waiting on you.")
				return nil
			}
			for _, c := range summaries {
				name := c.Address
				if c.DisplayName != "" {
					name = fmt.Sprintf("%s (%s)", c.DisplayName, c.Address)
				}
				since := "unknown"
				if c.LastInboundAt != nil {
					since = humanize.Time(*c.LastInboundAt)
				}
				fmt.Printf("%s, waiting since %s\n", name, since)
				for _, m := range c.RecentMessages {
					arrow := "←"
					if m.Direction == store.Outbound {
						arrow = "→"
					}
					fmt.Printf("    %s %s\n", arrow, m.Body)
				}
			}
			return nil
		},
	}
}

func normalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "normalize RAW...",
		Short: "Show the identifiers a raw phone field normalizes to",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			out := make(map[string][]string, len(args))
			for _, raw := range args {
				ids := phone.Normalize(raw)
				if ids == nil {
					ids = []string{}
				}
				out[raw] = ids
			}
			if jsonOutput {
				printJSON(out)
				return
			}
			for _, raw := range args {
				fmt.Printf("%q → %s\n", raw, strings.Join(out[raw], ", "))
			}
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show stored counts, the ingestion watermark and runner state",
		RunE: func(cmd *cobra.Command, args []string) error {
			type Result struct {
				OK        bool                `json:"ok"`
				DBPath    string              `json:"db_path"`
				Counts    store.Counts        `json:"counts"`
				Flagged   int                 `json:"needs_reply"`
				Watermark *time.Time          `json:"watermark,omitempty"`
				Runs      []ledger.Run        `json:"recent_runs"`
				Runners   []live.RunnerStatus `json:"runners"`
				NextRun   *time.Time          `json:"next_scheduled_run,omitempty"`
			}

			cfg := loadConfig()
			conn, s := openStore(cfg)
			defer conn.Close()
			ctx := context.Background()
			l := ledger.New(conn)

			result := Result{OK: true}
			result.DBPath, _ = cfg.DBPath()
			var err error
			if result.Counts, err = s.CountRecords(ctx); err != nil {
				return fmt.Errorf("failed to count records: %w", err)
			}
			flagged, err := s.FlaggedAddresses(ctx)
			if err != nil {
				return fmt.Errorf("failed to read summaries: %w", err)
			}
			result.Flagged = len(flagged)
			if result.Watermark, err = l.LastSuccessfulWatermark(ctx); err != nil {
				return fmt.Errorf("failed to read watermark: %w", err)
			}
			if result.Runs, err = l.Recent(ctx, 6); err != nil {
				return fmt.Errorf("failed to read runs: %w", err)
			}
			if result.Runners, err = live.GetStatuses(ctx, conn, cfg); err != nil {
				return fmt.Errorf("failed to read runner status: %w", err)
			}
			if cfg.Schedule.Cron != "" {
				if next, err := live.NextRun(cfg.Schedule.Cron, time.Now()); err == nil {
					result.NextRun = &next
				}
			}

			if jsonOutput {
				printJSON(result)
				return nil
			}
			fmt.Printf("Database: %s\n", result.DBPath)
			fmt.Printf("Stored: %s messages, %s calls\n",
				humanize.Comma(int64(result.Counts.Messages)), humanize.Comma(int64(result.Counts.Calls)))
			fmt.Printf("Needs reply: %d\n", result.Flagged)
			if result.Watermark != nil {
				fmt.Printf("Watermark: %s (%s)\n", result.Watermark.Local().Format(time.RFC3339), humanize.Time(*result.Watermark))
			} else {
				fmt.Println("Watermark: none (nothing ingested yet)")
			}
			fmt.Println("\nRecent runs:")
			for _, r := range result.Runs {
				wm := "-"
				if r.Watermark != nil {
					wm = r.Watermark.Local().Format("2006-01-02 15:04")
				}
				fmt.Printf("  #%-4d %-8s %s  watermark %s\n", r.ID, r.Kind, humanize.Time(r.StartedAt), wm)
			}
			fmt.Println("\nRunners:")
			for _, r := range result.Runners {
				st := r.Status
				if st == "" {
					st = "never started"
				}
				fmt.Printf("  %-8s enabled=%-5t %s", r.Runner, r.Enabled, st)
				if r.LastRunError != "" {
					fmt.Printf("  last error: %s", r.LastRunError)
				}
				fmt.Println()
			}
			if result.NextRun != nil {
				fmt.Printf("Next scheduled run: %s\n", result.NextRun.Local().Format(time.RFC1123))
			}
			return nil
		},
	}
}

func timelineCmd() *cobra.Command {
	var days int
	var week bool
	cmd := &cobra.Command{
		Use:   "timeline [YYYY-MM-DD | YYYY-MM | YYYY]",
		Short: "Show messages and calls per day",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			conn, _ := openStore(cfg)
			defer conn.Close()

			now := time.Now()
			r := timeline.LastDays(now, days)
			switch {
			case len(args) == 1:
				var err error
				if r, err = timeline.ParseRange(args[0], time.Local); err != nil {
					return err
				}
			case week:
				r = timeline.Week(now)
			}

			stats, err := timeline.Query(context.Background(), conn, r)
			if err != nil {
				return fmt.Errorf("failed to query timeline: %w", err)
			}
			if jsonOutput {
				printJSON(stats)
				return nil
			}
			if len(stats) == 0 {
				fmt.Println("No activity in range.")
				return nil
			}
			for _, d := range stats {
				fmt.Printf("%s  %3d total  %3d messages  %3d calls  (%d in, %d out)\n",
					d.Date, d.Total, d.Messages, d.Calls, d.ByDirection[string(store.Inbound)], d.ByDirection[string(store.Outbound)])
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "Days to show, ending today")
	cmd.Flags().BoolVar(&week, "week", false, "Show the current week")
	return cmd
}

func liveCmd(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			conn, _ := openStore(cfg)
			defer conn.Close()

			ctx, stop := signalContext()
			defer stop()

			m, err := newManager(conn, cfg)
			if err != nil {
				return err
			}
			return m.Run(ctx, name)
		},
	}
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read API and run the enabled live runners",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			if addr != "" {
				cfg.Server.Addr = addr
			}
			conn, s := openStore(cfg)
			defer conn.Close()

			m, err := newManager(conn, cfg)
			if err != nil {
				return err
			}
			specs, err := m.BuildSpecs()
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			g, gctx := errgroup.WithContext(ctx)
			router := server.NewRouter(&server.Handler{Store: s, Logger: logger}, cfg.Server.AllowedOrigins)
			g.Go(func() error {
				return server.ListenAndServe(gctx, cfg.Server.Addr, router, logger)
			})
			if len(specs) > 0 {
				g.Go(func() error { return m.Run(gctx) })
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config)")
	return cmd
}

func newRunner(cfg *config.Config) (*pipeline.Runner, error) {
	var opts []pipeline.Option
	if cfg.Directory.Enabled {
		dir, err := notion.New(cfg.Directory)
		if err != nil {
			return nil, fmt.Errorf("failed to configure Notion directory: %w", err)
		}
		opts = append(opts, pipeline.WithDirectory(dir))
	}
	if tg := cfg.Notify.Telegram; tg.Enabled {
		n, err := notify.NewTelegram(tg.Token, tg.ChatID, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to configure Telegram: %w", err)
		}
		opts = append(opts, pipeline.WithNotifier(n))
	}
	return pipeline.NewRunner(cfg, logger, opts...), nil
}

func newManager(conn *sql.DB, cfg *config.Config) (*live.Manager, error) {
	runner, err := newRunner(cfg)
	if err != nil {
		return nil, err
	}
	cycle := func(ctx context.Context) error {
		_, err := runner.Run(ctx, pipeline.Inputs{})
		return err
	}
	return live.NewManager(conn, cfg, cycle, logger), nil
}

func flaggedFromSummary(c store.ContactSummary) aggregate.Flagged {
	return aggregate.Flagged{Address: c.Address, LastInboundAt: *c.LastInboundAt, Summary: c}
}

func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		fail("Failed to load config: %v", err)
	}
	return cfg
}

func openStore(cfg *config.Config) (*sql.DB, *store.Store) {
	path, err := cfg.DBPath()
	if err != nil {
		fail("Failed to get database path: %v", err)
	}
	conn, err := db.Open(path, cfg.Storage.Driver)
	if err != nil {
		fail("Failed to open database: %v", err)
	}
	return conn, store.New(conn)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// fail reports an error in the selected output format and exits 1.
func fail(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if jsonOutput {
		printJSON(map[string]any{"ok": false, "message": msg})
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	_ = logger.Sync()
	os.Exit(1)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
