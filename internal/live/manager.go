// Package live keeps the pipeline running: a watcher reruns it when a new
// export lands in the backup directory and a scheduler reruns it on a cron
// expression. Runner status is persisted in the job_state table.
package live

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Napageneral/nudge/internal/config"
)

// Runner names.
const (
	RunnerWatch    = "watch"
	RunnerSchedule = "schedule"
)

// Cycle runs the pipeline once.
type Cycle func(ctx context.Context) error

type WatcherSpec struct {
	Name string
	Run  func(ctx context.Context, beat func()) error
}

type Manager struct {
	DB                *sql.DB
	Config            *config.Config
	Cycle             Cycle
	HeartbeatInterval time.Duration
	RestartBackoff    time.Duration
	Logger            *zap.Logger
}

func NewManager(db *sql.DB, cfg *config.Config, cycle Cycle, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		DB:                db,
		Config:            cfg,
		Cycle:             cycle,
		HeartbeatInterval: 10 * time.Second,
		RestartBackoff:    3 * time.Second,
		Logger:            logger,
	}
}

// Run starts the named runners and blocks until ctx is done.
func (m *Manager) Run(ctx context.Context, names ...string) error {
	specs, err := m.BuildSpecs(names...)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		return fmt.Errorf("no live runners enabled")
	}

	done := make(chan struct{}, len(specs))
	for _, spec := range specs {
		spec := spec
		go func() {
			m.runWatcher(ctx, spec)
			done <- struct{}{}
		}()
	}

	<-ctx.Done()
	for range specs {
		<-done
	}
	return nil
}

func (m *Manager) runWatcher(ctx context.Context, spec WatcherSpec) {
	backoff := m.RestartBackoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	maxBackoff := 30 * time.Second
	log := m.Logger.With(zap.String("runner", spec.Name))

	for {
		if ctx.Err() != nil {
			m.setStatus(spec.Name, "stopped")
			return
		}

		m.setStatus(spec.Name, "running")
		m.setError(spec.Name, nil)
		m.setHeartbeat(spec.Name, time.Now())

		beat := func() { m.setHeartbeat(spec.Name, time.Now()) }

		err := spec.Run(ctx, beat)
		if ctx.Err() != nil {
			m.setStatus(spec.Name, "stopped")
			return
		}

		m.setStatus(spec.Name, "error")
		m.setError(spec.Name, err)
		m.incrementRestarts(spec.Name)
		log.Warn("runner stopped, restarting", zap.Error(err), zap.Duration("backoff", backoff))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			m.setStatus(spec.Name, "stopped")
			return
		}

		backoff = backoff * 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// BuildSpecs returns the requested runners, or every runner enabled in
// config when names is empty.
func (m *Manager) BuildSpecs(names ...string) ([]WatcherSpec, error) {
	if m.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if m.Cycle == nil {
		return nil, fmt.Errorf("cycle is required")
	}

	if len(names) == 0 {
		if m.Config.Schedule.Watch {
			names = append(names, RunnerWatch)
		}
		if m.Config.Schedule.Cron != "" {
			names = append(names, RunnerSchedule)
		}
	}

	var specs []WatcherSpec
	for _, name := range names {
		switch name {
		case RunnerWatch:
			if m.Config.Backup.Dir == "" {
				return nil, fmt.Errorf("backup.dir is required to watch for exports")
			}
			debounce := time.Duration(m.Config.Schedule.DebounceSeconds) * time.Second
			specs = append(specs, NewBackupWatcher(m.Config.Backup.Dir, debounce, m.HeartbeatInterval, m.cycleFor(name), m.Logger))
		case RunnerSchedule:
			spec, err := NewScheduler(m.Config.Schedule.Cron, m.HeartbeatInterval, m.cycleFor(name), m.Logger)
			if err != nil {
				return nil, err
			}
			specs = append(specs, spec)
		default:
			return nil, fmt.Errorf("unknown live runner %q", name)
		}
	}
	return specs, nil
}

// cycleFor wraps the cycle so every run is recorded under the runner.
func (m *Manager) cycleFor(name string) Cycle {
	return func(ctx context.Context) error {
		err := m.Cycle(ctx)
		m.setLastRun(name, time.Now(), err)
		return err
	}
}
