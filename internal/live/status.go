package live

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/Napageneral/nudge/internal/config"
	"github.com/Napageneral/nudge/internal/state"
)

type RunnerStatus struct {
	Runner        string `json:"runner"`
	Enabled       bool   `json:"enabled"`
	Detail        string `json:"detail,omitempty"`
	Status        string `json:"status,omitempty"`
	LastHeartbeat *int64 `json:"last_heartbeat,omitempty"`
	LastError     string `json:"last_error,omitempty"`
	Restarts      int    `json:"restarts,omitempty"`
	LastRunAt     *int64 `json:"last_run_at,omitempty"`
	LastRunError  string `json:"last_run_error,omitempty"`
}

// GetStatuses reports both runners, enabled or not.
func GetStatuses(ctx context.Context, db *sql.DB, cfg *config.Config) ([]RunnerStatus, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	runners := []RunnerStatus{
		{Runner: RunnerWatch, Enabled: cfg.Schedule.Watch, Detail: cfg.Backup.Dir},
		{Runner: RunnerSchedule, Enabled: cfg.Schedule.Cron != "", Detail: cfg.Schedule.Cron},
	}
	for i := range runners {
		values, err := state.All(ctx, db, scope(runners[i].Runner))
		if err != nil {
			return nil, err
		}
		r := &runners[i]
		r.Status = values[keyStatus]
		r.LastError = values[keyLastError]
		r.LastRunError = values[keyLastRunError]
		r.LastHeartbeat = parseUnix(values[keyLastHeartbeat])
		r.LastRunAt = parseUnix(values[keyLastRunAt])
		r.Restarts, _ = strconv.Atoi(values[keyRestarts])
	}
	return runners, nil
}

func parseUnix(v string) *int64 {
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}
