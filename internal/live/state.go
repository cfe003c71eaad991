package live

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Napageneral/nudge/internal/state"
)

const (
	keyStatus        = "status"
	keyLastHeartbeat = "last_heartbeat"
	keyLastError     = "last_error"
	keyRestarts      = "restarts"
	keyLastRunAt     = "last_run_at"
	keyLastRunError  = "last_run_error"
)

// scope namespaces runner keys in job_state.
func scope(runner string) string { return "live." + runner }

func (m *Manager) set(runner, key, value string) {
	if m.DB == nil {
		return
	}
	if err := state.Set(context.Background(), m.DB, scope(runner), key, value); err != nil {
		m.Logger.Debug("failed to record runner state", zap.String("key", key), zap.Error(err))
	}
}

func (m *Manager) setStatus(runner, status string) { m.set(runner, keyStatus, status) }

func (m *Manager) setHeartbeat(runner string, t time.Time) {
	m.set(runner, keyLastHeartbeat, strconv.FormatInt(t.Unix(), 10))
}

func (m *Manager) setError(runner string, err error) {
	m.set(runner, keyLastError, errString(err))
}

func (m *Manager) setLastRun(runner string, t time.Time, err error) {
	m.set(runner, keyLastRunAt, strconv.FormatInt(t.Unix(), 10))
	m.set(runner, keyLastRunError, errString(err))
}

func (m *Manager) incrementRestarts(runner string) {
	if m.DB == nil {
		return
	}
	ctx := context.Background()
	n, err := state.GetInt64(ctx, m.DB, scope(runner), keyRestarts)
	if err != nil {
		return
	}
	_ = state.SetInt64(ctx, m.DB, scope(runner), keyRestarts, n+1)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
