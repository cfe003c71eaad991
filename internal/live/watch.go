package live

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// NewBackupWatcher reruns cycle once the backup directory has been quiet
// for debounce after an .xml file was created or written. It runs one cycle
// on start.
func NewBackupWatcher(dir string, debounce, heartbeatInterval time.Duration, cycle Cycle, logger *zap.Logger) WatcherSpec {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	log := logger.With(zap.String("runner", RunnerWatch), zap.String("dir", dir))

	return WatcherSpec{
		Name: RunnerWatch,
		Run: func(ctx context.Context, beat func()) error {
			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("create watcher: %w", err)
			}
			defer watcher.Close()

			if err := watcher.Add(dir); err != nil {
				return fmt.Errorf("watch %s: %w", dir, err)
			}
			log.Info("watching for new exports", zap.Duration("debounce", debounce))

			stopHeartbeat := startHeartbeat(heartbeatInterval, beat)
			defer stopHeartbeat()

			runCycle := func() {
				beat()
				if err := cycle(ctx); err != nil && ctx.Err() == nil {
					log.Error("cycle failed", zap.Error(err))
				}
			}
			runCycle()

			timer := time.NewTimer(debounce)
			timer.Stop()
			defer timer.Stop()
			var pending <-chan time.Time

			for {
				select {
				case <-ctx.Done():
					return nil
				case event, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if isExportEvent(event) {
						log.Debug("export changed", zap.String("file", filepath.Base(event.Name)))
						timer.Reset(debounce)
						pending = timer.C
					}
				case <-pending:
					pending = nil
					runCycle()
				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					log.Warn("watch error", zap.Error(err))
				}
			}
		},
	}
}

func isExportEvent(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return false
	}
	return strings.EqualFold(filepath.Ext(event.Name), ".xml")
}
