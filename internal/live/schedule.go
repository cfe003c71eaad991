package live

import (
	"context"
	"fmt"
	"time"

	rcron "github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// NewScheduler runs cycle on a cron expression with a leading seconds field,
// e.g. "0 0 7 * * *" for every day at 07:00. Descriptors like "@hourly" are
// accepted too.
func NewScheduler(expr string, heartbeatInterval time.Duration, cycle Cycle, logger *zap.Logger) (WatcherSpec, error) {
	if _, err := parseSchedule(expr); err != nil {
		return WatcherSpec{}, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	log := logger.With(zap.String("runner", RunnerSchedule), zap.String("cron", expr))

	return WatcherSpec{
		Name: RunnerSchedule,
		Run: func(ctx context.Context, beat func()) error {
			c := rcron.New(rcron.WithSeconds())
			id, err := c.AddFunc(expr, func() {
				beat()
				if err := cycle(ctx); err != nil && ctx.Err() == nil {
					log.Error("cycle failed", zap.Error(err))
				}
			})
			if err != nil {
				return fmt.Errorf("register schedule: %w", err)
			}

			c.Start()
			log.Info("schedule started", zap.Time("next", c.Entry(id).Next))

			stopHeartbeat := startHeartbeat(heartbeatInterval, beat)
			defer stopHeartbeat()

			<-ctx.Done()
			// Wait for a cycle in flight to return.
			<-c.Stop().Done()
			return nil
		},
	}, nil
}

func parseSchedule(expr string) (rcron.Schedule, error) {
	parser := rcron.NewParser(rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)
	return parser.Parse(expr)
}

// NextRun returns when expr next fires after from.
func NextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := parseSchedule(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}
