package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/faizrhashmi/theautodoctor/internal/config"
	"github.com/robfig/cron/v3"
)

// RunDaemon sweeps once immediately and then on every fire time of the
// 5-field cron schedule until ctx is cancelled. Rule failures are logged by
// Sweep and never stop the loop.
func RunDaemon(ctx context.Context, s *Sweeper, schedule string) error {
	if s == nil {
		return fmt.Errorf("sweep: sweeper is required")
	}
	sched, err := config.ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("sweep: parse schedule %q: %w", schedule, err)
	}

	s.log.WithField("schedule", schedule).Info("sweep: daemon starting")
	defer s.log.Info("sweep: daemon stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		s.Sweep(ctx)
		if !sleepUntilNext(ctx, sched, time.Now()) {
			return nil
		}
	}
}

// sleepUntilNext blocks until the schedule's next fire time after now.
// It returns false if ctx was cancelled first.
func sleepUntilNext(ctx context.Context, sched cron.Schedule, now time.Time) bool {
	d := time.Until(sched.Next(now))
	if d < 0 {
		d = 0
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
