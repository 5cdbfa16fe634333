package engine

import (
	"context"
	"time"

	"taskgen/internal/domain"
)

// Runner is the part of Engine the scheduler drives.
type Runner interface {
	Run(ctx context.Context, trigger domain.Trigger) (domain.RunLog, error)
}

// Scheduler is the timer trigger: it runs a cron scan every Interval until
// its context is cancelled. Ticks that arrive while a scan is still running
// are dropped by the ticker.
type Scheduler struct {
	Runner     Runner
	Interval   time.Duration
	RunOnStart bool
}

// Start blocks until ctx is done.
func (s Scheduler) Start(ctx context.Context) {
	if s.Interval <= 0 {
		return
	}
	if s.RunOnStart {
		s.tick(ctx)
	}
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	// Run logs its own failures.
	_, _ = s.Runner.Run(ctx, domain.TriggerCron)
}
