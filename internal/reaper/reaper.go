// Package reaper purges terminal job records on a cron schedule once they
// are older than the configured retention.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Registry is the part of jobs.Registry the reaper needs.
type Registry interface {
	Reap(olderThan time.Duration) int
}

type Reaper struct {
	registry  Registry
	retention time.Duration
	schedule  cron.Schedule
	logger    *slog.Logger
	now       func() time.Time
}

// New parses schedule (standard cron or a descriptor such as "@every 10m").
func New(registry Registry, retention time.Duration, schedule string, logger *slog.Logger) (*Reaper, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive")
	}
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid reap schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		registry:  registry,
		retention: retention,
		schedule:  sched,
		logger:    logger.With("component", "reaper"),
		now:       time.Now,
	}, nil
}

// Next returns the next fire time after t.
func (r *Reaper) Next(t time.Time) time.Time {
	return r.schedule.Next(t)
}

// RunOnce reaps immediately and returns how many records were removed.
func (r *Reaper) RunOnce() int {
	n := r.registry.Reap(r.retention)
	if n > 0 {
		r.logger.Info("reaped job records", "count", n, "retention", r.retention)
	}
	return n
}

// Start blocks, reaping on each scheduled tick, until ctx is cancelled.
func (r *Reaper) Start(ctx context.Context) error {
	r.logger.Info("reaper started", "retention", r.retention)
	defer r.logger.Info("reaper stopped")

	for {
		now := r.now()
		next := r.schedule.Next(now)
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			r.RunOnce()
		}
	}
}
