package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

const DefaultSchedule = "@every 10m"

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Scheduler runs reconciler sweeps on a cron schedule and on demand.
type Scheduler struct {
	rec      *Reconciler
	opts     Options
	schedule cronlib.Schedule
	trigger  chan struct{}
	logger   *slog.Logger
	now      func() time.Time
}

// NewScheduler parses expr (DefaultSchedule when empty).
func NewScheduler(rec *Reconciler, expr string, opts Options, logger *slog.Logger) (*Scheduler, error) {
	if expr == "" {
		expr = DefaultSchedule
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("reconcile: parse schedule %q: %w", expr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		rec:      rec,
		opts:     opts,
		schedule: sched,
		trigger:  make(chan struct{}, 1),
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Trigger requests a sweep as soon as possible. Requests made while one is
// already queued are merged.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Next returns the next scheduled run after t.
func (s *Scheduler) Next(t time.Time) time.Time { return s.schedule.Next(t) }

// Run sweeps at each scheduled time until ctx ends. Sweep errors are logged.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		wait := s.Next(s.now()).Sub(s.now())
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		case <-s.trigger:
			timer.Stop()
		}
		if _, err := s.rec.Sweep(ctx, s.opts); err != nil && ctx.Err() == nil {
			s.logger.Error("reconcile sweep", "err", err)
		}
	}
}
