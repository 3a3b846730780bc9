// Package scheduler runs key rotation on a seconds-resolution cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule rotates every four hours on the hour.
const DefaultSchedule = "00 00 */4 * * *"

// Job is invoked on every tick. Its error is logged; the schedule continues.
type Job func(ctx context.Context) error

// Scheduler wraps a cron runner with a single job. Ticks never overlap: a
// tick that fires while the previous run is still going is skipped.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

var parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports whether expr parses as a seconds-first cron expression.
func Validate(expr string) error {
	if _, err := parser.Parse(expr); err != nil {
		return fmt.Errorf("invalid rotation schedule %q: %w", expr, err)
	}
	return nil
}

// New parses expr (seconds field first) and registers job.
func New(expr string, job Job, logger *slog.Logger) (*Scheduler, error) {
	if expr == "" {
		expr = DefaultSchedule
	}
	logger = logger.With("component", "scheduler")
	cronLogger := &slogAdapter{logger: logger}

	c := cron.New(
		cron.WithSeconds(),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{cron: c, logger: logger, ctx: ctx, cancel: cancel}

	_, err := c.AddFunc(expr, func() {
		if err := job(s.ctx); err != nil {
			s.logger.Error("Scheduled rotation failed", "err", err)
		}
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("invalid rotation schedule %q: %w", expr, err)
	}
	return s, nil
}

// Start begins firing in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Rotation scheduler started", "next", s.Next())
}

// Next is the time of the next scheduled tick, zero if not started.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Stop prevents further ticks and waits for a running job until ctx ends.
// The running job's context is cancelled if ctx ends first.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.cancel()
		s.logger.Info("Rotation scheduler stopped")
		return nil
	case <-ctx.Done():
		s.cancel()
		return fmt.Errorf("rotation still running at shutdown: %w", ctx.Err())
	}
}

// slogAdapter satisfies cron.Logger.
type slogAdapter struct {
	logger *slog.Logger
}

func (a *slogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Debug(msg, keysAndValues...)
}

func (a *slogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.logger.Error(msg, append(keysAndValues, "err", err)...)
}
