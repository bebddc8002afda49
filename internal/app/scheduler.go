/**
 * @description
 * Cron scheduler for housekeeping jobs. Verification expiry is evaluated
 * lazily and has no job here; the only job prunes old security events.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// SecurityEventPruner deletes security events older than a cutoff.
type SecurityEventPruner interface {
	DeleteSecurityEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	events    SecurityEventPruner
	retention time.Duration
	clock     Clock
	logger    *slog.Logger
}

// NewJobs creates a new Jobs runner.
func NewJobs(events SecurityEventPruner, retention time.Duration, clock Clock, logger *slog.Logger) *Jobs {
	if clock == nil {
		clock = SystemClock
	}
	return &Jobs{
		events:    events,
		retention: retention,
		clock:     clock,
		logger:    logger,
	}
}

// PruneSecurityEvents removes events past the retention window.
func (j *Jobs) PruneSecurityEvents() {
	if j.retention <= 0 {
		return
	}
	j.logger.Info("starting security event retention job")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	cutoff := j.clock.Now().Add(-j.retention)
	removed, err := j.events.DeleteSecurityEventsBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("failed to prune security events", "cutoff", cutoff, "error", err)
		return
	}

	j.logger.Info("security event retention job finished", "removed", removed, "cutoff", cutoff)
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron     *cron.Cron
	jobs     *Jobs
	logger   *slog.Logger
	schedule string
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, schedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:     c,
		jobs:     jobs,
		logger:   logger,
		schedule: schedule,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.jobs.PruneSecurityEvents); err != nil {
		s.logger.Error("failed to schedule security event retention job", "error", err)
		return err
	}
	s.logger.Info("scheduled security event retention job", "schedule", s.schedule)

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
