// Package scheduler provides the adapter that runs the cron scheduler loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rechnio/rechnio-go/config"
	"github.com/rechnio/rechnio-go/internal/core"
	"github.com/rechnio/rechnio-go/internal/schedule"
	"github.com/rechnio/rechnio-go/internal/service"
)

// Runner owns the scheduler lifecycle: release runs abandoned by a crashed
// process, replay enabled jobs from the database, start the timer loop, and
// shut it down on context cancellation.
type Runner struct {
	jobs      *service.ScheduledJobService
	scheduler *schedule.Scheduler
	runs      core.JobRunRepository
	config    config.JobRunnerConfig
	replay    bool
	logger    *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	Jobs      *service.ScheduledJobService
	Scheduler *schedule.Scheduler
	Runs      core.JobRunRepository

	Runner        config.JobRunnerConfig
	ReplayOnStart bool
	Logger        *slog.Logger
}

// NewRunner creates a new scheduler runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Jobs == nil || opts.Scheduler == nil {
		return nil, errors.New("scheduled job service and scheduler are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		jobs:      opts.Jobs,
		scheduler: opts.Scheduler,
		runs:      opts.Runs,
		config:    opts.Runner,
		replay:    opts.ReplayOnStart,
		logger:    opts.Logger.With("component", "scheduler_runner"),
	}, nil
}

// Run starts the scheduler and blocks until the context is cancelled.
// Returns nil on graceful shutdown.
func (r *Runner) Run(ctx context.Context) error {
	if r.runs != nil {
		released, err := r.runs.ReleaseStale(ctx, r.config.StaleRunMaxAgeMinutes)
		if err != nil {
			// Stale runs hold the running lock and block re-firing, so surface
			// loudly, but do not refuse to start over them.
			r.logger.ErrorContext(ctx, "release stale runs failed", "error", err)
		} else if released > 0 {
			r.logger.WarnContext(ctx, "released runs abandoned by a previous process", "count", released)
		}
	}

	if r.replay {
		if _, err := r.jobs.ReplayEnabled(ctx); err != nil {
			return fmt.Errorf("replay enabled jobs: %w", err)
		}
	}

	r.scheduler.Start()
	r.logger.InfoContext(ctx, "scheduler started", "registered_jobs", len(r.scheduler.JobIDs()))

	<-ctx.Done()

	r.logger.InfoContext(ctx, "scheduler stopping", "reason", ctx.Err())
	r.scheduler.Shutdown(true)
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}
