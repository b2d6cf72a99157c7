package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rechnio/rechnio-go/internal/core"
	"github.com/rechnio/rechnio-go/internal/domain/model"
	"github.com/rechnio/rechnio-go/internal/schedule"
	"github.com/rechnio/rechnio-go/internal/storage"
)

// ErrTriggerRejected means the manual trigger queue is saturated or the job
// already has an execution in flight.
var ErrTriggerRejected = errors.New("trigger rejected")

// ErrJobDisabled means the job must be enabled before it can be triggered.
var ErrJobDisabled = errors.New("job is disabled")

// TriggerQueue is the bounded worker pool manual triggers run on.
type TriggerQueue interface {
	// Submit enqueues fn; returns an error when the queue is full.
	Submit(fn func(ctx context.Context)) error
}

// ScheduledJobOptions groups dependencies for ScheduledJobService.
type ScheduledJobOptions struct {
	Repo      core.ScheduledJobRepository
	Scheduler *schedule.Scheduler
	Runner    *JobRunnerService

	// Triggers is optional; without it manual triggers run inline.
	Triggers TriggerQueue
	Logger   *slog.Logger
}

// ScheduledJobService owns the lifecycle of scheduled validation jobs: CRUD
// against the repository and the matching trigger registrations on the
// in-process scheduler.
type ScheduledJobService struct {
	repo      core.ScheduledJobRepository
	scheduler *schedule.Scheduler
	runner    *JobRunnerService
	triggers  TriggerQueue
	logger    *slog.Logger
}

// NewScheduledJobService constructs a new ScheduledJobService.
func NewScheduledJobService(opts ScheduledJobOptions) (*ScheduledJobService, error) {
	if opts.Repo == nil || opts.Scheduler == nil || opts.Runner == nil {
		return nil, errors.New("repository, scheduler and runner are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ScheduledJobService{
		repo:      opts.Repo,
		scheduler: opts.Scheduler,
		runner:    opts.Runner,
		triggers:  opts.Triggers,
		logger:    opts.Logger.With("component", "scheduled_jobs"),
	}, nil
}

// callback builds the scheduler job body for one job id.
func (s *ScheduledJobService) callback(jobID string) schedule.Callback {
	return func(ctx context.Context) {
		if err := s.runner.Run(ctx, jobID); err != nil {
			// Run already persisted the failure; this is operator visibility only.
			s.logger.ErrorContext(ctx, "scheduled run failed", "job_id", jobID, "error", err)
		}
	}
}

// Create validates the schedule, persists the job and registers its trigger.
func (s *ScheduledJobService) Create(ctx context.Context, req model.CreateScheduledJobRequest) (*model.ScheduledJob, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if _, err := schedule.Parse(req.CronExpr, req.Timezone); err != nil {
		return nil, err
	}

	job, err := s.repo.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	if job.Enabled {
		if err := s.register(job); err != nil {
			return nil, err
		}
	}
	s.logger.InfoContext(ctx, "job created", "job_id", job.ID, "cron", job.CronExpr, "timezone", job.Timezone)
	return job, nil
}

// Update applies a partial update and reconciles the trigger registration.
// Schedule changes are validated against the effective expression and
// timezone before anything is persisted.
func (s *ScheduledJobService) Update(ctx context.Context, id string, req model.UpdateScheduledJobRequest) (*model.ScheduledJob, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if req.CronExpr != nil || req.Timezone != nil {
		current, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		expr, tz := current.CronExpr, current.Timezone
		if req.CronExpr != nil {
			expr = *req.CronExpr
		}
		if req.Timezone != nil {
			tz = *req.Timezone
		}
		if _, err := schedule.Parse(expr, tz); err != nil {
			return nil, err
		}
	}

	job, err := s.repo.Update(ctx, id, req)
	if err != nil {
		return nil, err
	}

	if job.Enabled {
		// Re-registration replaces the previous trigger atomically.
		if err := s.register(job); err != nil {
			return nil, err
		}
	} else {
		s.scheduler.RemoveJob(job.ID)
	}
	return job, nil
}

func (s *ScheduledJobService) register(job *model.ScheduledJob) error {
	err := s.scheduler.AddJob(schedule.AddJobParams{
		JobID:    job.ID,
		CronExpr: job.CronExpr,
		Timezone: job.Timezone,
		Callback: s.callback(job.ID),
	})
	if err != nil {
		return fmt.Errorf("register job %s: %w", job.ID, err)
	}
	if job.Status == model.JobStatusPaused {
		s.scheduler.PauseJob(job.ID)
	}
	return nil
}

// Delete removes the job and its trigger. An in-flight run finishes.
func (s *ScheduledJobService) Delete(ctx context.Context, id string) (bool, error) {
	deleted, err := s.repo.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted {
		s.scheduler.RemoveJob(id)
		s.logger.InfoContext(ctx, "job deleted", "job_id", id)
	}
	return deleted, nil
}

// Pause suspends firing while keeping the registration and configuration.
func (s *ScheduledJobService) Pause(ctx context.Context, id string) error {
	if err := s.repo.SetStatus(ctx, id, model.JobStatusPaused); err != nil {
		return err
	}
	s.scheduler.PauseJob(id)
	return nil
}

// Resume restores firing for a paused job.
func (s *ScheduledJobService) Resume(ctx context.Context, id string) error {
	if err := s.repo.SetStatus(ctx, id, model.JobStatusActive); err != nil {
		return err
	}
	s.scheduler.ResumeJob(id)
	return nil
}

// GetByID returns one job.
func (s *ScheduledJobService) GetByID(ctx context.Context, id string) (*model.ScheduledJob, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns jobs for an account with pagination.
func (s *ScheduledJobService) List(ctx context.Context, accountID string, limit, offset int) ([]*model.ScheduledJob, error) {
	return s.repo.List(ctx, accountID, limit, offset)
}

// NextRun returns the next scheduled firing instant for a registered job.
func (s *ScheduledJobService) NextRun(id string) (time.Time, bool) {
	return s.scheduler.NextFireTime(id)
}

// Trigger fires the job once, outside its schedule, on the bounded trigger
// pool. Disabled jobs are rejected with ErrJobDisabled; the
// one-execution-per-job rule still applies.
func (s *ScheduledJobService) Trigger(ctx context.Context, id string) error {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !job.Enabled {
		return fmt.Errorf("%w: %s", ErrJobDisabled, id)
	}

	run := func(runCtx context.Context) {
		if fired := s.scheduler.Fire(runCtx, id); !fired {
			// Enabled but not registered yet, e.g. created before a replay.
			// The database running lock still rejects overlap.
			if err := s.runner.Run(runCtx, id); err != nil {
				s.logger.ErrorContext(runCtx, "manual run failed", "job_id", id, "error", err)
			}
		}
	}

	if s.triggers == nil {
		run(ctx)
		return nil
	}
	if err := s.triggers.Submit(run); err != nil {
		return fmt.Errorf("%w: %v", ErrTriggerRejected, err)
	}
	return nil
}

// TestConnection runs the pre-flight storage check for a job.
func (s *ScheduledJobService) TestConnection(ctx context.Context, id string) (storage.ConnectionTestResult, error) {
	return s.runner.TestConnection(ctx, id)
}

// ReplayEnabled registers triggers for every enabled job. Called once at
// startup before the scheduler starts so the misfire catch-up sees the full
// registry.
func (s *ScheduledJobService) ReplayEnabled(ctx context.Context) (int, error) {
	jobs, err := s.repo.ListEnabled(ctx)
	if err != nil {
		return 0, err
	}
	registered := 0
	for _, job := range jobs {
		if err := s.register(job); err != nil {
			// A job with a schedule that no longer parses must not block the
			// rest of the fleet; park it in error status.
			s.logger.ErrorContext(ctx, "replay registration failed", "job_id", job.ID, "error", err)
			if serr := s.repo.SetStatus(ctx, job.ID, model.JobStatusError); serr != nil {
				s.logger.ErrorContext(ctx, "park job in error status failed", "job_id", job.ID, "error", serr)
			}
			continue
		}
		registered++
	}
	s.logger.InfoContext(ctx, "schedule replay complete", "registered", registered, "total", len(jobs))
	return registered, nil
}
