package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rechnio/rechnio-go/internal/core"
	"github.com/rechnio/rechnio-go/internal/data"
	"github.com/rechnio/rechnio-go/internal/domain/model"
	"github.com/rechnio/rechnio-go/internal/observability/metrics"
	"github.com/rechnio/rechnio-go/internal/observability/statsd"
	"github.com/rechnio/rechnio-go/internal/storage"
)

// defaultFileConcurrency bounds parallel per-file processing within one run.
const defaultFileConcurrency = 4

// StorageClientFactory builds a provider client from decrypted credentials.
// Injected so tests can substitute a fake provider.
type StorageClientFactory func(provider string, creds storage.Credentials) (storage.Client, error)

// JobRunnerOptions groups dependencies for JobRunnerService.
type JobRunnerOptions struct {
	Jobs    core.ScheduledJobRepository
	Runs    core.JobRunRepository
	Files   core.ProcessedFileRepository
	Results core.ValidationResultRepository

	Validators *ValidatorRegistry
	Events     core.EventEmitter
	Factory    StorageClientFactory

	FileConcurrency int
	Logger          *slog.Logger
	Metrics         statsd.Sink
}

// JobRunnerService executes one firing of a scheduled job: list the bucket,
// then download, validate, persist and post-process each matching file.
// File-level failures are isolated; only pre-listing errors fail the run.
type JobRunnerService struct {
	jobs    core.ScheduledJobRepository
	runs    core.JobRunRepository
	files   core.ProcessedFileRepository
	results core.ValidationResultRepository

	validators  *ValidatorRegistry
	events      core.EventEmitter
	factory     StorageClientFactory
	concurrency int
	logger      *slog.Logger
	metrics     statsd.Sink
}

// NewJobRunnerService constructs a new JobRunnerService.
func NewJobRunnerService(opts JobRunnerOptions) (*JobRunnerService, error) {
	if opts.Jobs == nil || opts.Runs == nil || opts.Files == nil || opts.Results == nil {
		return nil, errors.New("job, run, file and result repositories are required")
	}
	if opts.Validators == nil {
		opts.Validators = NewValidatorRegistry()
	}
	if opts.Factory == nil {
		opts.Factory = storage.NewClient
	}
	if opts.FileConcurrency <= 0 {
		opts.FileConcurrency = defaultFileConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &JobRunnerService{
		jobs:        opts.Jobs,
		runs:        opts.Runs,
		files:       opts.Files,
		results:     opts.Results,
		validators:  opts.Validators,
		events:      opts.Events,
		factory:     opts.Factory,
		concurrency: opts.FileConcurrency,
		logger:      opts.Logger.With("component", "job_runner"),
		metrics:     opts.Metrics,
	}, nil
}

// Run executes one firing of the job. A disabled job is a no-op, as is a
// concurrent run for the same job: the database-level running lock wins and
// this firing is skipped.
func (s *JobRunnerService) Run(ctx context.Context, jobID string) error {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if !job.Enabled {
		// A firing can race a concurrent disable; nothing is recorded for it.
		s.logger.InfoContext(ctx, "skipping firing, job disabled", "job_id", job.ID)
		return nil
	}

	run, err := s.runs.Create(ctx, job.ID)
	if errors.Is(err, data.ErrRunInProgress) {
		s.logger.WarnContext(ctx, "skipping firing, run already in progress", "job_id", job.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("create run for job %s: %w", job.ID, err)
	}

	started := time.Now()
	logger := s.logger.With("job_id", job.ID, "run_id", run.ID)
	logger.InfoContext(ctx, "run started", "bucket", job.Bucket, "pattern", job.Pattern)

	counters, runErr := s.execute(ctx, job, run, logger)
	if runErr != nil {
		return s.failRun(ctx, job, run, runErr, started, logger)
	}
	return s.completeRun(ctx, job, run, counters, started, logger)
}

// execute performs the pre-file phase (credentials, client, listing) and the
// per-file phase. An error return means the whole run failed.
func (s *JobRunnerService) execute(ctx context.Context, job *model.ScheduledJob, run *model.JobRun, logger *slog.Logger) (model.RunCounters, error) {
	client, err := s.buildClient(ctx, job)
	if err != nil {
		return model.RunCounters{}, err
	}

	objects, err := client.List(ctx, job.Bucket, job.Prefix, job.Pattern)
	if err != nil {
		return model.RunCounters{}, fmt.Errorf("list bucket %s: %w", job.Bucket, err)
	}
	logger.InfoContext(ctx, "listing complete", "files_found", len(objects))

	counters := model.RunCounters{FilesFound: len(objects)}
	results := make([]fileResult, len(objects))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, obj := range objects {
		i, obj := i, obj
		g.Go(func() error {
			results[i] = s.processFile(gctx, job, run, client, obj, logger)
			return nil
		})
	}
	// Worker errors are captured per file; Wait only propagates ctx cancellation.
	if err := g.Wait(); err != nil {
		return model.RunCounters{}, err
	}

	for _, res := range results {
		switch {
		case res.failed:
			counters.FilesFailed++
		case res.valid:
			counters.FilesValidated++
			counters.FilesValid++
		default:
			counters.FilesValidated++
			counters.FilesInvalid++
		}
	}
	return counters, nil
}

func (s *JobRunnerService) buildClient(ctx context.Context, job *model.ScheduledJob) (storage.Client, error) {
	blob, err := s.jobs.DecryptedCredentials(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials: %w", err)
	}
	creds, err := storage.ParseCredentials(blob)
	if err != nil {
		return nil, err
	}
	client, err := s.factory(job.Provider, creds)
	if err != nil {
		return nil, err
	}
	return client, nil
}

type fileResult struct {
	valid  bool
	failed bool
}

// processFile handles one remote object end to end. Every failure path is
// absorbed into the per-file record; nothing escapes to fail the run.
func (s *JobRunnerService) processFile(ctx context.Context, job *model.ScheduledJob, run *model.JobRun, client storage.Client, obj storage.ObjectInfo, logger *slog.Logger) fileResult {
	record, err := s.files.Create(ctx, run.ID, obj.Key, obj.Name, obj.Size)
	if err != nil {
		logger.ErrorContext(ctx, "create file record failed", "key", obj.Key, "error", err)
		return fileResult{failed: true}
	}

	fail := func(stage string, cause error) fileResult {
		logger.WarnContext(ctx, "file processing failed", "key", obj.Key, "stage", stage, "error", cause)
		if ferr := s.files.SetFailure(ctx, record.ID, fmt.Sprintf("%s: %v", stage, cause)); ferr != nil {
			logger.ErrorContext(ctx, "record file failure failed", "key", obj.Key, "error", ferr)
		}
		return fileResult{failed: true}
	}

	validator, err := s.validators.For(obj.Name)
	if err != nil {
		return fail("select validator", err)
	}

	content, err := client.Download(ctx, job.Bucket, obj.Key)
	if err != nil {
		return fail("download", err)
	}

	outcome, err := validator.Validate(ctx, obj.Name, content)
	if err != nil {
		return fail("validate", err)
	}

	stored, err := s.results.Create(ctx, obj.Name, outcome)
	if err != nil {
		return fail("persist result", err)
	}
	if err := s.files.SetOutcome(ctx, record.ID, outcome, stored.ID); err != nil {
		return fail("persist outcome", err)
	}

	s.emitFileEvent(ctx, job, run, obj, stored, outcome)

	// Post-action failures are recorded but do not undo the validation: the
	// outcome already exists and the file simply stays in place.
	if err := s.applyPostAction(ctx, job, client, obj); err != nil {
		logger.WarnContext(ctx, "post-action failed, source file left in place",
			"key", obj.Key, "post_action", string(job.PostAction), "error", err)
	}

	return fileResult{valid: outcome.Valid}
}

func (s *JobRunnerService) applyPostAction(ctx context.Context, job *model.ScheduledJob, client storage.Client, obj storage.ObjectInfo) error {
	switch job.PostAction {
	case model.PostActionDelete:
		return client.Delete(ctx, job.Bucket, obj.Key)
	case model.PostActionMove:
		dest := job.MoveToFolder + "/" + obj.Name
		return client.Move(ctx, job.Bucket, obj.Key, dest)
	case model.PostActionNone:
		return nil
	default:
		return nil
	}
}

func (s *JobRunnerService) completeRun(ctx context.Context, job *model.ScheduledJob, run *model.JobRun, counters model.RunCounters, started time.Time, logger *slog.Logger) error {
	if _, err := s.runs.Complete(ctx, run.ID, counters); err != nil {
		return fmt.Errorf("complete run %s: %w", run.ID, err)
	}
	if err := s.jobs.RecordRunOutcome(ctx, job.ID, model.LastRunSuccess, counters); err != nil {
		logger.ErrorContext(ctx, "record run outcome failed", "error", err)
	}
	// A successful run clears a previous error status.
	if job.Status == model.JobStatusError {
		if err := s.jobs.SetStatus(ctx, job.ID, model.JobStatusActive); err != nil {
			logger.ErrorContext(ctx, "reset job status failed", "error", err)
		}
	}

	duration := time.Since(started)
	logger.InfoContext(ctx, "run completed",
		"files_found", counters.FilesFound,
		"files_valid", counters.FilesValid,
		"files_invalid", counters.FilesInvalid,
		"files_failed", counters.FilesFailed,
		"duration", duration)
	metrics.EmitRun(s.metrics, metrics.RunMetric{Result: metrics.ResultSuccess, Duration: duration, Counters: counters})

	s.emit(ctx, model.EventRunCompleted, map[string]any{
		"job_id":          job.ID,
		"job_name":        job.Name,
		"account_id":      job.AccountID,
		"run_id":          run.ID,
		"files_found":     counters.FilesFound,
		"files_validated": counters.FilesValidated,
		"files_valid":     counters.FilesValid,
		"files_invalid":   counters.FilesInvalid,
		"files_failed":    counters.FilesFailed,
	})
	return nil
}

func (s *JobRunnerService) failRun(ctx context.Context, job *model.ScheduledJob, run *model.JobRun, runErr error, started time.Time, logger *slog.Logger) error {
	if _, err := s.runs.Fail(ctx, run.ID, runErr.Error()); err != nil {
		logger.ErrorContext(ctx, "mark run failed errored", "error", err)
	}
	if err := s.jobs.RecordRunOutcome(ctx, job.ID, model.LastRunError, model.RunCounters{}); err != nil {
		logger.ErrorContext(ctx, "record run outcome failed", "error", err)
	}
	if err := s.jobs.SetStatus(ctx, job.ID, model.JobStatusError); err != nil {
		logger.ErrorContext(ctx, "set job status failed", "error", err)
	}

	duration := time.Since(started)
	logger.ErrorContext(ctx, "run failed", "error", runErr, "duration", duration)
	metrics.EmitRun(s.metrics, metrics.RunMetric{Result: metrics.ResultError, Duration: duration, Err: runErr})

	s.emit(ctx, model.EventRunFailed, map[string]any{
		"job_id":     job.ID,
		"job_name":   job.Name,
		"account_id": job.AccountID,
		"run_id":     run.ID,
		"error":      runErr.Error(),
	})
	return fmt.Errorf("run %s: %w", run.ID, runErr)
}

func (s *JobRunnerService) emitFileEvent(ctx context.Context, job *model.ScheduledJob, run *model.JobRun, obj storage.ObjectInfo, stored *model.ValidationResult, outcome model.ValidationOutcome) {
	eventType := model.EventInvoiceValidated
	if !outcome.Valid {
		eventType = model.EventInvoiceRejected
	}
	s.emit(ctx, eventType, map[string]any{
		"job_id":               job.ID,
		"account_id":           job.AccountID,
		"run_id":               run.ID,
		"file_name":            obj.Name,
		"remote_key":           obj.Key,
		"valid":                outcome.Valid,
		"error_count":          outcome.ErrorCount,
		"warning_count":        outcome.WarningCount,
		"validation_result_id": stored.ID,
	})
}

func (s *JobRunnerService) emit(ctx context.Context, eventType model.EventType, payload map[string]any) {
	if s.events == nil {
		return
	}
	s.events.Emit(ctx, model.WebhookEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		CreatedAt: time.Now().UTC(),
		Data:      payload,
	})
}

// TestConnection performs the pre-flight bucket reachability check for a job.
// Expected failure modes come back classified in the result, not as errors.
func (s *JobRunnerService) TestConnection(ctx context.Context, jobID string) (storage.ConnectionTestResult, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return storage.ConnectionTestResult{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	client, err := s.buildClient(ctx, job)
	if err != nil {
		return storage.ConnectionTestResult{}, err
	}
	return storage.ClassifyError(client.TestConnection(ctx, job.Bucket)), nil
}
