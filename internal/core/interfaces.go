// Package core defines the ports between the service layer and its
// collaborators. Services depend on these interfaces, never on the concrete
// repositories or adapters behind them.
package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rechnio/rechnio-go/internal/domain/model"
)

// ScheduledJobRepository defines the interface for scheduled job data operations.
type ScheduledJobRepository interface {
	Create(ctx context.Context, req model.CreateScheduledJobRequest) (*model.ScheduledJob, error)
	GetByID(ctx context.Context, id string) (*model.ScheduledJob, error)
	List(ctx context.Context, accountID string, limit, offset int) ([]*model.ScheduledJob, error)
	// ListEnabled returns every enabled job across accounts for startup replay.
	ListEnabled(ctx context.Context) ([]*model.ScheduledJob, error)
	Update(ctx context.Context, id string, req model.UpdateScheduledJobRequest) (*model.ScheduledJob, error)
	Delete(ctx context.Context, id string) (bool, error)
	SetStatus(ctx context.Context, id string, status model.JobStatus) error
	// RecordRunOutcome writes the last-run marker and rolls run counters into
	// the job's lifetime totals.
	RecordRunOutcome(ctx context.Context, id, lastRunStatus string, c model.RunCounters) error
	// DecryptedCredentials returns the plaintext credential blob. In-memory
	// use only; callers must never log or persist it.
	DecryptedCredentials(ctx context.Context, id string) ([]byte, error)
}

// JobRunRepository defines the interface for run record data operations.
type JobRunRepository interface {
	// Create inserts a running record; a concurrent running record for the
	// same job yields data.ErrRunInProgress.
	Create(ctx context.Context, jobID string) (*model.JobRun, error)
	Complete(ctx context.Context, id string, c model.RunCounters) (*model.JobRun, error)
	Fail(ctx context.Context, id, errorText string) (*model.JobRun, error)
	GetByID(ctx context.Context, id string) (*model.JobRun, error)
	ListByJob(ctx context.Context, jobID string, limit, offset int) ([]*model.JobRun, error)
	// ReleaseStale force-fails running records older than the given age; they
	// belong to a crashed process and would otherwise hold the running lock.
	ReleaseStale(ctx context.Context, olderThanMinutes int) (int64, error)
}

// ProcessedFileRepository defines the interface for the per-file run ledger.
type ProcessedFileRepository interface {
	Create(ctx context.Context, runID, remoteKey, name string, size int64) (*model.ProcessedFile, error)
	SetOutcome(ctx context.Context, id string, outcome model.ValidationOutcome, resultID string) error
	SetFailure(ctx context.Context, id, failureText string) error
	ListByRun(ctx context.Context, runID string) ([]*model.ProcessedFile, error)
}

// ValidationResultRepository defines the interface for persisted validation outcomes.
type ValidationResultRepository interface {
	Create(ctx context.Context, fileName string, outcome model.ValidationOutcome) (*model.ValidationResult, error)
	GetByID(ctx context.Context, id string) (*model.ValidationResult, error)
}

// SubscriptionRepository defines the interface for webhook subscription data operations.
type SubscriptionRepository interface {
	Create(ctx context.Context, req model.CreateWebhookSubscriptionRequest) (*model.WebhookSubscription, error)
	GetByID(ctx context.Context, id string) (*model.WebhookSubscription, error)
	List(ctx context.Context, accountID string, limit, offset int) ([]*model.WebhookSubscription, error)
	// ListActiveByEvent returns active subscriptions covering the event type
	// with decrypted signing secrets.
	ListActiveByEvent(ctx context.Context, eventType model.EventType) ([]*model.WebhookSubscription, error)
	Update(ctx context.Context, id string, req model.UpdateWebhookSubscriptionRequest) (*model.WebhookSubscription, error)
	RotateSecret(ctx context.Context, id string) (string, error)
	Delete(ctx context.Context, id string) (bool, error)

	// Counter updates; see the delivery engine for the exact policy.
	RecordAttempt(ctx context.Context, id string, at time.Time) error
	MarkSuccess(ctx context.Context, id string, at time.Time) error
	MarkFailure(ctx context.Context, id string, at time.Time, exhausted bool) error
}

// SubscriptionCache caches the event-type fan-out lookup.
type SubscriptionCache interface {
	GetByEvent(ctx context.Context, eventType model.EventType) ([]*model.WebhookSubscription, bool)
	SetByEvent(ctx context.Context, eventType model.EventType, subs []*model.WebhookSubscription) error
	Invalidate(ctx context.Context, eventTypes ...model.EventType) error
	InvalidateAll(ctx context.Context) error
}

// CreateDeliveryParams groups parameters for DeliveryRepository.Create.
type CreateDeliveryParams struct {
	SubscriptionID string
	EventType      model.EventType
	EventID        string
	Payload        json.RawMessage
	MaxAttempts    int
}

// DeliveryAttemptResult is the outcome of one HTTP delivery attempt.
type DeliveryAttemptResult struct {
	Status         model.DeliveryStatus
	ResponseCode   *int
	ResponseBody   *string
	ResponseTimeMs *int64
	ErrorText      *string
	// NextRetryAt must be set iff Status is retrying.
	NextRetryAt *time.Time
}

// DeliveryRepository defines the interface for delivery record data operations.
type DeliveryRepository interface {
	// Create inserts a pending delivery record.
	Create(ctx context.Context, p CreateDeliveryParams) (*model.DeliveryAttempt, error)
	// RecordAttempt applies one attempt outcome and moves the status machine.
	RecordAttempt(ctx context.Context, id string, res DeliveryAttemptResult) (*model.DeliveryAttempt, error)
	// ClaimDueRetries atomically claims records whose retry is due.
	ClaimDueRetries(ctx context.Context, limit int) ([]*model.DeliveryAttempt, error)
	GetByID(ctx context.Context, id string) (*model.DeliveryAttempt, error)
	ListBySubscription(ctx context.Context, subscriptionID string, limit, offset int) ([]*model.DeliveryAttempt, error)
}

// Validator validates one downloaded file and produces a structured outcome.
// Implementations are registered per file extension.
type Validator interface {
	// Validate never returns an error for invalid content; invalidity is an
	// outcome. Errors mean the validator itself could not run.
	Validate(ctx context.Context, name string, content []byte) (model.ValidationOutcome, error)
}

// EventEmitter fans an application event out to matching webhook subscriptions.
type EventEmitter interface {
	Emit(ctx context.Context, event model.WebhookEvent)
}
