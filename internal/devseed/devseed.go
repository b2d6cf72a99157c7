// Package devseed populates a development database with demo scheduled jobs
// and webhook subscriptions so a fresh checkout has something to look at.
// Never run against production data.
package devseed

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/rechnio/rechnio-go/internal/core"
	"github.com/rechnio/rechnio-go/internal/data"
	"github.com/rechnio/rechnio-go/internal/data/cryptoutil"
	"github.com/rechnio/rechnio-go/internal/domain/model"
)

// devAccountID groups all seeded records under one demo tenant.
const devAccountID = "acct-dev"

// Services bundles the dependencies needed for development seeding.
type Services struct {
	DB   *sql.DB
	jobs core.ScheduledJobRepository
	subs core.SubscriptionRepository
}

// NewServices constructs the repositories used for seeding over the provided DB.
func NewServices(db *sql.DB) Services {
	encryptor := &cryptoutil.NoopEncryptor{} // Use noop for dev
	return Services{
		DB:   db,
		jobs: data.NewScheduledJobRepo(db, encryptor),
		subs: data.NewSubscriptionRepo(db, encryptor),
	}
}

// Run executes the full development seeding workflow against the provided DB.
func Run(ctx context.Context, svcs Services, logger *slog.Logger) error {
	failures := 0
	failures += seedScheduledJobs(ctx, svcs.jobs, logger)
	failures += seedSubscriptions(ctx, svcs.subs, logger)
	if failures > 0 {
		return fmt.Errorf("%d seed errors; check logs", failures)
	}
	return nil
}

func seedScheduledJobs(ctx context.Context, repo core.ScheduledJobRepository, logger *slog.Logger) int {
	existing, err := existingJobNames(ctx, repo)
	if err != nil {
		if logger != nil {
			logger.ErrorContext(ctx, "failed to list existing jobs", "error", err)
		}
		return 1
	}

	failures := 0
	for _, req := range defaultScheduledJobs() {
		if existing[req.Name] {
			if logger != nil {
				logger.InfoContext(ctx, "scheduled job already exists", "name", req.Name)
			}
			continue
		}
		if _, err := repo.Create(ctx, req); err != nil {
			if logger != nil {
				logger.ErrorContext(ctx, "failed to create scheduled job", "name", req.Name, "error", err)
			}
			failures++
			continue
		}
		if logger != nil {
			logger.InfoContext(ctx, "created scheduled job", "name", req.Name)
		}
	}
	return failures
}

func existingJobNames(ctx context.Context, repo core.ScheduledJobRepository) (map[string]bool, error) {
	jobs, err := repo.List(ctx, devAccountID, 100, 0)
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		names[j.Name] = true
	}
	return names, nil
}

// defaultScheduledJobs returns demo intake jobs. They are created disabled so
// the scheduler never fires against buckets that do not exist locally; enable
// them manually once a local MinIO (or real bucket) is pointed at them.
func defaultScheduledJobs() []model.CreateScheduledJobRequest {
	disabled := false
	return []model.CreateScheduledJobRequest{
		{
			AccountID:    devAccountID,
			Name:         "nightly-invoice-intake",
			Provider:     "s3",
			Credentials:  `{"access_key_id":"minioadmin","secret_access_key":"minioadmin","region":"us-east-1","endpoint":"http://localhost:9000"}`,
			Bucket:       "invoices-dev",
			Prefix:       "inbox/",
			Pattern:      "*.xml",
			CronExpr:     "0 2 * * *",
			Timezone:     "Europe/Berlin",
			Enabled:      &disabled,
			PostAction:   model.PostActionMove,
			MoveToFolder: "processed",
		},
		{
			AccountID:   devAccountID,
			Name:        "hourly-partner-feed",
			Provider:    "s3",
			Credentials: `{"access_key_id":"minioadmin","secret_access_key":"minioadmin","region":"us-east-1","endpoint":"http://localhost:9000"}`,
			Bucket:      "partner-feed-dev",
			Pattern:     "invoice-*.xml",
			CronExpr:    "15 * * * *",
			Timezone:    "Europe/Berlin",
			Enabled:     &disabled,
			PostAction:  model.PostActionDelete,
		},
	}
}

func seedSubscriptions(ctx context.Context, repo core.SubscriptionRepository, logger *slog.Logger) int {
	existing, err := existingSubscriptionURLs(ctx, repo)
	if err != nil {
		if logger != nil {
			logger.ErrorContext(ctx, "failed to list existing subscriptions", "error", err)
		}
		return 1
	}

	failures := 0
	for _, req := range defaultSubscriptions() {
		if existing[req.URL] {
			if logger != nil {
				logger.InfoContext(ctx, "subscription already exists", "url", req.URL)
			}
			continue
		}
		sub, err := repo.Create(ctx, req)
		if err != nil {
			if logger != nil {
				logger.ErrorContext(ctx, "failed to create subscription", "url", req.URL, "error", err)
			}
			failures++
			continue
		}
		if logger != nil {
			// Dev-only: the secret is surfaced so a local receiver can verify
			// signatures. Production secrets are returned exactly once on create.
			logger.InfoContext(ctx, "created subscription",
				"url", sub.URL, "events", sub.Events, "secret", sub.Secret)
		}
	}
	return failures
}

func existingSubscriptionURLs(ctx context.Context, repo core.SubscriptionRepository) (map[string]bool, error) {
	subs, err := repo.List(ctx, devAccountID, 100, 0)
	if err != nil {
		return nil, err
	}
	urls := make(map[string]bool, len(subs))
	for _, s := range subs {
		urls[s.URL] = true
	}
	return urls, nil
}

func defaultSubscriptions() []model.CreateWebhookSubscriptionRequest {
	runFilter := "data.job_id"
	return []model.CreateWebhookSubscriptionRequest{
		{
			AccountID: devAccountID,
			URL:       "http://localhost:9999/webhooks/runs",
			Events:    []string{string(model.EventRunCompleted), string(model.EventRunFailed)},
		},
		{
			AccountID:     devAccountID,
			URL:           "http://localhost:9999/webhooks/invoices",
			Events:        []string{string(model.EventInvoiceValidated), string(model.EventInvoiceRejected)},
			PayloadFilter: &runFilter,
		},
	}
}
