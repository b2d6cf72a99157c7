package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rechnio/rechnio-go/config"
	"github.com/rechnio/rechnio-go/internal/adapters/deliverysweeper"
	schedrunner "github.com/rechnio/rechnio-go/internal/adapters/scheduler"
	"github.com/rechnio/rechnio-go/internal/observability/statsd"
	"github.com/rechnio/rechnio-go/internal/service"
)

// SchedulerRunConfig contains configuration for the scheduler runner.
type SchedulerRunConfig struct {
	Services      ServiceContainer
	Runner        config.JobRunnerConfig
	ReplayOnStart bool
	Logger        *slog.Logger
}

// RunScheduler starts the cron scheduler service.
func RunScheduler(ctx context.Context, cfg SchedulerRunConfig) error {
	runner, err := schedrunner.NewRunner(schedrunner.RunnerOptions{
		Jobs:          cfg.Services.Jobs,
		Scheduler:     cfg.Services.Scheduler,
		Runs:          cfg.Services.Runs,
		Runner:        cfg.Runner,
		ReplayOnStart: cfg.ReplayOnStart,
		Logger:        cfg.Logger,
	})
	if err != nil {
		return fmt.Errorf("create scheduler runner: %w", err)
	}

	return runner.Run(ctx)
}

// SweeperRunConfig contains configuration for the delivery sweeper runner.
type SweeperRunConfig struct {
	Delivery *service.DeliveryService
	Config   config.SweeperConfig
	Logger   *slog.Logger
	Metrics  statsd.Sink
}

// RunDeliverySweeper starts the webhook retry sweeper service.
func RunDeliverySweeper(ctx context.Context, cfg SweeperRunConfig) error {
	runner, err := deliverysweeper.NewRunner(deliverysweeper.RunnerOptions{
		Delivery: cfg.Delivery,
		Config:   cfg.Config,
		Logger:   cfg.Logger,
		Metrics:  cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create delivery sweeper runner: %w", err)
	}

	return runner.Run(ctx)
}
