package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rechnio/rechnio-go/config"
	"github.com/rechnio/rechnio-go/internal/adapters/trigger"
	"github.com/rechnio/rechnio-go/internal/core"
	"github.com/rechnio/rechnio-go/internal/data"
	"github.com/rechnio/rechnio-go/internal/observability/statsd"
	"github.com/rechnio/rechnio-go/internal/schedule"
	"github.com/rechnio/rechnio-go/internal/service"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Jobs          *service.ScheduledJobService
	Subscriptions *service.SubscriptionService
	Delivery      *service.DeliveryService
	Runner        *service.JobRunnerService
	Emitter       *service.EventEmitterService

	Scheduler *schedule.Scheduler
	Triggers  *trigger.Pool
	Runs      core.JobRunRepository

	Observability ObservabilityContainer
}

// ObservabilityContainer groups shared observability dependencies.
type ObservabilityContainer struct {
	MetricsSink   *statsd.Client
	MetricsConfig config.ObservabilityMetricsConfig
}

// ServiceDeps groups dependencies for service initialization.
type ServiceDeps struct {
	Config      *config.AppConfig
	DB          *sql.DB
	RedisClient redis.UniversalClient
	Logger      *slog.Logger
}

// serviceRepositories groups data adapters backing service ports.
type serviceRepositories struct {
	DB    *sql.DB
	Redis redis.UniversalClient

	JobRepo      *data.ScheduledJobRepo
	RunRepo      *data.JobRunRepo
	FileRepo     *data.ProcessedFileRepo
	ResultRepo   *data.ValidationResultRepo
	SubRepo      *data.SubscriptionRepo
	DeliveryRepo *data.DeliveryRepo
	CacheRepo    *data.RedisCacheRepo
	SubCache     *data.SubscriptionCache
}

// buildObservability configures the metrics sink.
func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) ObservabilityContainer {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	var metricsSink *statsd.Client
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Enabled: true,
			Address: cfg.Metrics.StatsdAddress,
			Prefix:  "rechnio",
			Logger:  obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsSink = client
		}
	}

	return ObservabilityContainer{
		MetricsSink:   metricsSink,
		MetricsConfig: cfg.Metrics,
	}
}

// buildRepositories builds repositories backing service ports; no business rules here.
func buildRepositories(deps *ServiceDeps, logger *slog.Logger) *serviceRepositories {
	key := ""
	if deps.Config != nil {
		key = deps.Config.CredentialsEncryptionKey
	}
	encryptor := CreateEncryptor(key, logger)

	repos := &serviceRepositories{
		DB:           deps.DB,
		Redis:        deps.RedisClient,
		JobRepo:      data.NewScheduledJobRepo(deps.DB, encryptor),
		RunRepo:      data.NewJobRunRepo(deps.DB),
		FileRepo:     data.NewProcessedFileRepo(deps.DB),
		ResultRepo:   data.NewValidationResultRepo(deps.DB),
		SubRepo:      data.NewSubscriptionRepo(deps.DB, encryptor),
		DeliveryRepo: data.NewDeliveryRepo(deps.DB, nil),
	}

	if deps.RedisClient != nil {
		ttl := time.Duration(0)
		if deps.Config != nil {
			ttl = deps.Config.Redis.SubscriptionTTL
		}
		repos.CacheRepo = data.NewRedisCacheRepo(deps.RedisClient)
		repos.SubCache = data.NewSubscriptionCache(repos.CacheRepo, ttl)
	}

	return repos
}

// DomainServicesOptions groups inputs for buildDomainServices.
type DomainServicesOptions struct {
	Repos         *serviceRepositories
	Observability ObservabilityContainer
	Config        *config.AppConfig
	Logger        *slog.Logger
}

// buildDomainServices wires business services using repositories and observability adapters.
func buildDomainServices(opts *DomainServicesOptions) (ServiceContainer, error) {
	if opts == nil {
		return ServiceContainer{}, errors.New("domain services options are required")
	}
	svcLogger := opts.Logger
	if svcLogger == nil {
		svcLogger = slog.Default()
	}

	appCfg := opts.Config
	if appCfg == nil {
		appCfg = &config.AppConfig{}
	}

	scheduler := schedule.New(schedule.Options{
		MisfireGrace: appCfg.Scheduler.MisfireGrace,
		Logger:       svcLogger,
	})
	triggers := trigger.NewPool(appCfg.Triggers, svcLogger)

	delivery, err := service.NewDeliveryService(service.DeliveryOptions{
		Deliveries:    opts.Repos.DeliveryRepo,
		Subscriptions: opts.Repos.SubRepo,
		Logger:        svcLogger,
		Metrics:       opts.Observability.MetricsSink,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build delivery service: %w", err)
	}

	emitterOpts := service.EventEmitterOptions{
		Subscriptions: opts.Repos.SubRepo,
		Delivery:      delivery,
		Logger:        svcLogger,
	}
	if opts.Repos.SubCache != nil {
		emitterOpts.Cache = opts.Repos.SubCache
	}
	emitter, err := service.NewEventEmitterService(emitterOpts)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build event emitter: %w", err)
	}

	runner, err := service.NewJobRunnerService(service.JobRunnerOptions{
		Jobs:            opts.Repos.JobRepo,
		Runs:            opts.Repos.RunRepo,
		Files:           opts.Repos.FileRepo,
		Results:         opts.Repos.ResultRepo,
		Events:          emitter,
		FileConcurrency: appCfg.Runner.FileConcurrency,
		Logger:          svcLogger,
		Metrics:         opts.Observability.MetricsSink,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build job runner: %w", err)
	}

	jobs, err := service.NewScheduledJobService(service.ScheduledJobOptions{
		Repo:      opts.Repos.JobRepo,
		Scheduler: scheduler,
		Runner:    runner,
		Triggers:  triggers,
		Logger:    svcLogger,
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build scheduled job service: %w", err)
	}

	subsOpts := service.SubscriptionOptions{
		Repo:     opts.Repos.SubRepo,
		Delivery: delivery,
		Logger:   svcLogger,
	}
	if opts.Repos.SubCache != nil {
		subsOpts.Cache = opts.Repos.SubCache
	}
	subscriptions, err := service.NewSubscriptionService(subsOpts)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("build subscription service: %w", err)
	}

	return ServiceContainer{
		Jobs:          jobs,
		Subscriptions: subscriptions,
		Delivery:      delivery,
		Runner:        runner,
		Emitter:       emitter,
		Scheduler:     scheduler,
		Triggers:      triggers,
		Runs:          opts.Repos.RunRepo,
		Observability: opts.Observability,
	}, nil
}

// NewServices builds the full service container from shared infrastructure.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil {
		return ServiceContainer{}, errors.New("service deps are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var obsCfg config.ObservabilityConfig
	if deps.Config != nil {
		obsCfg = deps.Config.Observability
	}
	observability := buildObservability(logger, obsCfg)
	repos := buildRepositories(deps, logger)
	return buildDomainServices(&DomainServicesOptions{
		Repos:         repos,
		Observability: observability,
		Config:        deps.Config,
		Logger:        logger,
	})
}

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	Logger   *slog.Logger
}

// shutdownWaitTimeout is the maximum time to wait for services to stop gracefully.
const shutdownWaitTimeout = 15 * time.Second

// serviceStartupDeps groups dependencies for service startup.
type serviceStartupDeps struct {
	ctx             context.Context
	cfg             *ServiceOrchestrationConfig
	logger          *slog.Logger
	enabledServices map[config.ServiceMode]bool
	errCh           chan error
}

// backgroundService describes a startable background component.
type backgroundService struct {
	mode  config.ServiceMode
	name  string
	start func(context.Context) error
}

// backgroundServiceHandle tracks a running background service.
type backgroundServiceHandle struct {
	mode config.ServiceMode
	name string
	done <-chan struct{}
}

func launchBackground(ctx context.Context, deps *serviceStartupDeps, descriptor backgroundService) <-chan struct{} {
	if deps == nil || !deps.enabledServices[descriptor.mode] {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := descriptor.start(ctx); err != nil {
			errMsg := fmt.Errorf("%s failed: %w", descriptor.name, err)
			select {
			case deps.errCh <- errMsg:
			case <-ctx.Done():
			default:
				deps.logger.WarnContext(ctx, "dropping background service error",
					"service", descriptor.name, "error", errMsg)
			}
		}
	}()

	deps.logger.InfoContext(ctx, "background service started", "service", descriptor.name, "mode", descriptor.mode)

	return done
}

func startBackgroundServices(deps *serviceStartupDeps, services []backgroundService) []backgroundServiceHandle {
	if deps == nil {
		return nil
	}
	handles := make([]backgroundServiceHandle, 0, len(services))

	for _, svc := range services {
		done := launchBackground(deps.ctx, deps, svc)
		if done == nil {
			continue
		}

		handles = append(handles, backgroundServiceHandle{
			mode: svc.mode,
			name: svc.name,
			done: done,
		})
	}

	return handles
}

func newSchedulerBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeScheduler,
		name: "scheduler",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil {
				return nil
			}
			runnerCfg := config.JobRunnerConfig{}
			replay := true
			if deps.cfg.Config != nil {
				runnerCfg = deps.cfg.Config.Runner
				replay = deps.cfg.Config.Scheduler.ReplayOnStart
			}
			return RunScheduler(ctx, SchedulerRunConfig{
				Services:      deps.cfg.Services,
				Runner:        runnerCfg,
				ReplayOnStart: replay,
				Logger:        deps.logger,
			})
		},
	}
}

// newTriggerPoolBackgroundService runs the manual-trigger pool alongside the
// scheduler: triggers fire the same job bodies and need the same process.
func newTriggerPoolBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeScheduler,
		name: "trigger pool",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil || deps.cfg.Services.Triggers == nil {
				return nil
			}
			workers := 0
			if deps.cfg.Config != nil {
				workers = deps.cfg.Config.Triggers.Workers
			}
			return deps.cfg.Services.Triggers.Run(ctx, workers)
		},
	}
}

func newSweeperBackgroundService(deps *serviceStartupDeps) backgroundService {
	return backgroundService{
		mode: config.ServiceModeDeliverySweeper,
		name: "delivery sweeper",
		start: func(ctx context.Context) error {
			if deps == nil || deps.cfg == nil {
				return nil
			}
			sweeperCfg := config.SweeperConfig{}
			if deps.cfg.Config != nil {
				sweeperCfg = deps.cfg.Config.Sweeper
			}
			return RunDeliverySweeper(ctx, SweeperRunConfig{
				Delivery: deps.cfg.Services.Delivery,
				Config:   sweeperCfg,
				Logger:   deps.logger,
				Metrics:  deps.cfg.Services.Observability.MetricsSink,
			})
		},
	}
}

func buildBackgroundServices(deps *serviceStartupDeps) []backgroundService {
	if deps == nil {
		return nil
	}
	return []backgroundService{
		newSchedulerBackgroundService(deps),
		newTriggerPoolBackgroundService(deps),
		newSweeperBackgroundService(deps),
	}
}

// RunServicesWithShutdown starts all enabled services and manages their lifecycle.
// This function blocks until a shutdown signal is received or a service fails.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	serviceCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}

	// Determine which services are enabled
	enabledServices, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}
	errCh := make(chan error, errorChannelBufferSize(enabledServices))

	deps := &serviceStartupDeps{
		ctx:             serviceCtx,
		cfg:             cfg,
		logger:          logger,
		enabledServices: enabledServices,
		errCh:           errCh,
	}
	handles := startBackgroundServices(deps, buildBackgroundServices(deps))

	// Wait for shutdown signal or error
	return waitForShutdown(shutdownConfig{
		cancel:      cancel,
		errCh:       errCh,
		emitter:     cfg.Services.Emitter,
		logger:      logger,
		backgrounds: handles,
	})
}

func errorChannelBufferSize(enabled map[config.ServiceMode]bool) int {
	count := 0
	for _, mode := range config.ValidServiceModes() {
		if enabled[mode] {
			count++
		}
	}
	// The scheduler mode launches two backgrounds (scheduler + trigger pool).
	size := count + 2
	if size < 1 {
		return 1
	}
	return size
}

// shutdownConfig contains dependencies for graceful shutdown.
type shutdownConfig struct {
	cancel      context.CancelFunc
	errCh       <-chan error
	emitter     *service.EventEmitterService
	logger      *slog.Logger
	backgrounds []backgroundServiceHandle
}

// waitForShutdown waits for shutdown signal or service error.
func waitForShutdown(cfg shutdownConfig) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		cfg.logger.Info("shutting down services...")
		cfg.cancel() // Cancel service context before waiting
		gracefulStop(cfg)
		return nil
	case err := <-cfg.errCh:
		cfg.logger.Error("service error", "error", err)
		cfg.cancel() // Cancel service context before waiting
		gracefulStop(cfg)
		return err
	}
}

// gracefulStop waits for background services to finish, then drains
// in-flight webhook deliveries so shutdown never drops a fan-out.
func gracefulStop(cfg shutdownConfig) {
	for _, svc := range cfg.backgrounds {
		waitForService(svc.done, svc.name, cfg.logger)
	}

	if cfg.emitter != nil {
		cfg.emitter.Wait()
	}
}

// waitForService waits for a service to finish with timeout.
func waitForService(done <-chan struct{}, name string, logger *slog.Logger) {
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info(name + " stopped")
	case <-time.After(shutdownWaitTimeout):
		logger.Warn("timeout waiting for " + name + " to stop")
	}
}
