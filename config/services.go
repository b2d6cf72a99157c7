package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeScheduler runs the cron scheduler and job runner.
	ServiceModeScheduler ServiceMode = "scheduler"
	// ServiceModeDeliverySweeper runs the webhook delivery retry sweeper.
	ServiceModeDeliverySweeper ServiceMode = "delivery-sweeper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeScheduler,
		ServiceModeDeliverySweeper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeScheduler, ServiceModeDeliverySweeper:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: scheduler, delivery-sweeper)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// SchedulerConfig contains cron scheduler configuration.
type SchedulerConfig struct {
	// MisfireGrace is the window after a missed firing within which a single
	// coalesced catch-up firing still happens at startup.
	MisfireGrace time.Duration `env:"SCHEDULER_MISFIRE_GRACE" envDefault:"5m"`

	// ReplayOnStart controls whether enabled jobs are re-registered from the
	// database when the scheduler starts.
	ReplayOnStart bool `env:"SCHEDULER_REPLAY_ON_START" envDefault:"true"`
}

// Sanitize applies guardrails to scheduler configuration values.
func (s *SchedulerConfig) Sanitize() {
	if s.MisfireGrace <= 0 {
		s.MisfireGrace = 5 * time.Minute
	}
}

// JobRunnerConfig contains job runner configuration.
type JobRunnerConfig struct {
	// FileConcurrency bounds parallel per-file processing within one run.
	FileConcurrency int `env:"JOB_RUNNER_FILE_CONCURRENCY" envDefault:"4"`

	// StaleRunMaxAgeMinutes force-fails running records older than this at
	// startup; they belong to a crashed process.
	StaleRunMaxAgeMinutes int `env:"JOB_RUNNER_STALE_RUN_MAX_AGE_MINUTES" envDefault:"120"`
}

// Sanitize applies guardrails to job runner configuration values.
func (j *JobRunnerConfig) Sanitize() {
	if j.FileConcurrency < 1 {
		j.FileConcurrency = 1
	}
	if j.FileConcurrency > 64 {
		j.FileConcurrency = 64
	}
	if j.StaleRunMaxAgeMinutes < 10 {
		j.StaleRunMaxAgeMinutes = 10
	}
}

// SweeperConfig contains delivery retry sweeper configuration.
type SweeperConfig struct {
	// Interval is the sweeper tick interval.
	Interval time.Duration `env:"SWEEPER_INTERVAL" envDefault:"30s"`

	// BatchSize is the maximum number of due deliveries claimed per tick.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"SWEEPER_BATCH_SIZE" envDefault:"50"`
}

// Sanitize applies guardrails to sweeper configuration values.
func (s *SweeperConfig) Sanitize() {
	// Enforce a minimum interval to prevent excessive database load.
	if s.Interval < 5*time.Second {
		s.Interval = 5 * time.Second
	}
	if s.BatchSize < 1 {
		s.BatchSize = 1
	}
	if s.BatchSize > 1000 {
		s.BatchSize = 1000
	}
}

// TriggerConfig contains manual trigger pool configuration.
type TriggerConfig struct {
	// Workers is the number of goroutines serving manual triggers.
	Workers int `env:"TRIGGER_WORKERS" envDefault:"2"`

	// QueueSize is the trigger backlog; submissions beyond it are rejected.
	QueueSize int `env:"TRIGGER_QUEUE_SIZE" envDefault:"16"`
}

// Sanitize applies guardrails to trigger pool configuration values.
func (t *TriggerConfig) Sanitize() {
	if t.Workers < 1 {
		t.Workers = 1
	}
	if t.QueueSize < 1 {
		t.QueueSize = 1
	}
}
