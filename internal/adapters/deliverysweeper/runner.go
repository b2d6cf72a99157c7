// Package deliverysweeper provides the adapter that runs the webhook retry
// sweeper loop.
package deliverysweeper

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"log/slog"
	"time"

	"github.com/rechnio/rechnio-go/config"
	"github.com/rechnio/rechnio-go/internal/observability/statsd"
	"github.com/rechnio/rechnio-go/internal/service"
)

// Runner drives DeliveryService.Sweep on a fixed interval so deliveries whose
// retry is due get re-attempted even when no new events arrive.
type Runner struct {
	delivery *service.DeliveryService
	config   config.SweeperConfig
	logger   *slog.Logger
	metrics  statsd.Sink
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	Delivery *service.DeliveryService
	Config   config.SweeperConfig
	Logger   *slog.Logger
	Metrics  statsd.Sink
}

// NewRunner creates a new sweeper runner with the given options.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Delivery == nil {
		return nil, errors.New("delivery service is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Runner{
		delivery: opts.Delivery,
		config:   opts.Config,
		logger:   opts.Logger.With("component", "delivery_sweeper"),
		metrics:  opts.Metrics,
	}, nil
}

// Run starts the sweep loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting delivery sweeper",
		"interval", r.config.Interval, "batch_size", r.config.BatchSize)

	// Jitter spreads ticks when multiple instances start together.
	r.waitWithJitter(ctx)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "delivery sweeper stopping", "reason", ctx.Err())
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Runner) sweep(ctx context.Context) {
	attempted, err := r.delivery.Sweep(ctx, r.config.BatchSize)
	if err != nil {
		r.logger.ErrorContext(ctx, "sweep failed", "error", err)
		if r.metrics != nil {
			r.metrics.Count("sweeper.tick.error", 1, nil)
		}
		return
	}
	if r.metrics != nil {
		r.metrics.Count("sweeper.attempted", int64(attempted), nil)
	}
	if attempted > 0 {
		r.logger.InfoContext(ctx, "sweep attempted due deliveries", "count", attempted)
	}
}

// waitWithJitter sleeps a random delay up to 10% of the interval.
func (r *Runner) waitWithJitter(ctx context.Context) {
	maxJitter := int64(r.config.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// If crypto/rand fails, skip jitter rather than failing startup.
		r.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		return
	}

	jitterNanos := binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter)
	jitter := time.Duration(int64(jitterNanos)) // #nosec G115 - bounded by maxJitter which is int64

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}
