// Package trigger provides the bounded worker pool that serves manual job
// triggers.
package trigger

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/rechnio/rechnio-go/config"
)

// ErrQueueFull means the trigger backlog is saturated; callers should retry
// later rather than queue unbounded work.
var ErrQueueFull = errors.New("trigger queue full")

// ErrStopped means the pool is shutting down and accepts no new work.
var ErrStopped = errors.New("trigger pool stopped")

// Pool runs submitted trigger bodies on a fixed set of workers with a bounded
// backlog. It implements service.TriggerQueue.
type Pool struct {
	queue  chan func(ctx context.Context)
	logger *slog.Logger

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// NewPool creates a pool sized by cfg. Workers start on Run.
func NewPool(cfg config.TriggerConfig, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		queue:  make(chan func(ctx context.Context), cfg.QueueSize),
		logger: logger.With("component", "trigger_pool"),
	}
}

// Submit enqueues one trigger body. Returns ErrQueueFull when the backlog is
// saturated and ErrStopped after shutdown began.
func (p *Pool) Submit(fn func(ctx context.Context)) error {
	// The lock is held through the enqueue so Run cannot close the queue
	// between the stopped check and the send.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}

	select {
	case p.queue <- fn:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run starts the workers and blocks until the context is cancelled and the
// backlog drains. Returns nil on graceful shutdown.
func (p *Pool) Run(ctx context.Context, workers int) error {
	if workers < 1 {
		workers = 1
	}
	p.logger.InfoContext(ctx, "trigger pool started", "workers", workers, "queue_size", cap(p.queue))

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	<-ctx.Done()

	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	close(p.queue)
	p.wg.Wait()

	p.logger.Info("trigger pool stopped", "reason", ctx.Err())
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

// worker drains the queue. Bodies already queued at shutdown still run, with
// a context detached from the cancelled run context.
func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for fn := range p.queue {
		fn(context.WithoutCancel(ctx))
	}
}
