package trigger

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rechnio/rechnio-go/config"
)

func TestPoolRunsSubmittedWork(t *testing.T) {
	pool := NewPool(config.TriggerConfig{Workers: 2, QueueSize: 8}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx, 2) }()

	var ran atomic.Int64
	finished := make(chan struct{})
	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(func(context.Context) {
			if ran.Add(1) == 5 {
				close(finished)
			}
		}))
	}

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("submitted work did not run")
	}

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int64(5), ran.Load())
}

func TestPoolRejectsWhenQueueFull(t *testing.T) {
	// No Run call: nothing drains the queue.
	pool := NewPool(config.TriggerConfig{QueueSize: 1}, nil)

	require.NoError(t, pool.Submit(func(context.Context) {}))
	err := pool.Submit(func(context.Context) {})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestPoolDrainsBacklogOnShutdown(t *testing.T) {
	pool := NewPool(config.TriggerConfig{QueueSize: 4}, nil)

	block := make(chan struct{})
	var ran atomic.Int64
	require.NoError(t, pool.Submit(func(context.Context) {
		<-block
		ran.Add(1)
	}))
	require.NoError(t, pool.Submit(func(context.Context) {
		ran.Add(1)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx, 1) }()

	cancel()
	close(block)
	require.NoError(t, <-done)
	assert.Equal(t, int64(2), ran.Load(), "queued bodies still run during shutdown")

	assert.ErrorIs(t, pool.Submit(func(context.Context) {}), ErrStopped)
}
