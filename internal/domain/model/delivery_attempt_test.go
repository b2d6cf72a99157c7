package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryScheduleContract(t *testing.T) {
	// The schedule is part of the observable contract: exactly these steps.
	want := []time.Duration{
		1 * time.Minute,
		5 * time.Minute,
		30 * time.Minute,
		120 * time.Minute,
	}
	assert.Equal(t, want, RetrySchedule[:])
	assert.Equal(t, 4, MaxDeliveryAttempts)
}

func TestNextRetryDelay(t *testing.T) {
	assert.Equal(t, 1*time.Minute, NextRetryDelay(1))
	assert.Equal(t, 5*time.Minute, NextRetryDelay(2))
	assert.Equal(t, 30*time.Minute, NextRetryDelay(3))
	assert.Equal(t, 120*time.Minute, NextRetryDelay(4))

	// Beyond the schedule the ceiling step repeats.
	assert.Equal(t, 120*time.Minute, NextRetryDelay(9))
	// Defensive lower bound.
	assert.Equal(t, 1*time.Minute, NextRetryDelay(0))
}

func TestDeliveryStatusTerminal(t *testing.T) {
	assert.False(t, DeliveryStatusPending.IsTerminal())
	assert.False(t, DeliveryStatusRetrying.IsTerminal())
	assert.True(t, DeliveryStatusSuccess.IsTerminal())
	assert.True(t, DeliveryStatusFailed.IsTerminal())
}

func TestDeliveryExhausted(t *testing.T) {
	d := DeliveryAttempt{AttemptCount: 3, MaxAttempts: 4}
	assert.False(t, d.Exhausted())

	d.AttemptCount = 4
	assert.True(t, d.Exhausted())

	// Zero MaxAttempts falls back to the default budget.
	d = DeliveryAttempt{AttemptCount: MaxDeliveryAttempts}
	assert.True(t, d.Exhausted())
}
