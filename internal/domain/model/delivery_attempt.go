//revive:disable-next-line:var-naming // legacy package name widely used across the project
package model

import (
	"encoding/json"
	"time"
)

// DeliveryStatus is the state machine position of one delivery record:
// pending -> {success | retrying -> ... -> success | failed}.
type DeliveryStatus string

const (
	// DeliveryStatusPending means no attempt has been made yet.
	DeliveryStatusPending DeliveryStatus = "pending"
	// DeliveryStatusRetrying means the last attempt failed and a retry is scheduled.
	DeliveryStatusRetrying DeliveryStatus = "retrying"
	// DeliveryStatusSuccess is terminal.
	DeliveryStatusSuccess DeliveryStatus = "success"
	// DeliveryStatusFailed is terminal: the attempt budget is exhausted.
	DeliveryStatusFailed DeliveryStatus = "failed"
)

// IsTerminal reports whether no further transition occurs from s.
func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliveryStatusSuccess || s == DeliveryStatusFailed
}

// MaxDeliveryAttempts is the default attempt budget per delivery.
const MaxDeliveryAttempts = 4

// RetrySchedule is the fixed-step backoff between consecutive retry attempts.
// The last entry is a ceiling step, not the start of an exponential curve.
// Part of the observable contract.
var RetrySchedule = [...]time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	120 * time.Minute,
}

// NextRetryDelay returns the delay before the retry that follows failed
// attempt number attemptCount (1-indexed). Attempts beyond the schedule reuse
// the ceiling step.
func NextRetryDelay(attemptCount int) time.Duration {
	if attemptCount < 1 {
		attemptCount = 1
	}
	idx := attemptCount - 1
	if idx >= len(RetrySchedule) {
		idx = len(RetrySchedule) - 1
	}
	return RetrySchedule[idx]
}

// DeliveryAttempt is one event delivery to one subscription, including its
// full attempt history fields for subscriber debugging.
type DeliveryAttempt struct {
	ID             string `json:"id"              db:"id"`
	SubscriptionID string `json:"subscription_id" db:"subscription_id"`

	EventType EventType `json:"event_type" db:"event_type"`
	// EventID is included in the payload for receiver-side idempotency.
	EventID string          `json:"event_id" db:"event_id"`
	Payload json.RawMessage `json:"payload"  db:"payload"`

	Status       DeliveryStatus `json:"status"        db:"status"`
	AttemptCount int            `json:"attempt_count" db:"attempt_count"`
	MaxAttempts  int            `json:"max_attempts"  db:"max_attempts"`

	// NextRetryAt is non-nil iff Status is retrying.
	NextRetryAt *time.Time `json:"next_retry_at,omitempty" db:"next_retry_at"`

	ResponseCode   *int    `json:"response_code,omitempty"    db:"response_code"`
	ResponseBody   *string `json:"response_body,omitempty"    db:"response_body"`
	ResponseTimeMs *int64  `json:"response_time_ms,omitempty" db:"response_time_ms"`
	ErrorText      *string `json:"error_text,omitempty"       db:"error_text"`

	CreatedAt     time.Time  `json:"created_at"               db:"created_at"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"   db:"completed_at"`
}

// Exhausted reports whether the attempt budget is spent.
func (d *DeliveryAttempt) Exhausted() bool {
	max := d.MaxAttempts
	if max <= 0 {
		max = MaxDeliveryAttempts
	}
	return d.AttemptCount >= max
}
