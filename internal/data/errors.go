package data

import "errors"

// Shared sentinel errors for data-layer repositories.
var (
	// Scheduled job repository sentinels.
	ErrScheduledJobNotFound   = errors.New("scheduled job not found")
	ErrScheduledJobNameExists = errors.New("scheduled job name already exists for this account")

	// Job run repository sentinels.
	ErrRunNotFound = errors.New("job run not found")
	// ErrRunInProgress means another run for the same job is still running.
	ErrRunInProgress = errors.New("a run for this job is already in progress")

	// Processed file repository sentinels.
	ErrProcessedFileNotFound    = errors.New("processed file not found")
	ErrValidationResultNotFound = errors.New("validation result not found")

	// Webhook repository sentinels.
	ErrSubscriptionNotFound = errors.New("webhook subscription not found")
	ErrDeliveryNotFound     = errors.New("delivery attempt not found")
	// ErrDeliveryFinalized means the record already reached success or failed
	// and accepts no further attempts.
	ErrDeliveryFinalized = errors.New("delivery attempt already finalized")
)
