//revive:disable-next-line:var-naming // legacy package name widely used across the project
package model

import "time"

// RunStatus is the lifecycle status of a single job firing.
type RunStatus string

const (
	// RunStatusPending means the run record exists but execution has not started.
	RunStatusPending RunStatus = "pending"
	// RunStatusRunning means the firing is executing.
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted is terminal: the firing finished, possibly with
	// file-level failures recorded in the counters.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed is terminal: the firing aborted before per-file
	// processing began (credentials, listing, provider construction).
	RunStatusFailed RunStatus = "failed"
)

// IsTerminal reports whether no further transition occurs from s.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// JobRun records one firing of a scheduled job and its outcome.
type JobRun struct {
	ID    string `json:"id"     db:"id"`
	JobID string `json:"job_id" db:"job_id"`

	Status RunStatus `json:"status" db:"status"`

	FilesFound     int `json:"files_found"     db:"files_found"`
	FilesValidated int `json:"files_validated" db:"files_validated"`
	FilesValid     int `json:"files_valid"     db:"files_valid"`
	FilesInvalid   int `json:"files_invalid"   db:"files_invalid"`
	FilesFailed    int `json:"files_failed"    db:"files_failed"`

	ErrorText *string `json:"error_text,omitempty" db:"error_text"`

	StartedAt   time.Time  `json:"started_at"             db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// RunCounters carries the per-run counters written on completion and rolled
// up into the parent job's lifetime counters.
type RunCounters struct {
	FilesFound     int
	FilesValidated int
	FilesValid     int
	FilesInvalid   int
	FilesFailed    int
}
