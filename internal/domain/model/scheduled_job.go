//revive:disable-next-line:var-naming // legacy package name widely used across the project
package model

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
)

// JobStatus is the operational status of a scheduled job.
type JobStatus string

const (
	// JobStatusActive means the job is healthy and firing on schedule.
	JobStatusActive JobStatus = "active"
	// JobStatusPaused means the job keeps its configuration but does not fire.
	JobStatusPaused JobStatus = "paused"
	// JobStatusError means the last run failed at the job level.
	JobStatusError JobStatus = "error"
)

// PostAction is the policy applied to a source file after validation.
type PostAction string

const (
	// PostActionNone leaves the source file in place.
	PostActionNone PostAction = "none"
	// PostActionDelete removes the source file after validation.
	PostActionDelete PostAction = "delete"
	// PostActionMove relocates the source file into MoveToFolder. Move takes
	// priority over delete when both are configured.
	PostActionMove PostAction = "move"
)

// LastRunStatus values persisted on the job for operator visibility.
const (
	LastRunSuccess = "success"
	LastRunError   = "error"
)

// Defaults applied by Normalize when the caller leaves fields empty.
const (
	DefaultFilePattern = "*.xml"
	DefaultTimezone    = "Europe/Berlin"
)

// ScheduledJob is a recurring validation job against a remote bucket.
type ScheduledJob struct {
	ID        string `json:"id"         db:"id"`
	AccountID string `json:"account_id" db:"account_id"`
	Name      string `json:"name"       db:"name"`

	Provider string `json:"provider" db:"provider"`
	// CredentialsEnc is the encrypted credential blob. Never serialized.
	CredentialsEnc string `json:"-" db:"credentials_enc"`

	Bucket  string `json:"bucket"  db:"bucket"`
	Prefix  string `json:"prefix"  db:"prefix"`
	Pattern string `json:"pattern" db:"pattern"`

	CronExpr string `json:"cron_expr" db:"cron_expr"`
	Timezone string `json:"timezone"  db:"timezone"`

	Enabled bool      `json:"enabled" db:"enabled"`
	Status  JobStatus `json:"status"  db:"status"`

	PostAction      PostAction `json:"post_action"                db:"post_action"`
	MoveToFolder    string     `json:"move_to_folder,omitempty"   db:"move_to_folder"`
	NotificationURL *string    `json:"notification_url,omitempty" db:"notification_url"`

	LastRunStatus *string `json:"last_run_status,omitempty" db:"last_run_status"`

	// Lifetime counters rolled up from completed runs.
	TotalRuns      int64 `json:"total_runs"      db:"total_runs"`
	FilesValidated int64 `json:"files_validated" db:"files_validated"`
	FilesValid     int64 `json:"files_valid"     db:"files_valid"`
	FilesInvalid   int64 `json:"files_invalid"   db:"files_invalid"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// CreateScheduledJobRequest carries the fields needed to create a job.
// Credentials arrive in plaintext and are encrypted by the data layer
// before they touch the database.
type CreateScheduledJobRequest struct {
	AccountID       string     `json:"account_id"`
	Name            string     `json:"name"`
	Provider        string     `json:"provider"`
	Credentials     string     `json:"credentials"`
	Bucket          string     `json:"bucket"`
	Prefix          string     `json:"prefix,omitempty"`
	Pattern         string     `json:"pattern,omitempty"`
	CronExpr        string     `json:"cron_expr"`
	Timezone        string     `json:"timezone,omitempty"`
	Enabled         *bool      `json:"enabled,omitempty"`
	PostAction      PostAction `json:"post_action,omitempty"`
	MoveToFolder    string     `json:"move_to_folder,omitempty"`
	NotificationURL *string    `json:"notification_url,omitempty"`
}

// Normalize normalizes the CreateScheduledJobRequest fields and applies defaults.
func (r *CreateScheduledJobRequest) Normalize() {
	r.AccountID = strings.TrimSpace(r.AccountID)
	r.Name = strings.TrimSpace(r.Name)
	r.Provider = strings.ToLower(strings.TrimSpace(r.Provider))
	r.Bucket = strings.TrimSpace(r.Bucket)
	r.Prefix = strings.TrimSpace(r.Prefix)
	r.Pattern = strings.TrimSpace(r.Pattern)
	r.CronExpr = strings.TrimSpace(r.CronExpr)
	r.Timezone = strings.TrimSpace(r.Timezone)
	r.MoveToFolder = strings.Trim(strings.TrimSpace(r.MoveToFolder), "/")

	if r.Pattern == "" {
		r.Pattern = DefaultFilePattern
	}
	if r.Timezone == "" {
		r.Timezone = DefaultTimezone
	}
	if r.PostAction == "" {
		r.PostAction = PostActionNone
	}
}

// Validate validates the CreateScheduledJobRequest fields.
func (r *CreateScheduledJobRequest) Validate() error {
	if r.AccountID == "" {
		return errors.New("account_id is required")
	}
	if r.Name == "" {
		return errors.New("name is required")
	}
	if r.Provider == "" {
		return errors.New("provider is required")
	}
	if r.Credentials == "" {
		return errors.New("credentials are required")
	}
	if r.Bucket == "" {
		return errors.New("bucket is required")
	}
	if r.CronExpr == "" {
		return errors.New("cron_expr is required")
	}
	if err := validateFilePattern(r.Pattern); err != nil {
		return err
	}
	if err := validateTimezone(r.Timezone); err != nil {
		return err
	}
	if err := validatePostAction(r.PostAction, r.MoveToFolder); err != nil {
		return err
	}
	return validateNotificationURL(r.NotificationURL)
}

// UpdateScheduledJobRequest is an explicit partial update: every mutable field
// is enumerated, applied field-by-field with validation. Nil means "unchanged".
type UpdateScheduledJobRequest struct {
	Name            *string     `json:"name,omitempty"`
	Credentials     *string     `json:"credentials,omitempty"`
	Bucket          *string     `json:"bucket,omitempty"`
	Prefix          *string     `json:"prefix,omitempty"`
	Pattern         *string     `json:"pattern,omitempty"`
	CronExpr        *string     `json:"cron_expr,omitempty"`
	Timezone        *string     `json:"timezone,omitempty"`
	Enabled         *bool       `json:"enabled,omitempty"`
	PostAction      *PostAction `json:"post_action,omitempty"`
	MoveToFolder    *string     `json:"move_to_folder,omitempty"`
	NotificationURL *string     `json:"notification_url,omitempty"`
}

// Normalize normalizes the UpdateScheduledJobRequest fields.
func (r *UpdateScheduledJobRequest) Normalize() {
	trim := func(in *string) {
		if in != nil {
			*in = strings.TrimSpace(*in)
		}
	}
	trim(r.Name)
	trim(r.Bucket)
	trim(r.Prefix)
	trim(r.Pattern)
	trim(r.CronExpr)
	trim(r.Timezone)
	if r.MoveToFolder != nil {
		*r.MoveToFolder = strings.Trim(strings.TrimSpace(*r.MoveToFolder), "/")
	}
}

// HasUpdates reports whether any field is set in UpdateScheduledJobRequest.
func (r *UpdateScheduledJobRequest) HasUpdates() bool {
	return r.Name != nil || r.Credentials != nil || r.Bucket != nil ||
		r.Prefix != nil || r.Pattern != nil || r.CronExpr != nil ||
		r.Timezone != nil || r.Enabled != nil || r.PostAction != nil ||
		r.MoveToFolder != nil || r.NotificationURL != nil
}

// Validate validates UpdateScheduledJobRequest, ensuring at least one field is set.
func (r *UpdateScheduledJobRequest) Validate() error {
	if !r.HasUpdates() {
		return errors.New("at least one field must be updated")
	}
	if r.Name != nil && *r.Name == "" {
		return errors.New("name cannot be empty")
	}
	if r.Credentials != nil && *r.Credentials == "" {
		return errors.New("credentials cannot be empty")
	}
	if r.Bucket != nil && *r.Bucket == "" {
		return errors.New("bucket cannot be empty")
	}
	if r.CronExpr != nil && *r.CronExpr == "" {
		return errors.New("cron_expr cannot be empty")
	}
	if r.Pattern != nil {
		if err := validateFilePattern(*r.Pattern); err != nil {
			return err
		}
	}
	if r.Timezone != nil {
		if err := validateTimezone(*r.Timezone); err != nil {
			return err
		}
	}
	if r.PostAction != nil {
		folder := ""
		if r.MoveToFolder != nil {
			folder = *r.MoveToFolder
		}
		// Folder presence is re-checked against the stored job by the service
		// when only one of the two fields changes.
		if *r.PostAction == PostActionMove && r.MoveToFolder != nil && folder == "" {
			return errors.New("move_to_folder is required when post_action is move")
		}
		if err := validatePostAction(*r.PostAction, "placeholder"); err != nil {
			return err
		}
	}
	return validateNotificationURL(r.NotificationURL)
}

func validateFilePattern(pattern string) error {
	if pattern == "" {
		return errors.New("pattern cannot be empty")
	}
	if _, err := path.Match(pattern, "probe"); err != nil {
		return fmt.Errorf("pattern %q is not a valid glob: %w", pattern, err)
	}
	return nil
}

func validateTimezone(tz string) error {
	if tz == "" {
		return errors.New("timezone cannot be empty")
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("timezone %q is not a valid IANA zone: %w", tz, err)
	}
	return nil
}

func validatePostAction(action PostAction, moveToFolder string) error {
	switch action {
	case PostActionNone, PostActionDelete:
		return nil
	case PostActionMove:
		if moveToFolder == "" {
			return errors.New("move_to_folder is required when post_action is move")
		}
		return nil
	default:
		return fmt.Errorf("post_action must be one of: none, delete, move (got %q)", action)
	}
}

func validateNotificationURL(raw *string) error {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil
	}
	parsed, err := url.Parse(strings.TrimSpace(*raw))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return errors.New("notification_url must be a valid http(s) URL")
	}
	return nil
}
