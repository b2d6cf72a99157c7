//revive:disable-next-line:var-naming // legacy package name widely used across the project
package model

import (
	"encoding/json"
	"time"
)

// ProcessedFile records one remote object handled during a run. The row is
// created before the download starts so a crash mid-run leaves visible
// partial progress; it is never mutated after its terminal write. Status is
// implicit: outcome fields populated means validated, FailureText populated
// means the file failed.
type ProcessedFile struct {
	ID    string `json:"id"     db:"id"`
	RunID string `json:"run_id" db:"run_id"`

	RemoteKey string `json:"remote_key" db:"remote_key"`
	Name      string `json:"name"       db:"name"`
	Size      int64  `json:"size"       db:"size"`

	// Valid is nil until validation produced an outcome.
	Valid              *bool   `json:"valid,omitempty"                db:"valid"`
	ErrorCount         int     `json:"error_count"                    db:"error_count"`
	WarningCount       int     `json:"warning_count"                  db:"warning_count"`
	ValidationResultID *string `json:"validation_result_id,omitempty" db:"validation_result_id"`

	FailureText *string `json:"failure_text,omitempty" db:"failure_text"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ValidationOutcome is the structured result returned by a validation
// capability for one file.
type ValidationOutcome struct {
	Valid        bool            `json:"valid"`
	ErrorCount   int             `json:"error_count"`
	WarningCount int             `json:"warning_count"`
	Details      json.RawMessage `json:"details,omitempty"`
}

// ValidationResult is the persisted external record of a validation outcome,
// referenced from ProcessedFile by id.
type ValidationResult struct {
	ID        string          `json:"id"                db:"id"`
	FileName  string          `json:"file_name"         db:"file_name"`
	Valid     bool            `json:"valid"             db:"valid"`
	Errors    int             `json:"errors"            db:"errors"`
	Warnings  int             `json:"warnings"          db:"warnings"`
	Details   json.RawMessage `json:"details,omitempty" db:"details"`
	CreatedAt time.Time       `json:"created_at"        db:"created_at"`
}
