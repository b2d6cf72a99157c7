package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rechnio/rechnio-go/internal/data/pgxutil"
	"github.com/rechnio/rechnio-go/internal/domain/model"
)

const jobRunColumns = `
	id, job_id, status,
	files_found, files_validated, files_valid, files_invalid, files_failed,
	error_text, started_at, completed_at`

// JobRunRepo persists run records for scheduled job firings. The partial
// unique index on (job_id) WHERE status = 'running' backs the
// one-execution-per-job rule at the database level.
type JobRunRepo struct {
	DB *sql.DB
}

// NewJobRunRepo creates a new JobRunRepo.
func NewJobRunRepo(db *sql.DB) *JobRunRepo {
	return &JobRunRepo{DB: db}
}

// Create inserts a run in running state. Returns ErrRunInProgress when
// another running record exists for the same job.
func (r *JobRunRepo) Create(ctx context.Context, jobID string) (*model.JobRun, error) {
	var out model.JobRun
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, `
			INSERT INTO job_runs (job_id, status)
			VALUES ($1, 'running')
			RETURNING`+jobRunColumns, jobID)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		out, qerr = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.JobRun])
		return qerr
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, ErrRunInProgress
		}
		return nil, fmt.Errorf("create job run: %w", err)
	}
	return &out, nil
}

// Complete transitions a running record to completed and writes the counters.
func (r *JobRunRepo) Complete(ctx context.Context, id string, c model.RunCounters) (*model.JobRun, error) {
	var out model.JobRun
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, `
			UPDATE job_runs SET
				status          = 'completed',
				files_found     = $2,
				files_validated = $3,
				files_valid     = $4,
				files_invalid   = $5,
				files_failed    = $6,
				completed_at    = now()
			WHERE id = $1 AND status = 'running'
			RETURNING`+jobRunColumns,
			id, c.FilesFound, c.FilesValidated, c.FilesValid, c.FilesInvalid, c.FilesFailed)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		out, qerr = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.JobRun])
		return qerr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("complete job run: %w", err)
	}
	return &out, nil
}

// Fail transitions a running record to failed with the job-level error.
func (r *JobRunRepo) Fail(ctx context.Context, id, errorText string) (*model.JobRun, error) {
	var out model.JobRun
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, `
			UPDATE job_runs SET
				status       = 'failed',
				error_text   = $2,
				completed_at = now()
			WHERE id = $1 AND status = 'running'
			RETURNING`+jobRunColumns, id, errorText)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		out, qerr = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.JobRun])
		return qerr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fail job run: %w", err)
	}
	return &out, nil
}

// GetByID fetches one run.
func (r *JobRunRepo) GetByID(ctx context.Context, id string) (*model.JobRun, error) {
	var out model.JobRun
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx,
			`SELECT`+jobRunColumns+` FROM job_runs WHERE id = $1`, id)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		out, qerr = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.JobRun])
		return qerr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job run: %w", err)
	}
	return &out, nil
}

// ListByJob returns runs for a job with pagination, newest first.
func (r *JobRunRepo) ListByJob(ctx context.Context, jobID string, limit, offset int) ([]*model.JobRun, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var runsSlice []model.JobRun
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, `
			SELECT`+jobRunColumns+`
			FROM job_runs
			WHERE job_id = $1
			ORDER BY started_at DESC, id DESC
			LIMIT $2 OFFSET $3`, jobID, limit, offset)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		runsSlice, qerr = pgx.CollectRows(rows, pgx.RowToStructByName[model.JobRun])
		return qerr
	})
	if err != nil {
		return nil, fmt.Errorf("list job runs: %w", err)
	}

	runs := make([]*model.JobRun, len(runsSlice))
	for i := range runsSlice {
		runs[i] = &runsSlice[i]
	}
	return runs, nil
}

// ReleaseStale force-fails running records older than the cutoff. Covers
// crashed processes that never released their running row.
func (r *JobRunRepo) ReleaseStale(ctx context.Context, olderThanMinutes int) (int64, error) {
	var affected int64
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		ct, execErr := conn.Exec(ctx, `
			UPDATE job_runs SET
				status       = 'failed',
				error_text   = 'run abandoned: process exited mid-run',
				completed_at = now()
			WHERE status = 'running'
			  AND started_at < now() - ($1::bigint * interval '1 minute')`,
			olderThanMinutes)
		if execErr != nil {
			return execErr
		}
		affected = ct.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("release stale runs: %w", err)
	}
	return affected, nil
}
