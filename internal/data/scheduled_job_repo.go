package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rechnio/rechnio-go/internal/data/cryptoutil"
	"github.com/rechnio/rechnio-go/internal/data/pgxutil"
	"github.com/rechnio/rechnio-go/internal/domain/model"
)

const scheduledJobColumns = `
	id, account_id, name, provider, credentials_enc,
	bucket, prefix, pattern, cron_expr, timezone,
	enabled, status, post_action, move_to_folder, notification_url,
	last_run_status, total_runs, files_validated, files_valid, files_invalid,
	created_at, updated_at`

// ScheduledJobRepo provides CRUD over scheduled validation jobs. Storage
// credentials are encrypted before they reach the database and are only
// decrypted on explicit request; List and Get never return plaintext.
type ScheduledJobRepo struct {
	DB  *sql.DB
	Enc cryptoutil.Encryptor
}

// NewScheduledJobRepo creates a new ScheduledJobRepo.
func NewScheduledJobRepo(db *sql.DB, enc cryptoutil.Encryptor) *ScheduledJobRepo {
	return &ScheduledJobRepo{DB: db, Enc: enc}
}

func (r *ScheduledJobRepo) mapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrScheduledJobNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation &&
		pgErr.ConstraintName == "scheduled_jobs_account_id_name_key" {
		return ErrScheduledJobNameExists
	}
	return err
}

// Create inserts a new scheduled job, storing the encrypted credential blob.
func (r *ScheduledJobRepo) Create(ctx context.Context, req model.CreateScheduledJobRequest) (*model.ScheduledJob, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	cipher, err := r.Enc.Encrypt([]byte(req.Credentials))
	if err != nil {
		return nil, fmt.Errorf("encrypt credentials: %w", err)
	}

	enabled := req.Enabled == nil || *req.Enabled

	var out model.ScheduledJob
	err = pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, `
			INSERT INTO scheduled_jobs (
				account_id, name, provider, credentials_enc,
				bucket, prefix, pattern, cron_expr, timezone,
				enabled, post_action, move_to_folder, notification_url
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			RETURNING`+scheduledJobColumns,
			req.AccountID, req.Name, req.Provider, cipher,
			req.Bucket, req.Prefix, req.Pattern, req.CronExpr, req.Timezone,
			enabled, req.PostAction, req.MoveToFolder, req.NotificationURL)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		out, qerr = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.ScheduledJob])
		return qerr
	})
	if err != nil {
		return nil, r.mapWriteErr(err)
	}
	out.CredentialsEnc = ""
	return &out, nil
}

// GetByID fetches a job by id. The credential blob is not returned.
func (r *ScheduledJobRepo) GetByID(ctx context.Context, id string) (*model.ScheduledJob, error) {
	var out model.ScheduledJob
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx,
			`SELECT`+scheduledJobColumns+` FROM scheduled_jobs WHERE id = $1`, id)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		out, qerr = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.ScheduledJob])
		return qerr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrScheduledJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scheduled job: %w", err)
	}
	out.CredentialsEnc = ""
	return &out, nil
}

// DecryptedCredentials returns the plaintext credential blob for a job. The
// result lives in memory only; callers must not log or persist it.
func (r *ScheduledJobRepo) DecryptedCredentials(ctx context.Context, id string) ([]byte, error) {
	var cipher string
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx,
			`SELECT credentials_enc FROM scheduled_jobs WHERE id = $1`, id).Scan(&cipher)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrScheduledJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credentials: %w", err)
	}
	pt, err := r.Enc.Decrypt(cipher)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials: %w", err)
	}
	return pt, nil
}

// List returns jobs for an account with pagination, newest first.
func (r *ScheduledJobRepo) List(ctx context.Context, accountID string, limit, offset int) ([]*model.ScheduledJob, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var jobsSlice []model.ScheduledJob
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx,
			`SELECT`+scheduledJobColumns+`
			FROM scheduled_jobs
			WHERE account_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2 OFFSET $3`, accountID, limit, offset)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		jobsSlice, qerr = pgx.CollectRows(rows, pgx.RowToStructByName[model.ScheduledJob])
		return qerr
	})
	if err != nil {
		return nil, fmt.Errorf("list scheduled jobs: %w", err)
	}

	jobs := make([]*model.ScheduledJob, len(jobsSlice))
	for i := range jobsSlice {
		jobsSlice[i].CredentialsEnc = ""
		jobs[i] = &jobsSlice[i]
	}
	return jobs, nil
}

// ListEnabled returns every enabled job across all accounts. Used at startup
// to replay schedule registrations.
func (r *ScheduledJobRepo) ListEnabled(ctx context.Context) ([]*model.ScheduledJob, error) {
	var jobsSlice []model.ScheduledJob
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx,
			`SELECT`+scheduledJobColumns+`
			FROM scheduled_jobs
			WHERE enabled = TRUE
			ORDER BY created_at ASC`)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		jobsSlice, qerr = pgx.CollectRows(rows, pgx.RowToStructByName[model.ScheduledJob])
		return qerr
	})
	if err != nil {
		return nil, fmt.Errorf("list enabled jobs: %w", err)
	}

	jobs := make([]*model.ScheduledJob, len(jobsSlice))
	for i := range jobsSlice {
		jobsSlice[i].CredentialsEnc = ""
		jobs[i] = &jobsSlice[i]
	}
	return jobs, nil
}

// buildJobUpdateSQL constructs the UPDATE statement from the set fields.
func buildJobUpdateSQL(id string, req model.UpdateScheduledJobRequest, cipher *string) (string, []any) {
	setParts := make([]string, 0, 12)
	args := make([]any, 0, 13)
	add := func(col string, val any) {
		args = append(args, val)
		setParts = append(setParts, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if req.Name != nil {
		add("name", *req.Name)
	}
	if cipher != nil {
		add("credentials_enc", *cipher)
	}
	if req.Bucket != nil {
		add("bucket", *req.Bucket)
	}
	if req.Prefix != nil {
		add("prefix", *req.Prefix)
	}
	if req.Pattern != nil {
		add("pattern", *req.Pattern)
	}
	if req.CronExpr != nil {
		add("cron_expr", *req.CronExpr)
	}
	if req.Timezone != nil {
		add("timezone", *req.Timezone)
	}
	if req.Enabled != nil {
		add("enabled", *req.Enabled)
	}
	if req.PostAction != nil {
		add("post_action", *req.PostAction)
	}
	if req.MoveToFolder != nil {
		add("move_to_folder", *req.MoveToFolder)
	}
	if req.NotificationURL != nil {
		add("notification_url", *req.NotificationURL)
	}
	setParts = append(setParts, "updated_at = now()")

	args = append(args, id)
	query := "UPDATE scheduled_jobs SET " + strings.Join(setParts, ", ") +
		fmt.Sprintf(" WHERE id = $%d RETURNING", len(args)) + scheduledJobColumns
	return query, args
}

// Update applies an explicit partial update and returns the updated job.
func (r *ScheduledJobRepo) Update(ctx context.Context, id string, req model.UpdateScheduledJobRequest) (*model.ScheduledJob, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var cipher *string
	if req.Credentials != nil {
		c, err := r.Enc.Encrypt([]byte(*req.Credentials))
		if err != nil {
			return nil, fmt.Errorf("encrypt credentials: %w", err)
		}
		cipher = &c
	}
	query, args := buildJobUpdateSQL(id, req, cipher)

	var out model.ScheduledJob
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, query, args...)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		out, qerr = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.ScheduledJob])
		return qerr
	})
	if err != nil {
		return nil, r.mapWriteErr(err)
	}
	out.CredentialsEnc = ""
	return &out, nil
}

// Delete removes a job by id, cascading to its runs and processed files.
func (r *ScheduledJobRepo) Delete(ctx context.Context, id string) (bool, error) {
	var affected int64
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		ct, execErr := conn.Exec(ctx, `DELETE FROM scheduled_jobs WHERE id = $1`, id)
		if execErr != nil {
			return execErr
		}
		affected = ct.RowsAffected()
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete scheduled job: %w", err)
	}
	return affected > 0, nil
}

// SetStatus transitions the job's operational status.
func (r *ScheduledJobRepo) SetStatus(ctx context.Context, id string, status model.JobStatus) error {
	var affected int64
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		ct, execErr := conn.Exec(ctx,
			`UPDATE scheduled_jobs SET status = $2, updated_at = now() WHERE id = $1`,
			id, status)
		if execErr != nil {
			return execErr
		}
		affected = ct.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("set job status: %w", err)
	}
	if affected == 0 {
		return ErrScheduledJobNotFound
	}
	return nil
}

// RecordRunOutcome writes the last-run marker and rolls the run counters into
// the job's lifetime totals in one statement.
func (r *ScheduledJobRepo) RecordRunOutcome(ctx context.Context, id, lastRunStatus string, c model.RunCounters) error {
	var affected int64
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		ct, execErr := conn.Exec(ctx, `
			UPDATE scheduled_jobs SET
				last_run_status = $2,
				total_runs      = total_runs + 1,
				files_validated = files_validated + $3,
				files_valid     = files_valid + $4,
				files_invalid   = files_invalid + $5,
				updated_at      = now()
			WHERE id = $1`,
			id, lastRunStatus, c.FilesValidated, c.FilesValid, c.FilesInvalid)
		if execErr != nil {
			return execErr
		}
		affected = ct.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("record run outcome: %w", err)
	}
	if affected == 0 {
		return ErrScheduledJobNotFound
	}
	return nil
}
