package data

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/rechnio/rechnio-go/internal/data/pgxutil"
	"github.com/rechnio/rechnio-go/internal/domain/model"
)

const processedFileColumns = `
	id, run_id, remote_key, name, size,
	valid, error_count, warning_count, validation_result_id,
	failure_text, created_at`

// ProcessedFileRepo persists the per-file ledger of a run. Rows are created
// before the download starts and receive exactly one terminal write: an
// outcome or a failure.
type ProcessedFileRepo struct {
	DB *sql.DB
}

// NewProcessedFileRepo creates a new ProcessedFileRepo.
func NewProcessedFileRepo(db *sql.DB) *ProcessedFileRepo {
	return &ProcessedFileRepo{DB: db}
}

// Create inserts the pre-download record for one remote object.
func (r *ProcessedFileRepo) Create(ctx context.Context, runID, remoteKey, name string, size int64) (*model.ProcessedFile, error) {
	var out model.ProcessedFile
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, `
			INSERT INTO processed_files (run_id, remote_key, name, size)
			VALUES ($1, $2, $3, $4)
			RETURNING`+processedFileColumns, runID, remoteKey, name, size)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		out, qerr = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.ProcessedFile])
		return qerr
	})
	if err != nil {
		return nil, fmt.Errorf("create processed file: %w", err)
	}
	return &out, nil
}

// SetOutcome writes the validation outcome and the reference to the persisted
// validation result.
func (r *ProcessedFileRepo) SetOutcome(ctx context.Context, id string, outcome model.ValidationOutcome, resultID string) error {
	var affected int64
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		ct, execErr := conn.Exec(ctx, `
			UPDATE processed_files SET
				valid                = $2,
				error_count          = $3,
				warning_count        = $4,
				validation_result_id = $5
			WHERE id = $1`,
			id, outcome.Valid, outcome.ErrorCount, outcome.WarningCount, resultID)
		if execErr != nil {
			return execErr
		}
		affected = ct.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("set file outcome: %w", err)
	}
	if affected == 0 {
		return ErrProcessedFileNotFound
	}
	return nil
}

// SetFailure records why the file could not be validated (download error,
// persistence error). Failed files never carry an outcome.
func (r *ProcessedFileRepo) SetFailure(ctx context.Context, id, failureText string) error {
	var affected int64
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		ct, execErr := conn.Exec(ctx,
			`UPDATE processed_files SET failure_text = $2 WHERE id = $1`, id, failureText)
		if execErr != nil {
			return execErr
		}
		affected = ct.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("set file failure: %w", err)
	}
	if affected == 0 {
		return ErrProcessedFileNotFound
	}
	return nil
}

// ListByRun returns the per-file records of one run in processing order.
func (r *ProcessedFileRepo) ListByRun(ctx context.Context, runID string) ([]*model.ProcessedFile, error) {
	var filesSlice []model.ProcessedFile
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, `
			SELECT`+processedFileColumns+`
			FROM processed_files
			WHERE run_id = $1
			ORDER BY created_at ASC, id ASC`, runID)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		filesSlice, qerr = pgx.CollectRows(rows, pgx.RowToStructByName[model.ProcessedFile])
		return qerr
	})
	if err != nil {
		return nil, fmt.Errorf("list processed files: %w", err)
	}

	files := make([]*model.ProcessedFile, len(filesSlice))
	for i := range filesSlice {
		files[i] = &filesSlice[i]
	}
	return files, nil
}
