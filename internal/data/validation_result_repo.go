package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/rechnio/rechnio-go/internal/data/pgxutil"
	"github.com/rechnio/rechnio-go/internal/domain/model"
)

const validationResultColumns = `
	id, file_name, valid, errors, warnings, details, created_at`

// ValidationResultRepo persists the structured result document produced by a
// validation capability.
type ValidationResultRepo struct {
	DB *sql.DB
}

// NewValidationResultRepo creates a new ValidationResultRepo.
func NewValidationResultRepo(db *sql.DB) *ValidationResultRepo {
	return &ValidationResultRepo{DB: db}
}

// Create persists one validation outcome and returns the stored record.
func (r *ValidationResultRepo) Create(ctx context.Context, fileName string, outcome model.ValidationOutcome) (*model.ValidationResult, error) {
	var out model.ValidationResult
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, `
			INSERT INTO validation_results (file_name, valid, errors, warnings, details)
			VALUES ($1, $2, $3, $4, COALESCE($5::jsonb, 'null'::jsonb))
			RETURNING`+validationResultColumns,
			fileName, outcome.Valid, outcome.ErrorCount, outcome.WarningCount, outcome.Details)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		out, qerr = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.ValidationResult])
		return qerr
	})
	if err != nil {
		return nil, fmt.Errorf("create validation result: %w", err)
	}
	return &out, nil
}

// GetByID fetches one stored validation result.
func (r *ValidationResultRepo) GetByID(ctx context.Context, id string) (*model.ValidationResult, error) {
	var out model.ValidationResult
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx,
			`SELECT`+validationResultColumns+` FROM validation_results WHERE id = $1`, id)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		out, qerr = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.ValidationResult])
		return qerr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrValidationResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get validation result: %w", err)
	}
	return &out, nil
}
