package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rechnio/rechnio-go/internal/core"
	"github.com/rechnio/rechnio-go/internal/data/pgxutil"
	"github.com/rechnio/rechnio-go/internal/domain/model"
)

const deliveryColumns = `
	id, subscription_id, event_type, event_id, payload,
	status, attempt_count, max_attempts, next_retry_at,
	response_code, response_body, response_time_ms, error_text,
	created_at, last_attempt_at, completed_at`

// retryLease is how long a claimed retry is invisible to other sweepers.
// Generous compared to the per-attempt HTTP timeout so a claim never expires
// mid-attempt.
const retryLease = 2 * time.Minute

// DeliveryRepo persists webhook delivery records and their attempt history.
type DeliveryRepo struct {
	DB   *sql.DB
	Time TimeProvider
}

// NewDeliveryRepo creates a new DeliveryRepo.
func NewDeliveryRepo(db *sql.DB, tp TimeProvider) *DeliveryRepo {
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	return &DeliveryRepo{DB: db, Time: tp}
}

// Create inserts a pending delivery record. MaxAttempts defaults to the
// model budget when zero.
func (r *DeliveryRepo) Create(ctx context.Context, p core.CreateDeliveryParams) (*model.DeliveryAttempt, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = model.MaxDeliveryAttempts
	}

	var out model.DeliveryAttempt
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, `
			INSERT INTO webhook_deliveries (subscription_id, event_type, event_id, payload, max_attempts)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING`+deliveryColumns,
			p.SubscriptionID, p.EventType, p.EventID, p.Payload, p.MaxAttempts)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		out, qerr = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.DeliveryAttempt])
		return qerr
	})
	if err != nil {
		return nil, fmt.Errorf("create delivery: %w", err)
	}
	return &out, nil
}

// RecordAttempt applies one attempt outcome: bumps attempt_count, stores the
// response evidence, and moves the status machine. Terminal statuses stamp
// completed_at; retrying stamps next_retry_at. Records already in a terminal
// status are immutable and return ErrDeliveryFinalized.
func (r *DeliveryRepo) RecordAttempt(ctx context.Context, id string, res core.DeliveryAttemptResult) (*model.DeliveryAttempt, error) {
	if (res.Status == model.DeliveryStatusRetrying) != (res.NextRetryAt != nil) {
		return nil, errors.New("next_retry_at must be set exactly when status is retrying")
	}

	now := r.Time.Now().UTC()
	var completedAt *time.Time
	if res.Status.IsTerminal() {
		completedAt = &now
	}

	var out model.DeliveryAttempt
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, `
			UPDATE webhook_deliveries SET
				status           = $2,
				attempt_count    = attempt_count + 1,
				next_retry_at    = $3,
				response_code    = $4,
				response_body    = $5,
				response_time_ms = $6,
				error_text       = $7,
				last_attempt_at  = $8,
				completed_at     = $9
			WHERE id = $1 AND status IN ('pending', 'retrying')
			RETURNING`+deliveryColumns,
			id, res.Status, res.NextRetryAt,
			res.ResponseCode, res.ResponseBody, res.ResponseTimeMs, res.ErrorText,
			now, completedAt)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		out, qerr = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.DeliveryAttempt])
		return qerr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		// Unknown ids and finalized records both miss the predicate.
		return nil, ErrDeliveryFinalized
	}
	if err != nil {
		return nil, fmt.Errorf("record delivery attempt: %w", err)
	}
	return &out, nil
}

// ClaimDueRetries atomically claims retrying records whose next_retry_at has
// elapsed, plus pending records abandoned by a crashed process. Claimed rows
// get their next_retry_at pushed out by a short lease so concurrent sweepers
// skip them; SKIP LOCKED keeps sweepers from blocking each other.
func (r *DeliveryRepo) ClaimDueRetries(ctx context.Context, limit int) ([]*model.DeliveryAttempt, error) {
	if limit <= 0 {
		limit = 50
	}
	now := r.Time.Now().UTC()

	var claimed []model.DeliveryAttempt
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{Fn: func(tx pgx.Tx) error {
		rows, qerr := tx.Query(ctx, `
			SELECT`+deliveryColumns+`
			FROM webhook_deliveries
			WHERE (status = 'retrying' AND next_retry_at <= $1)
			   OR (status = 'pending' AND created_at <= $1 - interval '5 minutes')
			ORDER BY COALESCE(next_retry_at, created_at) ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED`, now, limit)
		if qerr != nil {
			return qerr
		}
		claimed, qerr = pgx.CollectRows(rows, pgx.RowToStructByName[model.DeliveryAttempt])
		if qerr != nil {
			return qerr
		}
		if len(claimed) == 0 {
			return nil
		}

		ids := make([]string, len(claimed))
		for i := range claimed {
			ids[i] = claimed[i].ID
		}
		lease := now.Add(retryLease)
		_, qerr = tx.Exec(ctx, `
			UPDATE webhook_deliveries
			SET status = 'retrying', next_retry_at = $2
			WHERE id = ANY($1)`, ids, lease)
		return qerr
	}})
	if err != nil {
		return nil, fmt.Errorf("claim due retries: %w", err)
	}

	out := make([]*model.DeliveryAttempt, len(claimed))
	for i := range claimed {
		out[i] = &claimed[i]
	}
	return out, nil
}

// GetByID fetches one delivery record.
func (r *DeliveryRepo) GetByID(ctx context.Context, id string) (*model.DeliveryAttempt, error) {
	var out model.DeliveryAttempt
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx,
			`SELECT`+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		out, qerr = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.DeliveryAttempt])
		return qerr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDeliveryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get delivery: %w", err)
	}
	return &out, nil
}

// ListBySubscription returns delivery history for a subscription, newest first.
func (r *DeliveryRepo) ListBySubscription(ctx context.Context, subscriptionID string, limit, offset int) ([]*model.DeliveryAttempt, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var deliveriesSlice []model.DeliveryAttempt
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, `
			SELECT`+deliveryColumns+`
			FROM webhook_deliveries
			WHERE subscription_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2 OFFSET $3`, subscriptionID, limit, offset)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		deliveriesSlice, qerr = pgx.CollectRows(rows, pgx.RowToStructByName[model.DeliveryAttempt])
		return qerr
	})
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}

	deliveries := make([]*model.DeliveryAttempt, len(deliveriesSlice))
	for i := range deliveriesSlice {
		deliveries[i] = &deliveriesSlice[i]
	}
	return deliveries, nil
}
