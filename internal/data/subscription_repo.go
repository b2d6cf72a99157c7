package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rechnio/rechnio-go/internal/data/cryptoutil"
	"github.com/rechnio/rechnio-go/internal/data/pgxutil"
	"github.com/rechnio/rechnio-go/internal/domain/model"
)

const subscriptionColumns = `
	id, account_id, url, events, secret, payload_filter, active,
	total_deliveries, successful_deliveries, failed_deliveries,
	last_triggered_at, last_succeeded_at, last_failed_at, created_at`

// SubscriptionRepo provides CRUD over webhook subscriptions. Signing secrets
// are encrypted at rest; reads decrypt them because the delivery engine needs
// the plaintext to sign bodies. Callers must not serialize the Secret field.
type SubscriptionRepo struct {
	DB  *sql.DB
	Enc cryptoutil.Encryptor
}

// NewSubscriptionRepo creates a new SubscriptionRepo.
func NewSubscriptionRepo(db *sql.DB, enc cryptoutil.Encryptor) *SubscriptionRepo {
	return &SubscriptionRepo{DB: db, Enc: enc}
}

func (r *SubscriptionRepo) decryptSecret(sub *model.WebhookSubscription) error {
	if sub == nil || sub.Secret == "" {
		return nil
	}
	pt, err := r.Enc.Decrypt(sub.Secret)
	if err != nil {
		return fmt.Errorf("decrypt subscription secret: %w", err)
	}
	sub.Secret = string(pt)
	return nil
}

// Create registers a subscription. A missing secret is generated in the
// whsec_<64 hex> format; either way the plaintext secret is returned exactly
// once so the consumer can store it.
func (r *SubscriptionRepo) Create(ctx context.Context, req model.CreateWebhookSubscriptionRequest) (*model.WebhookSubscription, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	secret := req.Secret
	if secret == "" {
		generated, err := model.GenerateWebhookSecret()
		if err != nil {
			return nil, err
		}
		secret = generated
	}
	cipher, err := r.Enc.Encrypt([]byte(secret))
	if err != nil {
		return nil, fmt.Errorf("encrypt subscription secret: %w", err)
	}

	active := req.Active == nil || *req.Active

	var out model.WebhookSubscription
	err = pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, `
			INSERT INTO webhook_subscriptions (account_id, url, events, secret, payload_filter, active)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING`+subscriptionColumns,
			req.AccountID, req.URL, req.Events, cipher, req.PayloadFilter, active)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		out, qerr = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.WebhookSubscription])
		return qerr
	})
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	out.Secret = secret
	return &out, nil
}

// GetByID fetches a subscription with its decrypted signing secret.
func (r *SubscriptionRepo) GetByID(ctx context.Context, id string) (*model.WebhookSubscription, error) {
	var out model.WebhookSubscription
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx,
			`SELECT`+subscriptionColumns+` FROM webhook_subscriptions WHERE id = $1`, id)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		out, qerr = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.WebhookSubscription])
		return qerr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	if decErr := r.decryptSecret(&out); decErr != nil {
		return nil, decErr
	}
	return &out, nil
}

// List returns subscriptions for an account with pagination, newest first.
// Secrets are blanked in list responses.
func (r *SubscriptionRepo) List(ctx context.Context, accountID string, limit, offset int) ([]*model.WebhookSubscription, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var subsSlice []model.WebhookSubscription
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, `
			SELECT`+subscriptionColumns+`
			FROM webhook_subscriptions
			WHERE account_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2 OFFSET $3`, accountID, limit, offset)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		subsSlice, qerr = pgx.CollectRows(rows, pgx.RowToStructByName[model.WebhookSubscription])
		return qerr
	})
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}

	subs := make([]*model.WebhookSubscription, len(subsSlice))
	for i := range subsSlice {
		subsSlice[i].Secret = ""
		subs[i] = &subsSlice[i]
	}
	return subs, nil
}

// ListActiveByEvent returns every active subscription covering the event
// type, with decrypted secrets ready for signing.
func (r *SubscriptionRepo) ListActiveByEvent(ctx context.Context, eventType model.EventType) ([]*model.WebhookSubscription, error) {
	var subsSlice []model.WebhookSubscription
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, `
			SELECT`+subscriptionColumns+`
			FROM webhook_subscriptions
			WHERE active = TRUE AND $1 = ANY(events)
			ORDER BY created_at ASC`, string(eventType))
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		subsSlice, qerr = pgx.CollectRows(rows, pgx.RowToStructByName[model.WebhookSubscription])
		return qerr
	})
	if err != nil {
		return nil, fmt.Errorf("list subscriptions for event: %w", err)
	}

	subs := make([]*model.WebhookSubscription, 0, len(subsSlice))
	for i := range subsSlice {
		if decErr := r.decryptSecret(&subsSlice[i]); decErr != nil {
			return nil, decErr
		}
		subs = append(subs, &subsSlice[i])
	}
	return subs, nil
}

// buildSubscriptionUpdateSQL constructs the UPDATE statement from the set fields.
func buildSubscriptionUpdateSQL(id string, req model.UpdateWebhookSubscriptionRequest) (string, []any) {
	setParts := make([]string, 0, 4)
	args := make([]any, 0, 5)
	add := func(col string, val any) {
		args = append(args, val)
		setParts = append(setParts, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if req.URL != nil {
		add("url", strings.TrimSpace(*req.URL))
	}
	if req.Events != nil {
		add("events", req.Events)
	}
	if req.PayloadFilter != nil {
		add("payload_filter", *req.PayloadFilter)
	}
	if req.Active != nil {
		add("active", *req.Active)
	}

	args = append(args, id)
	query := "UPDATE webhook_subscriptions SET " + strings.Join(setParts, ", ") +
		fmt.Sprintf(" WHERE id = $%d RETURNING", len(args)) + subscriptionColumns
	return query, args
}

// Update applies an explicit partial update and returns the updated
// subscription with a blanked secret.
func (r *SubscriptionRepo) Update(ctx context.Context, id string, req model.UpdateWebhookSubscriptionRequest) (*model.WebhookSubscription, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	query, args := buildSubscriptionUpdateSQL(id, req)

	var out model.WebhookSubscription
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, query, args...)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		out, qerr = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.WebhookSubscription])
		return qerr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update subscription: %w", err)
	}
	out.Secret = ""
	return &out, nil
}

// RotateSecret generates a fresh signing secret, stores it encrypted, and
// returns the plaintext exactly once.
func (r *SubscriptionRepo) RotateSecret(ctx context.Context, id string) (string, error) {
	secret, err := model.GenerateWebhookSecret()
	if err != nil {
		return "", err
	}
	cipher, err := r.Enc.Encrypt([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("encrypt subscription secret: %w", err)
	}

	var affected int64
	err = pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		ct, execErr := conn.Exec(ctx,
			`UPDATE webhook_subscriptions SET secret = $2 WHERE id = $1`, id, cipher)
		if execErr != nil {
			return execErr
		}
		affected = ct.RowsAffected()
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("rotate subscription secret: %w", err)
	}
	if affected == 0 {
		return "", ErrSubscriptionNotFound
	}
	return secret, nil
}

// Delete removes a subscription and cascades to its delivery history.
func (r *SubscriptionRepo) Delete(ctx context.Context, id string) (bool, error) {
	var affected int64
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		ct, execErr := conn.Exec(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
		if execErr != nil {
			return execErr
		}
		affected = ct.RowsAffected()
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete subscription: %w", err)
	}
	return affected > 0, nil
}

// RecordAttempt bumps total_deliveries and last_triggered_at. Called once per
// HTTP attempt, not per delivery record.
func (r *SubscriptionRepo) RecordAttempt(ctx context.Context, id string, at time.Time) error {
	return r.bumpCounters(ctx, `
		UPDATE webhook_subscriptions SET
			total_deliveries  = total_deliveries + 1,
			last_triggered_at = $2
		WHERE id = $1`, id, at)
}

// MarkSuccess bumps successful_deliveries on terminal delivery success.
func (r *SubscriptionRepo) MarkSuccess(ctx context.Context, id string, at time.Time) error {
	return r.bumpCounters(ctx, `
		UPDATE webhook_subscriptions SET
			successful_deliveries = successful_deliveries + 1,
			last_succeeded_at     = $2
		WHERE id = $1`, id, at)
}

// MarkFailure records a failed attempt; exhausted=true additionally bumps
// failed_deliveries because the delivery is terminally failed.
func (r *SubscriptionRepo) MarkFailure(ctx context.Context, id string, at time.Time, exhausted bool) error {
	if exhausted {
		return r.bumpCounters(ctx, `
			UPDATE webhook_subscriptions SET
				failed_deliveries = failed_deliveries + 1,
				last_failed_at    = $2
			WHERE id = $1`, id, at)
	}
	return r.bumpCounters(ctx,
		`UPDATE webhook_subscriptions SET last_failed_at = $2 WHERE id = $1`, id, at)
}

func (r *SubscriptionRepo) bumpCounters(ctx context.Context, query, id string, at time.Time) error {
	var affected int64
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		ct, execErr := conn.Exec(ctx, query, id, at)
		if execErr != nil {
			return execErr
		}
		affected = ct.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("update subscription counters: %w", err)
	}
	if affected == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}
