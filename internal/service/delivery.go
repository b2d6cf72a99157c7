package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/rechnio/rechnio-go/internal/core"
	"github.com/rechnio/rechnio-go/internal/domain/model"
	"github.com/rechnio/rechnio-go/internal/observability/metrics"
	"github.com/rechnio/rechnio-go/internal/observability/statsd"
)

// Wire contract headers attached to every delivery. Receivers verify the
// signature by recomputing HMAC-SHA256 over the raw request body with their
// subscription secret.
const (
	HeaderSignature = "X-Rechnio-Signature"
	HeaderEvent     = "X-Rechnio-Event"
	HeaderDelivery  = "X-Rechnio-Delivery"

	signaturePrefix = "sha256="
	deliveryAgent   = "rechnio-webhooks/1"
)

// maxResponseBodyBytes caps how much of the receiver's response is persisted
// for debugging.
const maxResponseBodyBytes = 4 * 1024

// defaultAttemptTimeout bounds one HTTP delivery attempt.
const defaultAttemptTimeout = 10 * time.Second

// SignPayload computes the signature header value for a body and secret.
// Exposed so subscribers' SDK code and tests share the exact contract.
func SignPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// DeliveryOptions groups dependencies for DeliveryService.
type DeliveryOptions struct {
	Deliveries    core.DeliveryRepository
	Subscriptions core.SubscriptionRepository

	// HTTPClient defaults to a client with the attempt timeout.
	HTTPClient *http.Client
	Now        func() time.Time
	Logger     *slog.Logger
	Metrics    statsd.Sink
}

// DeliveryService sends signed webhook deliveries and drives the per-record
// retry state machine: pending -> {success | retrying -> ... -> success | failed}.
type DeliveryService struct {
	deliveries core.DeliveryRepository
	subs       core.SubscriptionRepository
	client     *http.Client
	now        func() time.Time
	logger     *slog.Logger
	metrics    statsd.Sink
}

// NewDeliveryService constructs a new DeliveryService.
func NewDeliveryService(opts DeliveryOptions) (*DeliveryService, error) {
	if opts.Deliveries == nil || opts.Subscriptions == nil {
		return nil, errors.New("delivery and subscription repositories are required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: defaultAttemptTimeout}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &DeliveryService{
		deliveries: opts.Deliveries,
		subs:       opts.Subscriptions,
		client:     opts.HTTPClient,
		now:        opts.Now,
		logger:     opts.Logger.With("component", "delivery"),
		metrics:    opts.Metrics,
	}, nil
}

// Deliver creates the delivery record for one subscription and immediately
// makes the first attempt.
func (s *DeliveryService) Deliver(ctx context.Context, sub *model.WebhookSubscription, p core.CreateDeliveryParams) (*model.DeliveryAttempt, error) {
	rec, err := s.deliveries.Create(ctx, p)
	if err != nil {
		return nil, err
	}
	return s.Attempt(ctx, sub, rec)
}

// Attempt makes one HTTP attempt for the record and applies the outcome. A
// 2xx response is terminal success; anything else schedules the next retry
// from the fixed backoff schedule, or terminally fails the record once the
// attempt budget is spent.
func (s *DeliveryService) Attempt(ctx context.Context, sub *model.WebhookSubscription, rec *model.DeliveryAttempt) (*model.DeliveryAttempt, error) {
	now := s.now().UTC()
	if err := s.subs.RecordAttempt(ctx, sub.ID, now); err != nil {
		s.logger.ErrorContext(ctx, "record attempt counter failed", "subscription_id", sub.ID, "error", err)
	}

	outcome := s.post(ctx, sub, rec)

	res := core.DeliveryAttemptResult{
		ResponseCode:   outcome.code,
		ResponseBody:   outcome.body,
		ResponseTimeMs: outcome.timeMs,
		ErrorText:      outcome.errText,
	}

	attemptNumber := rec.AttemptCount + 1
	switch {
	case outcome.ok:
		res.Status = model.DeliveryStatusSuccess
	case attemptNumber >= rec.MaxAttempts:
		res.Status = model.DeliveryStatusFailed
	default:
		retryAt := s.now().UTC().Add(model.NextRetryDelay(attemptNumber))
		res.Status = model.DeliveryStatusRetrying
		res.NextRetryAt = &retryAt
	}

	updated, err := s.deliveries.RecordAttempt(ctx, rec.ID, res)
	if err != nil {
		return nil, fmt.Errorf("record delivery attempt %s: %w", rec.ID, err)
	}

	s.updateSubscriptionCounters(ctx, sub.ID, res.Status)
	s.logAttempt(ctx, sub, updated, outcome)
	metrics.EmitDelivery(s.metrics, metrics.DeliveryMetric{
		EventType: rec.EventType,
		Status:    res.Status,
		Duration:  outcome.elapsed,
		Err:       outcome.err,
	})
	return updated, nil
}

type attemptOutcome struct {
	ok      bool
	code    *int
	body    *string
	timeMs  *int64
	errText *string
	elapsed time.Duration
	err     error
}

// post performs the signed HTTP POST. Network errors and non-2xx responses
// both come back as a failed outcome, never as a Go error.
func (s *DeliveryService) post(ctx context.Context, sub *model.WebhookSubscription, rec *model.DeliveryAttempt) attemptOutcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(rec.Payload))
	if err != nil {
		msg := fmt.Sprintf("build request: %v", err)
		return attemptOutcome{errText: &msg, err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", deliveryAgent)
	req.Header.Set(HeaderSignature, SignPayload(sub.Secret, rec.Payload))
	req.Header.Set(HeaderEvent, string(rec.EventType))
	req.Header.Set(HeaderDelivery, rec.ID)

	start := s.now()
	resp, err := s.client.Do(req)
	elapsed := s.now().Sub(start)
	elapsedMs := elapsed.Milliseconds()

	if err != nil {
		msg := fmt.Sprintf("post webhook: %v", err)
		return attemptOutcome{timeMs: &elapsedMs, errText: &msg, elapsed: elapsed, err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	body := string(bodyBytes)
	code := resp.StatusCode

	out := attemptOutcome{
		ok:      code >= 200 && code < 300,
		code:    &code,
		body:    &body,
		timeMs:  &elapsedMs,
		elapsed: elapsed,
	}
	if !out.ok {
		msg := fmt.Sprintf("receiver returned status %d", code)
		out.errText = &msg
	}
	return out
}

// updateSubscriptionCounters applies the counter policy: successes count on
// terminal success, failures count terminally on exhaustion, every failed
// attempt stamps last_failed_at.
func (s *DeliveryService) updateSubscriptionCounters(ctx context.Context, subID string, status model.DeliveryStatus) {
	now := s.now().UTC()
	var err error
	switch status {
	case model.DeliveryStatusSuccess:
		err = s.subs.MarkSuccess(ctx, subID, now)
	case model.DeliveryStatusFailed:
		err = s.subs.MarkFailure(ctx, subID, now, true)
	case model.DeliveryStatusRetrying:
		err = s.subs.MarkFailure(ctx, subID, now, false)
	case model.DeliveryStatusPending:
		// Not an attempt outcome.
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "update subscription counters failed", "subscription_id", subID, "error", err)
	}
}

func (s *DeliveryService) logAttempt(ctx context.Context, sub *model.WebhookSubscription, rec *model.DeliveryAttempt, outcome attemptOutcome) {
	attrs := []any{
		"delivery_id", rec.ID,
		"subscription_id", sub.ID,
		"event_type", string(rec.EventType),
		"status", string(rec.Status),
		"attempt", rec.AttemptCount,
	}
	if outcome.code != nil {
		attrs = append(attrs, "response_code", *outcome.code)
	}
	if rec.Status == model.DeliveryStatusSuccess {
		s.logger.InfoContext(ctx, "delivery succeeded", attrs...)
		return
	}
	if rec.NextRetryAt != nil {
		attrs = append(attrs, "next_retry_at", rec.NextRetryAt.Format(time.RFC3339))
	}
	s.logger.WarnContext(ctx, "delivery attempt failed", attrs...)
}

// Sweep claims deliveries whose retry is due and re-attempts them. Returns
// the number of records attempted. Deliveries whose subscription has been
// deactivated are terminally failed without an HTTP attempt.
func (s *DeliveryService) Sweep(ctx context.Context, batchSize int) (int, error) {
	due, err := s.deliveries.ClaimDueRetries(ctx, batchSize)
	if err != nil {
		return 0, err
	}

	attempted := 0
	for _, rec := range due {
		sub, err := s.subs.GetByID(ctx, rec.SubscriptionID)
		if err != nil {
			s.logger.ErrorContext(ctx, "load subscription for retry failed",
				"delivery_id", rec.ID, "subscription_id", rec.SubscriptionID, "error", err)
			continue
		}
		if !sub.Active {
			s.abandonForInactiveSubscription(ctx, rec)
			continue
		}
		if _, err := s.Attempt(ctx, sub, rec); err != nil {
			s.logger.ErrorContext(ctx, "retry attempt failed", "delivery_id", rec.ID, "error", err)
			continue
		}
		attempted++
	}
	return attempted, nil
}

func (s *DeliveryService) abandonForInactiveSubscription(ctx context.Context, rec *model.DeliveryAttempt) {
	msg := "subscription deactivated before delivery completed"
	_, err := s.deliveries.RecordAttempt(ctx, rec.ID, core.DeliveryAttemptResult{
		Status:    model.DeliveryStatusFailed,
		ErrorText: &msg,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "abandon delivery failed", "delivery_id", rec.ID, "error", err)
	}
}

// TestSend delivers a synthetic webhook.test event to one subscription
// through the full signing and retry pipeline.
func (s *DeliveryService) TestSend(ctx context.Context, subscriptionID string) (*model.DeliveryAttempt, error) {
	sub, err := s.subs.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	event := model.WebhookEvent{
		ID:        uuid.NewString(),
		Type:      model.EventWebhookTest,
		CreatedAt: s.now().UTC(),
		Data:      map[string]any{"message": "test delivery", "subscription_id": sub.ID},
	}
	payload, err := event.Payload()
	if err != nil {
		return nil, err
	}

	return s.Deliver(ctx, sub, core.CreateDeliveryParams{
		SubscriptionID: sub.ID,
		EventType:      event.Type,
		EventID:        event.ID,
		Payload:        payload,
	})
}
