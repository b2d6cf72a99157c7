package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rechnio/rechnio-go/internal/core"
	"github.com/rechnio/rechnio-go/internal/domain/model"
)

// SubscriptionOptions groups dependencies for SubscriptionService.
type SubscriptionOptions struct {
	Repo     core.SubscriptionRepository
	Cache    core.SubscriptionCache
	Delivery *DeliveryService

	Evaluator JMESPathEvaluator
	Logger    *slog.Logger
}

// SubscriptionService manages webhook subscriptions. Every mutation
// invalidates the fan-out cache so event matching converges quickly.
type SubscriptionService struct {
	repo     core.SubscriptionRepository
	cache    core.SubscriptionCache
	delivery *DeliveryService
	jems     JMESPathEvaluator
	logger   *slog.Logger
}

// NewSubscriptionService constructs a new SubscriptionService.
func NewSubscriptionService(opts SubscriptionOptions) (*SubscriptionService, error) {
	if opts.Repo == nil {
		return nil, errors.New("subscription repository is required")
	}
	if opts.Evaluator == nil {
		opts.Evaluator = jmespathLibEvaluator{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &SubscriptionService{
		repo:     opts.Repo,
		cache:    opts.Cache,
		delivery: opts.Delivery,
		jems:     opts.Evaluator,
		logger:   opts.Logger.With("component", "subscriptions"),
	}, nil
}

// Create registers a subscription. The returned record carries the plaintext
// signing secret; this is the only time it leaves the service.
func (s *SubscriptionService) Create(ctx context.Context, req model.CreateWebhookSubscriptionRequest) (*model.WebhookSubscription, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := s.validateFilter(req.PayloadFilter); err != nil {
		return nil, err
	}

	sub, err := s.repo.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx)
	s.logger.InfoContext(ctx, "subscription created", "subscription_id", sub.ID, "events", sub.Events)
	return sub, nil
}

// GetByID returns one subscription. The secret is never included.
func (s *SubscriptionService) GetByID(ctx context.Context, id string) (*model.WebhookSubscription, error) {
	sub, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	sub.Secret = ""
	return sub, nil
}

// List returns subscriptions for an account with pagination.
func (s *SubscriptionService) List(ctx context.Context, accountID string, limit, offset int) ([]*model.WebhookSubscription, error) {
	return s.repo.List(ctx, accountID, limit, offset)
}

// Update applies a partial update and invalidates the fan-out cache.
func (s *SubscriptionService) Update(ctx context.Context, id string, req model.UpdateWebhookSubscriptionRequest) (*model.WebhookSubscription, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := s.validateFilter(req.PayloadFilter); err != nil {
		return nil, err
	}

	sub, err := s.repo.Update(ctx, id, req)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx)
	return sub, nil
}

// RotateSecret replaces the signing secret and returns the new plaintext
// exactly once. In-flight deliveries signed with the old secret may still
// arrive; receivers should accept both during a rotation window.
func (s *SubscriptionService) RotateSecret(ctx context.Context, id string) (string, error) {
	secret, err := s.repo.RotateSecret(ctx, id)
	if err != nil {
		return "", err
	}
	s.logger.InfoContext(ctx, "subscription secret rotated", "subscription_id", id)
	return secret, nil
}

// Delete removes the subscription. Pending deliveries for it are terminally
// failed by the sweeper on their next due check.
func (s *SubscriptionService) Delete(ctx context.Context, id string) (bool, error) {
	deleted, err := s.repo.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if deleted {
		s.invalidate(ctx)
		s.logger.InfoContext(ctx, "subscription deleted", "subscription_id", id)
	}
	return deleted, nil
}

// TestSend pushes a synthetic test event through the full delivery pipeline.
func (s *SubscriptionService) TestSend(ctx context.Context, id string) (*model.DeliveryAttempt, error) {
	if s.delivery == nil {
		return nil, errors.New("delivery service not configured")
	}
	return s.delivery.TestSend(ctx, id)
}

// Deliveries returns the delivery history for a subscription, newest first.
func (s *SubscriptionService) Deliveries(ctx context.Context, id string, limit, offset int) ([]*model.DeliveryAttempt, error) {
	if s.delivery == nil {
		return nil, errors.New("delivery service not configured")
	}
	return s.delivery.deliveries.ListBySubscription(ctx, id, limit, offset)
}

func (s *SubscriptionService) validateFilter(filter *string) error {
	if filter == nil || strings.TrimSpace(*filter) == "" {
		return nil
	}
	if err := s.jems.Validate(*filter); err != nil {
		return fmt.Errorf("invalid payload_filter: %w", err)
	}
	return nil
}

// invalidate drops every cached fan-out list. Mutations are rare compared to
// event emissions, so blanket invalidation beats tracking per-event deltas.
func (s *SubscriptionService) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateAll(ctx); err != nil {
		s.logger.WarnContext(ctx, "subscription cache invalidation failed", "error", err)
	}
}
