package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"

	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/rechnio/rechnio-go/internal/core"
	"github.com/rechnio/rechnio-go/internal/domain/model"
)

// JMESPathEvaluator abstracts JMESPath operations for testability.
type JMESPathEvaluator interface {
	Validate(expr string) error
	Evaluate(expr string, data any) (any, error)
}

// jmespathLibEvaluator implements JMESPathEvaluator using go-jmespath.
type jmespathLibEvaluator struct{}

func (j jmespathLibEvaluator) Validate(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	_, err := jmespath.Compile(expr)
	return err
}

func (j jmespathLibEvaluator) Evaluate(expr string, data any) (any, error) {
	return jmespath.Search(expr, data)
}

// defaultFanoutWorkers bounds concurrent deliveries started by Emit.
const defaultFanoutWorkers = 8

// EventEmitterOptions groups dependencies for EventEmitterService.
type EventEmitterOptions struct {
	Subscriptions core.SubscriptionRepository
	Cache         core.SubscriptionCache
	Delivery      *DeliveryService

	Evaluator JMESPathEvaluator
	Workers   int
	Logger    *slog.Logger
}

// EventEmitterService fans application events out to matching webhook
// subscriptions. The event-type lookup is cached in Redis; deliveries run
// asynchronously with bounded concurrency so emitters never block on
// receiver latency.
type EventEmitterService struct {
	subs     core.SubscriptionRepository
	cache    core.SubscriptionCache
	delivery *DeliveryService
	jems     JMESPathEvaluator
	logger   *slog.Logger

	sem chan struct{}
	wg  sync.WaitGroup
}

var _ core.EventEmitter = (*EventEmitterService)(nil)

// NewEventEmitterService constructs a new EventEmitterService.
func NewEventEmitterService(opts EventEmitterOptions) (*EventEmitterService, error) {
	if opts.Subscriptions == nil || opts.Delivery == nil {
		return nil, errors.New("subscription repository and delivery service are required")
	}
	if opts.Evaluator == nil {
		opts.Evaluator = jmespathLibEvaluator{}
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultFanoutWorkers
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &EventEmitterService{
		subs:     opts.Subscriptions,
		cache:    opts.Cache,
		delivery: opts.Delivery,
		jems:     opts.Evaluator,
		logger:   opts.Logger.With("component", "event_emitter"),
		sem:      make(chan struct{}, opts.Workers),
	}, nil
}

// Emit fans the event out to every active subscription covering its type.
// Delivery failures are handled by the retry machinery, never surfaced to
// the emitting pipeline.
func (s *EventEmitterService) Emit(ctx context.Context, event model.WebhookEvent) {
	matched, err := s.matchSubscriptions(ctx, event.Type)
	if err != nil {
		s.logger.ErrorContext(ctx, "fan-out lookup failed", "event_type", string(event.Type), "error", err)
		return
	}
	if len(matched) == 0 {
		return
	}

	payload, err := event.Payload()
	if err != nil {
		s.logger.ErrorContext(ctx, "encode event failed", "event_type", string(event.Type), "error", err)
		return
	}

	// Deliveries outlive the emitting request or run.
	bgCtx := context.WithoutCancel(ctx)
	for _, sub := range matched {
		sub := sub
		s.wg.Add(1)
		s.sem <- struct{}{}
		go func() {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.deliverTo(bgCtx, sub.ID, event, payload)
		}()
	}
}

// Wait blocks until all in-flight fan-out deliveries return. Called during
// graceful shutdown.
func (s *EventEmitterService) Wait() {
	s.wg.Wait()
}

// matchSubscriptions resolves the active subscriptions for an event type,
// preferring the cache.
func (s *EventEmitterService) matchSubscriptions(ctx context.Context, eventType model.EventType) ([]*model.WebhookSubscription, error) {
	if s.cache != nil {
		if subs, ok := s.cache.GetByEvent(ctx, eventType); ok {
			return subs, nil
		}
	}
	subs, err := s.subs.ListActiveByEvent(ctx, eventType)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if cerr := s.cache.SetByEvent(ctx, eventType, subs); cerr != nil {
			s.logger.WarnContext(ctx, "cache subscription list failed", "event_type", string(eventType), "error", cerr)
		}
	}
	return subs, nil
}

func (s *EventEmitterService) deliverTo(ctx context.Context, subscriptionID string, event model.WebhookEvent, payload json.RawMessage) {
	// Re-read for the signing secret: cached entries never carry it.
	sub, err := s.subs.GetByID(ctx, subscriptionID)
	if err != nil {
		s.logger.ErrorContext(ctx, "load subscription failed", "subscription_id", subscriptionID, "error", err)
		return
	}
	if !sub.Active || !sub.SubscribesTo(event.Type) {
		// The cache can lag a deactivation or event-set change briefly.
		return
	}

	body := s.applyFilter(ctx, sub, payload)

	if _, err := s.delivery.Deliver(ctx, sub, core.CreateDeliveryParams{
		SubscriptionID: sub.ID,
		EventType:      event.Type,
		EventID:        event.ID,
		Payload:        body,
	}); err != nil {
		s.logger.ErrorContext(ctx, "delivery creation failed",
			"subscription_id", sub.ID, "event_type", string(event.Type), "error", err)
	}
}

// applyFilter runs the subscription's JMESPath filter over the payload. A
// failing filter delivers the unfiltered payload rather than dropping the
// event.
func (s *EventEmitterService) applyFilter(ctx context.Context, sub *model.WebhookSubscription, payload json.RawMessage) json.RawMessage {
	if sub.PayloadFilter == nil || strings.TrimSpace(*sub.PayloadFilter) == "" {
		return payload
	}

	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		s.logger.WarnContext(ctx, "payload filter skipped, payload not decodable", "subscription_id", sub.ID, "error", err)
		return payload
	}
	filtered, err := s.jems.Evaluate(*sub.PayloadFilter, decoded)
	if err != nil {
		s.logger.WarnContext(ctx, "payload filter failed, delivering unfiltered", "subscription_id", sub.ID, "error", err)
		return payload
	}
	encoded, err := json.Marshal(filtered)
	if err != nil {
		s.logger.WarnContext(ctx, "payload filter result not encodable, delivering unfiltered", "subscription_id", sub.ID, "error", err)
		return payload
	}
	return encoded
}
