package data

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rechnio/rechnio-go/internal/domain/model"
)

// defaultSubscriptionCacheTTL bounds staleness when an invalidation is lost.
const defaultSubscriptionCacheTTL = 5 * time.Minute

// kvCache is the slice of RedisCacheRepo the subscription cache needs.
type kvCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
}

// SubscriptionCache caches the fan-out lookup (event type -> active
// subscriptions) in Redis. Fan-out runs on every run completion and every
// validated file, so it is the hottest read path in the delivery engine.
// Cached entries never contain signing secrets; those are re-read from the
// repository at delivery time.
type SubscriptionCache struct {
	cache kvCache
	ttl   time.Duration
}

// NewSubscriptionCache creates a SubscriptionCache over a Redis-backed kv
// repo. A non-positive ttl falls back to the default.
func NewSubscriptionCache(cache kvCache, ttl time.Duration) *SubscriptionCache {
	if ttl <= 0 {
		ttl = defaultSubscriptionCacheTTL
	}
	return &SubscriptionCache{cache: cache, ttl: ttl}
}

func subscriptionCacheKey(eventType model.EventType) string {
	return "webhook:subs:" + string(eventType)
}

// GetByEvent returns the cached subscription list for an event type, or
// (nil, false) on a miss. Decode failures are treated as misses.
func (c *SubscriptionCache) GetByEvent(ctx context.Context, eventType model.EventType) ([]*model.WebhookSubscription, bool) {
	raw, err := c.cache.Get(ctx, subscriptionCacheKey(eventType))
	if err != nil || raw == nil {
		return nil, false
	}
	var subs []*model.WebhookSubscription
	if err := json.Unmarshal(raw, &subs); err != nil {
		return nil, false
	}
	return subs, true
}

// SetByEvent caches the subscription list for an event type with secrets
// stripped.
func (c *SubscriptionCache) SetByEvent(ctx context.Context, eventType model.EventType, subs []*model.WebhookSubscription) error {
	stripped := make([]*model.WebhookSubscription, len(subs))
	for i, s := range subs {
		clone := *s
		clone.Secret = ""
		stripped[i] = &clone
	}
	raw, err := json.Marshal(stripped)
	if err != nil {
		return fmt.Errorf("encode subscription cache entry: %w", err)
	}
	return c.cache.Set(ctx, subscriptionCacheKey(eventType), raw, c.ttl)
}

// Invalidate drops the cached lists for the given event types. Called by
// subscription CRUD; a subscription change can affect several event keys.
func (c *SubscriptionCache) Invalidate(ctx context.Context, eventTypes ...model.EventType) error {
	for _, et := range eventTypes {
		if _, err := c.cache.Delete(ctx, subscriptionCacheKey(et)); err != nil {
			return fmt.Errorf("invalidate subscription cache for %s: %w", et, err)
		}
	}
	return nil
}

// InvalidateAll drops every event-type key. Used when a subscription's event
// set changed and the previous set is unknown.
func (c *SubscriptionCache) InvalidateAll(ctx context.Context) error {
	return c.Invalidate(ctx,
		model.EventRunCompleted, model.EventRunFailed,
		model.EventInvoiceValidated, model.EventInvoiceRejected,
		model.EventWebhookTest)
}
