package service

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rechnio/rechnio-go/internal/domain/model"
)

type subServiceFixture struct {
	repo  *fakeSubRepo
	cache *fakeSubCache
	svc   *SubscriptionService
}

func newSubServiceFixture(t *testing.T) *subServiceFixture {
	t.Helper()
	f := &subServiceFixture{
		repo:  newFakeSubRepo(),
		cache: newFakeSubCache(),
	}
	delivery, err := NewDeliveryService(DeliveryOptions{
		Deliveries:    newFakeDeliveryRepo(),
		Subscriptions: f.repo,
		Logger:        slog.Default(),
	})
	require.NoError(t, err)

	svc, err := NewSubscriptionService(SubscriptionOptions{
		Repo:     f.repo,
		Cache:    f.cache,
		Delivery: delivery,
		Logger:   slog.Default(),
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func subCreateRequest() model.CreateWebhookSubscriptionRequest {
	return model.CreateWebhookSubscriptionRequest{
		AccountID: "acct-1",
		URL:       "https://hooks.example.com/rechnio",
		Events:    []string{string(model.EventRunCompleted)},
	}
}

func TestSubscriptionCreateReturnsSecretOnce(t *testing.T) {
	f := newSubServiceFixture(t)

	sub, err := f.svc.Create(context.Background(), subCreateRequest())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sub.Secret, model.WebhookSecretPrefix))
	require.NoError(t, model.ValidateWebhookSecret(sub.Secret))

	got, err := f.svc.GetByID(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Secret, "reads never expose the secret")
}

func TestSubscriptionCreateValidatesFilter(t *testing.T) {
	f := newSubServiceFixture(t)
	req := subCreateRequest()
	filter := "data.[invalid"
	req.PayloadFilter = &filter

	_, err := f.svc.Create(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payload_filter")
}

func TestSubscriptionCreateRejectsUnknownEvent(t *testing.T) {
	f := newSubServiceFixture(t)
	req := subCreateRequest()
	req.Events = []string{"invoice.exploded"}

	_, err := f.svc.Create(context.Background(), req)
	require.Error(t, err)
}

func TestSubscriptionMutationsInvalidateCache(t *testing.T) {
	f := newSubServiceFixture(t)

	sub, err := f.svc.Create(context.Background(), subCreateRequest())
	require.NoError(t, err)
	assert.Equal(t, 1, f.cache.invalidated)

	url := "https://hooks.example.com/v2"
	_, err = f.svc.Update(context.Background(), sub.ID, model.UpdateWebhookSubscriptionRequest{URL: &url})
	require.NoError(t, err)
	assert.Equal(t, 2, f.cache.invalidated)

	deleted, err := f.svc.Delete(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, 3, f.cache.invalidated)
}

func TestSubscriptionDeleteMissingDoesNotInvalidate(t *testing.T) {
	f := newSubServiceFixture(t)
	deleted, err := f.svc.Delete(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.Equal(t, 0, f.cache.invalidated)
}

func TestSubscriptionRotateSecretReturnsFreshSecret(t *testing.T) {
	f := newSubServiceFixture(t)
	sub, err := f.svc.Create(context.Background(), subCreateRequest())
	require.NoError(t, err)

	rotated, err := f.svc.RotateSecret(context.Background(), sub.ID)
	require.NoError(t, err)
	require.NoError(t, model.ValidateWebhookSecret(rotated))
	assert.NotEqual(t, sub.Secret, rotated)
}

func TestSubscriptionTestSendDelivers(t *testing.T) {
	var gotSignature string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get(HeaderSignature)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f := newSubServiceFixture(t)
	req := subCreateRequest()
	req.URL = server.URL
	sub, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)

	rec, err := f.svc.TestSend(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryStatusSuccess, rec.Status)
	assert.Equal(t, model.EventWebhookTest, rec.EventType)
	assert.True(t, strings.HasPrefix(gotSignature, "sha256="))
}

func TestSubscriptionUpdateValidatesEvents(t *testing.T) {
	f := newSubServiceFixture(t)
	sub, err := f.svc.Create(context.Background(), subCreateRequest())
	require.NoError(t, err)

	_, err = f.svc.Update(context.Background(), sub.ID, model.UpdateWebhookSubscriptionRequest{
		Events: []string{"not.a.thing"},
	})
	require.Error(t, err)

	updated, err := f.svc.Update(context.Background(), sub.ID, model.UpdateWebhookSubscriptionRequest{
		Events: []string{string(model.EventInvoiceRejected), string(model.EventRunFailed)},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"invoice.rejected", "job.run.failed"}, updated.Events)
}
