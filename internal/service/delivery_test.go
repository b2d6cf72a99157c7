package service

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rechnio/rechnio-go/internal/core"
	"github.com/rechnio/rechnio-go/internal/data"
	"github.com/rechnio/rechnio-go/internal/domain/model"
)

const testSecret = "whsec_0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func testSubscription(url string) *model.WebhookSubscription {
	return &model.WebhookSubscription{
		ID:        "sub-1",
		AccountID: "acct-1",
		URL:       url,
		Events:    []string{string(model.EventRunCompleted), string(model.EventWebhookTest)},
		Secret:    testSecret,
		Active:    true,
	}
}

type deliveryFixture struct {
	deliveries *fakeDeliveryRepo
	subs       *fakeSubRepo
	svc        *DeliveryService
	now        time.Time
}

func newDeliveryFixture(t *testing.T) *deliveryFixture {
	t.Helper()
	f := &deliveryFixture{
		deliveries: newFakeDeliveryRepo(),
		subs:       newFakeSubRepo(),
		now:        time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC),
	}
	svc, err := NewDeliveryService(DeliveryOptions{
		Deliveries:    f.deliveries,
		Subscriptions: f.subs,
		Now:           func() time.Time { return f.now },
		Logger:        slog.Default(),
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func TestDeliverSuccessSignsAndCompletes(t *testing.T) {
	var gotSignature, gotEvent, gotDelivery, gotAgent string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get(HeaderSignature)
		gotEvent = r.Header.Get(HeaderEvent)
		gotDelivery = r.Header.Get(HeaderDelivery)
		gotAgent = r.Header.Get("User-Agent")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f := newDeliveryFixture(t)
	sub := testSubscription(server.URL)
	f.subs.put(sub)

	payload := []byte(`{"id":"evt-1","type":"job.run.completed"}`)
	rec, err := f.svc.Deliver(context.Background(), sub, core.CreateDeliveryParams{
		SubscriptionID: sub.ID,
		EventType:      model.EventRunCompleted,
		EventID:        "evt-1",
		Payload:        payload,
	})
	require.NoError(t, err)

	assert.Equal(t, model.DeliveryStatusSuccess, rec.Status)
	assert.Equal(t, 1, rec.AttemptCount)
	assert.Nil(t, rec.NextRetryAt)
	require.NotNil(t, rec.ResponseCode)
	assert.Equal(t, http.StatusOK, *rec.ResponseCode)
	assert.NotNil(t, rec.CompletedAt)

	// Receivers verify by recomputing the HMAC over the raw body.
	assert.Equal(t, SignPayload(testSecret, payload), gotSignature)
	assert.Equal(t, payload, gotBody)
	assert.Equal(t, "job.run.completed", gotEvent)
	assert.Equal(t, rec.ID, gotDelivery)
	assert.Equal(t, "rechnio-webhooks/1", gotAgent)

	assert.Equal(t, 1, f.subs.attempts)
	assert.Equal(t, 1, f.subs.successes)
	assert.Equal(t, 0, f.subs.failures)
}

func TestDeliverFailureSchedulesFirstRetry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}))
	defer server.Close()

	f := newDeliveryFixture(t)
	sub := testSubscription(server.URL)
	f.subs.put(sub)

	rec, err := f.svc.Deliver(context.Background(), sub, core.CreateDeliveryParams{
		SubscriptionID: sub.ID,
		EventType:      model.EventRunCompleted,
		EventID:        "evt-1",
		Payload:        []byte(`{}`),
	})
	require.NoError(t, err)

	assert.Equal(t, model.DeliveryStatusRetrying, rec.Status)
	require.NotNil(t, rec.NextRetryAt)
	assert.Equal(t, f.now.Add(1*time.Minute), *rec.NextRetryAt)
	require.NotNil(t, rec.ErrorText)
	assert.Contains(t, *rec.ErrorText, "502")
	require.NotNil(t, rec.ResponseBody)
	assert.Contains(t, *rec.ResponseBody, "upstream unavailable")

	assert.Equal(t, 1, f.subs.failures)
	assert.Equal(t, 0, f.subs.exhausted)
}

func TestRetryScheduleProgressionAndExhaustion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	f := newDeliveryFixture(t)
	sub := testSubscription(server.URL)
	f.subs.put(sub)

	rec, err := f.svc.Deliver(context.Background(), sub, core.CreateDeliveryParams{
		SubscriptionID: sub.ID,
		EventType:      model.EventRunCompleted,
		EventID:        "evt-1",
		Payload:        []byte(`{}`),
	})
	require.NoError(t, err)

	wantDelays := []time.Duration{5 * time.Minute, 30 * time.Minute}
	for _, want := range wantDelays {
		require.Equal(t, model.DeliveryStatusRetrying, rec.Status)
		rec, err = f.svc.Attempt(context.Background(), sub, rec)
		require.NoError(t, err)
		require.NotNil(t, rec.NextRetryAt)
		assert.Equal(t, f.now.Add(want), *rec.NextRetryAt)
	}

	// Fourth attempt spends the budget.
	rec, err = f.svc.Attempt(context.Background(), sub, rec)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryStatusFailed, rec.Status)
	assert.Equal(t, model.MaxDeliveryAttempts, rec.AttemptCount)
	assert.Nil(t, rec.NextRetryAt)
	assert.NotNil(t, rec.CompletedAt)

	assert.Equal(t, 4, f.subs.attempts)
	assert.Equal(t, 4, f.subs.failures)
	assert.Equal(t, 1, f.subs.exhausted)
	assert.Equal(t, 0, f.subs.successes)
}

func TestDeliverNetworkErrorSchedulesRetry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	f := newDeliveryFixture(t)
	sub := testSubscription(url)
	f.subs.put(sub)

	rec, err := f.svc.Deliver(context.Background(), sub, core.CreateDeliveryParams{
		SubscriptionID: sub.ID,
		EventType:      model.EventRunCompleted,
		EventID:        "evt-1",
		Payload:        []byte(`{}`),
	})
	require.NoError(t, err)

	assert.Equal(t, model.DeliveryStatusRetrying, rec.Status)
	assert.Nil(t, rec.ResponseCode)
	require.NotNil(t, rec.ErrorText)
	assert.Contains(t, *rec.ErrorText, "post webhook")
}

func TestSweepReattemptsDueRetries(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f := newDeliveryFixture(t)
	sub := testSubscription(server.URL)
	f.subs.put(sub)

	rec, err := f.deliveries.Create(context.Background(), core.CreateDeliveryParams{
		SubscriptionID: sub.ID,
		EventType:      model.EventRunCompleted,
		EventID:        "evt-1",
		Payload:        []byte(`{}`),
	})
	require.NoError(t, err)
	due := time.Now().UTC().Add(-time.Minute)
	_, err = f.deliveries.RecordAttempt(context.Background(), rec.ID, core.DeliveryAttemptResult{
		Status:      model.DeliveryStatusRetrying,
		NextRetryAt: &due,
	})
	require.NoError(t, err)

	attempted, err := f.svc.Sweep(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, attempted)
	assert.Equal(t, int64(1), requests.Load())

	got, err := f.deliveries.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryStatusSuccess, got.Status)
}

func TestRecordAttemptOnFinalizedDeliveryRejected(t *testing.T) {
	f := newDeliveryFixture(t)

	rec, err := f.deliveries.Create(context.Background(), core.CreateDeliveryParams{
		SubscriptionID: "sub-1",
		EventType:      model.EventRunCompleted,
		EventID:        "evt-1",
		Payload:        []byte(`{}`),
	})
	require.NoError(t, err)

	code := http.StatusOK
	done, err := f.deliveries.RecordAttempt(context.Background(), rec.ID, core.DeliveryAttemptResult{
		Status:       model.DeliveryStatusSuccess,
		ResponseCode: &code,
	})
	require.NoError(t, err)
	require.Equal(t, model.DeliveryStatusSuccess, done.Status)

	_, err = f.deliveries.RecordAttempt(context.Background(), rec.ID, core.DeliveryAttemptResult{
		Status: model.DeliveryStatusFailed,
	})
	require.ErrorIs(t, err, data.ErrDeliveryFinalized)

	got, err := f.deliveries.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryStatusSuccess, got.Status)
	assert.Equal(t, done.AttemptCount, got.AttemptCount)
	assert.Equal(t, done.CompletedAt, got.CompletedAt)
}

func TestSweepAbandonsDeliveriesForInactiveSubscription(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f := newDeliveryFixture(t)
	sub := testSubscription(server.URL)
	sub.Active = false
	f.subs.put(sub)

	rec, err := f.deliveries.Create(context.Background(), core.CreateDeliveryParams{
		SubscriptionID: sub.ID,
		EventType:      model.EventRunCompleted,
		EventID:        "evt-1",
		Payload:        []byte(`{}`),
	})
	require.NoError(t, err)
	due := time.Now().UTC().Add(-time.Minute)
	_, err = f.deliveries.RecordAttempt(context.Background(), rec.ID, core.DeliveryAttemptResult{
		Status:      model.DeliveryStatusRetrying,
		NextRetryAt: &due,
	})
	require.NoError(t, err)

	attempted, err := f.svc.Sweep(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, attempted)
	assert.Equal(t, int64(0), requests.Load(), "no HTTP attempt for a deactivated subscription")

	got, err := f.deliveries.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryStatusFailed, got.Status)
	require.NotNil(t, got.ErrorText)
	assert.Contains(t, *got.ErrorText, "deactivated")
}

func TestTestSendUsesSyntheticEvent(t *testing.T) {
	var gotEvent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEvent = r.Header.Get(HeaderEvent)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	f := newDeliveryFixture(t)
	f.subs.put(testSubscription(server.URL))

	rec, err := f.svc.TestSend(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryStatusSuccess, rec.Status)
	assert.Equal(t, model.EventWebhookTest, rec.EventType)
	assert.Equal(t, "webhook.test", gotEvent)
}

func TestSignPayloadIsStable(t *testing.T) {
	a := SignPayload(testSecret, []byte(`{"x":1}`))
	b := SignPayload(testSecret, []byte(`{"x":1}`))
	c := SignPayload(testSecret, []byte(`{"x":2}`))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Regexp(t, `^sha256=[0-9a-f]{64}$`, a)
}
