package replay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialboost/fulfillment/domain"
	"github.com/socialboost/fulfillment/provider"
	"github.com/socialboost/fulfillment/store/inmem"
)

var testNow = time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)

type workerFixture struct {
	worker  *Worker
	store   *inmem.Store
	po      *domain.FulfillmentProviderOrder
	calls   *atomic.Int64
	failing *atomic.Bool
}

// newWorkerFixture seeds a provider order with one scheduled replay due
// scheduledFor before testNow. The mock provider returns order id EXT-77.
func newWorkerFixture(t *testing.T, scheduledFor time.Time, amount string) *workerFixture {
	t.Helper()
	ctx := context.Background()
	var calls atomic.Int64
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("maintenance"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"order_id":"EXT-77"}}`))
	}))
	t.Cleanup(srv.Close)

	st := inmem.New()
	providerID := uuid.New()
	require.NoError(t, st.Providers().Create(ctx, &domain.FulfillmentProvider{
		ID:     providerID,
		Name:   "boostfarm",
		Status: "active",
		Metadata: map[string]any{
			"automation": map[string]any{
				"endpoints": map[string]any{
					"order": map[string]any{
						"method":   "POST",
						"url":      srv.URL + "/order",
						"payload":  map[string]any{"amount": "{{ requestedAmount }}"},
						"response": map[string]any{"providerOrderIdPath": "data.order_id"},
					},
				},
			},
		},
	}))

	po := &domain.FulfillmentProviderOrder{
		ID:            uuid.New(),
		ProviderID:    providerID,
		ServiceID:     uuid.New(),
		ServiceAction: "order",
		OrderID:       uuid.New(),
		OrderItemID:   uuid.New(),
		Amount:        decimal.NewFromInt(100),
		Currency:      "USD",
		Payload: domain.ProviderOrderPayload{
			ProviderOrderID: "EXT-1",
			Context:         map[string]any{"serviceAction": "order"},
			ScheduledReplays: []domain.ScheduledReplay{{
				ID:              uuid.NewString(),
				RequestedAmount: mustDecimal(amount),
				Currency:        "USD",
				ScheduledFor:    scheduledFor,
				Status:          domain.ReplayScheduled,
			}},
		},
	}
	require.NoError(t, st.ProviderOrders().Create(ctx, po))

	auto := provider.NewAutomation(
		provider.NewInvoker(provider.WithRateLimit(1000, 1000)),
		provider.WithClock(func() time.Time { return testNow }),
	)
	worker := New(st, auto, DefaultConfig(), WithClock(func() time.Time { return testNow }))
	return &workerFixture{worker: worker, store: st, po: po, calls: &calls, failing: &failing}
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestRunOnceDrainsDueEntry(t *testing.T) {
	fx := newWorkerFixture(t, testNow.Add(-5*time.Minute), "95.0")
	ctx := context.Background()

	run, err := fx.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Processed)
	assert.Equal(t, 1, run.Succeeded)
	assert.Equal(t, 0, run.Failed)
	assert.Equal(t, 0, run.ScheduledBacklog)

	po, err := fx.store.ProviderOrders().Get(ctx, fx.po.ID)
	require.NoError(t, err)
	entry := po.Payload.ScheduledReplays[0]
	assert.Equal(t, domain.ReplayExecuted, entry.Status)
	require.NotNil(t, entry.ExecutedAt)
	resp := entry.Response.(map[string]any)
	assert.Equal(t, "EXT-77", resp["data"].(map[string]any)["order_id"])

	// A matching executed entry lands in the replay history.
	require.Len(t, po.Payload.Replays, 1)
	assert.Equal(t, domain.ReplayExecuted, po.Payload.Replays[0].Status)
	assert.True(t, po.Payload.Replays[0].RequestedAmount.Equal(mustDecimal("95.0")))
	assert.Equal(t, "EXT-77", po.Payload.ProviderOrderID)

	// The run summary is persisted.
	runs, err := fx.store.AutomationRuns().ListRecent(ctx, domain.RunReplay, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 1, runs[0].Succeeded)
}

func TestRunOnceSnapshotAfterDrain(t *testing.T) {
	fx := newWorkerFixture(t, testNow.Add(-5*time.Minute), "95.0")
	ctx := context.Background()

	_, err := fx.worker.RunOnce(ctx)
	require.NoError(t, err)

	snap, err := fx.worker.automation.Snapshot(ctx, fx.store)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Replays.Executed)
	assert.Equal(t, 0, snap.Replays.Scheduled)
}

func TestRunOnceSkipsFutureEntries(t *testing.T) {
	fx := newWorkerFixture(t, testNow.Add(time.Hour), "50")
	ctx := context.Background()

	run, err := fx.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, run.Processed)
	assert.Equal(t, 1, run.ScheduledBacklog)
	assert.Equal(t, int64(0), fx.calls.Load())

	po, _ := fx.store.ProviderOrders().Get(ctx, fx.po.ID)
	assert.Equal(t, domain.ReplayScheduled, po.Payload.ScheduledReplays[0].Status)
}

func TestRunOnceMarksFailureExactlyOnce(t *testing.T) {
	fx := newWorkerFixture(t, testNow.Add(-time.Minute), "80")
	fx.failing.Store(true)
	ctx := context.Background()

	run, err := fx.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Processed)
	assert.Equal(t, 1, run.Failed)
	assert.Contains(t, run.LastError, "503")

	po, _ := fx.store.ProviderOrders().Get(ctx, fx.po.ID)
	assert.Equal(t, domain.ReplayFailed, po.Payload.ScheduledReplays[0].Status)
	assert.Contains(t, po.Payload.ScheduledReplays[0].Error, "maintenance")

	// A second pass does not touch the terminal entry.
	callsAfter := fx.calls.Load()
	run, err = fx.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, run.Processed)
	assert.Equal(t, callsAfter, fx.calls.Load())
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	w := New(inmem.New(), nil, Config{
		BaseBackoff: time.Second,
		MaxBackoff:  8 * time.Second,
	})
	assert.Equal(t, time.Second, w.backoff(1))
	assert.Equal(t, 2*time.Second, w.backoff(2))
	assert.Equal(t, 8*time.Second, w.backoff(4))
	assert.Equal(t, 8*time.Second, w.backoff(10))
}
