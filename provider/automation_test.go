package provider

import (
	"context"
	"encoding/json"
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
	"github.com/socialboost/fulfillment/store/inmem"
)

type automationFixture struct {
	auto     *Automation
	store    *inmem.Store
	provider *domain.FulfillmentProvider
	service  *domain.FulfillmentService
	order    *domain.Order
	item     *domain.OrderItem
	calls    *atomic.Int64
	now      time.Time
}

// newAutomationFixture seeds a provider whose order endpoint points at the
// given handler, a service with a 20/40 margin policy, and an order with one
// serviceOverride add-on.
func newAutomationFixture(t *testing.T, handler http.HandlerFunc) *automationFixture {
	t.Helper()
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	st := inmem.New()
	ctx := context.Background()

	providerID := uuid.New()
	prov := &domain.FulfillmentProvider{
		ID:     providerID,
		Name:   "boostfarm",
		Status: "active",
		Metadata: map[string]any{
			"apiKey": "sekrit",
			"automation": map[string]any{
				"endpoints": map[string]any{
					"order": map[string]any{
						"method": "POST",
						"url":    srv.URL + "/order",
						"payload": map[string]any{
							"quantity": "{{ requestedAmount }}",
							"service":  "{{ serviceId }}",
						},
						"response": map[string]any{"providerOrderIdPath": "id"},
					},
					"refill": map[string]any{
						"method":  "POST",
						"url":     srv.URL + "/refill",
						"payload": map[string]any{"order": "{{ providerOrderId }}"},
					},
					"balance": map[string]any{
						"method": "GET",
						"url":    srv.URL + "/balance",
					},
				},
			},
		},
	}
	require.NoError(t, st.Providers().Create(ctx, prov))

	svc := &domain.FulfillmentService{
		ID:         uuid.New(),
		ProviderID: providerID,
		Name:       "Instagram followers",
		Guardrails: &domain.GuardrailPolicy{
			MinimumMarginPercent: d("20"),
			WarningMarginPercent: d("40"),
		},
	}
	require.NoError(t, st.Services().Create(ctx, svc))

	order := &domain.Order{
		ID:       uuid.New(),
		Status:   domain.OrderProcessing,
		Source:   domain.SourceCheckout,
		Currency: "USD",
		Items: []*domain.OrderItem{{
			ID:           uuid.New(),
			ProductTitle: "Growth bundle",
			Quantity:     500,
			SelectedOptions: map[string]any{
				"addOns": []any{map[string]any{
					"pricingMode":        "serviceOverride",
					"serviceId":          svc.ID.String(),
					"priceDelta":         100.0,
					"providerCostAmount": 72.0,
				}},
			},
		}},
	}
	order.Items[0].OrderID = order.ID
	require.NoError(t, st.Orders().Create(ctx, order))

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	auto := NewAutomation(newTestInvoker(), WithClock(func() time.Time { return now }))
	return &automationFixture{
		auto:     auto,
		store:    st,
		provider: prov,
		service:  svc,
		order:    order,
		item:     order.Items[0],
		calls:    &calls,
		now:      now,
	}
}

func jsonHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}
}

func TestOverridesExtraction(t *testing.T) {
	fx := newAutomationFixture(t, jsonHandler(`{"id":"EXT-1"}`))

	ovs, err := fx.auto.Overrides(context.Background(), fx.store, fx.order, fx.item)
	require.NoError(t, err)
	require.Len(t, ovs, 1)
	ov := ovs[0]
	assert.Equal(t, fx.service.ID, ov.ServiceID)
	assert.Equal(t, fx.provider.ID, ov.ProviderID)
	assert.True(t, ov.PricingAmount.Equal(d("100")))
	assert.True(t, ov.ProviderCost.Equal(d("72")))
	assert.Equal(t, "USD", ov.Currency)
}

func TestOverridesSkipsUnknownService(t *testing.T) {
	fx := newAutomationFixture(t, jsonHandler(`{}`))
	fx.item.SelectedOptions = map[string]any{
		"addOns": []any{map[string]any{
			"pricingMode": "serviceOverride",
			"serviceId":   uuid.NewString(),
		}},
	}

	ovs, err := fx.auto.Overrides(context.Background(), fx.store, fx.order, fx.item)
	require.NoError(t, err)
	assert.Empty(t, ovs)
}

func TestOverridesRuleApplied(t *testing.T) {
	fx := newAutomationFixture(t, jsonHandler(`{}`))
	fx.item.SelectedOptions = map[string]any{
		"addOns": []any{map[string]any{
			"pricingMode":        "serviceOverride",
			"serviceId":          fx.service.ID.String(),
			"priceDelta":         100.0,
			"providerCostAmount": 72.0,
			"serviceRules": []any{map[string]any{
				"id":       "storefront-discount",
				"priority": 1,
				"conditions": []any{
					map[string]any{"kind": "channel", "value": "storefront"},
				},
				"overrides": map[string]any{"providerCostAmount": 55.0},
			}},
		}},
	}

	ovs, err := fx.auto.Overrides(context.Background(), fx.store, fx.order, fx.item)
	require.NoError(t, err)
	require.Len(t, ovs, 1)
	assert.True(t, ovs[0].ProviderCost.Equal(d("55")))
	require.Len(t, ovs[0].MatchedRules, 1)
	assert.Equal(t, "storefront-discount", ovs[0].MatchedRules[0].ID)
}

func TestCreateProviderOrder(t *testing.T) {
	fx := newAutomationFixture(t, jsonHandler(`{"id":"EXT-42","status":"queued"}`))
	ctx := context.Background()

	ovs, err := fx.auto.Overrides(ctx, fx.store, fx.order, fx.item)
	require.NoError(t, err)
	po, err := fx.auto.CreateProviderOrder(ctx, fx.store, fx.order, fx.item, ovs[0])
	require.NoError(t, err)

	assert.Equal(t, "EXT-42", po.Payload.ProviderOrderID)
	assert.Equal(t, "order", po.ServiceAction)
	assert.Equal(t, fx.order.ID, po.OrderID)
	assert.Equal(t, fx.item.ID, po.OrderItemID)
	require.NotNil(t, po.Payload.Guardrails)
	// 28% margin sits between the 20% floor and 40% warning threshold.
	assert.Equal(t, domain.GuardrailWarn, po.Payload.Guardrails.Class)
	assert.True(t, po.Payload.Guardrails.MarginPercent.Equal(d("28")))

	stored, err := fx.store.ProviderOrders().Get(ctx, po.ID)
	require.NoError(t, err)
	assert.Equal(t, "EXT-42", stored.Payload.ProviderOrderID)
	resp := stored.Payload.ProviderResponse.(map[string]any)
	assert.Equal(t, "queued", resp["status"])
}

func TestRefillAppendsEntry(t *testing.T) {
	fx := newAutomationFixture(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/order":
			jsonHandler(`{"id":"EXT-9"}`)(w, r)
		case "/refill":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			assert.Equal(t, "EXT-9", body["order"])
			jsonHandler(`{"refill":"ok"}`)(w, r)
		}
	})
	ctx := context.Background()

	ovs, err := fx.auto.Overrides(ctx, fx.store, fx.order, fx.item)
	require.NoError(t, err)
	po, err := fx.auto.CreateProviderOrder(ctx, fx.store, fx.order, fx.item, ovs[0])
	require.NoError(t, err)

	entry, err := fx.auto.Refill(ctx, fx.store, po.ID, nil)
	require.NoError(t, err)
	assert.True(t, entry.Amount.Equal(po.Amount))

	stored, err := fx.store.ProviderOrders().Get(ctx, po.ID)
	require.NoError(t, err)
	require.Len(t, stored.Payload.Refills, 1)
}

func TestRefillRequiresProviderOrderID(t *testing.T) {
	fx := newAutomationFixture(t, jsonHandler(`{}`))
	ctx := context.Background()

	po := &domain.FulfillmentProviderOrder{
		ID:         uuid.New(),
		ProviderID: fx.provider.ID,
		ServiceID:  fx.service.ID,
		OrderID:    fx.order.ID,
		Currency:   "USD",
	}
	require.NoError(t, fx.store.ProviderOrders().Create(ctx, po))

	_, err := fx.auto.Refill(ctx, fx.store, po.ID, nil)
	assert.True(t, domain.IsKind(err, domain.KindValidation))
}

func TestReplayImmediate(t *testing.T) {
	fx := newAutomationFixture(t, jsonHandler(`{"id":"EXT-NEW"}`))
	ctx := context.Background()

	ovs, err := fx.auto.Overrides(ctx, fx.store, fx.order, fx.item)
	require.NoError(t, err)
	po, err := fx.auto.CreateProviderOrder(ctx, fx.store, fx.order, fx.item, ovs[0])
	require.NoError(t, err)

	outcome, err := fx.auto.Replay(ctx, fx.store, po.ID, ReplayRequest{})
	require.NoError(t, err)
	require.NotNil(t, outcome.Executed)
	assert.Nil(t, outcome.Scheduled)
	assert.Equal(t, domain.ReplayExecuted, outcome.Executed.Status)

	stored, err := fx.store.ProviderOrders().Get(ctx, po.ID)
	require.NoError(t, err)
	require.Len(t, stored.Payload.Replays, 1)
	assert.Equal(t, "EXT-NEW", stored.Payload.ProviderOrderID)
}

func TestReplayImmediateFailureRecorded(t *testing.T) {
	var failing atomic.Bool
	fx := newAutomationFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("boom"))
			return
		}
		jsonHandler(`{"id":"EXT-1"}`)(w, r)
	})
	ctx := context.Background()

	ovs, err := fx.auto.Overrides(ctx, fx.store, fx.order, fx.item)
	require.NoError(t, err)
	po, err := fx.auto.CreateProviderOrder(ctx, fx.store, fx.order, fx.item, ovs[0])
	require.NoError(t, err)
	failing.Store(true)

	_, err = fx.auto.Replay(ctx, fx.store, po.ID, ReplayRequest{})
	require.Error(t, err)

	// The failed attempt is persisted in the replay history.
	stored, err := fx.store.ProviderOrders().Get(ctx, po.ID)
	require.NoError(t, err)
	require.Len(t, stored.Payload.Replays, 1)
	assert.Equal(t, domain.ReplayFailed, stored.Payload.Replays[0].Status)
	assert.Contains(t, stored.Payload.Replays[0].Error, "boom")
	// The original provider order id is untouched.
	assert.Equal(t, "EXT-1", stored.Payload.ProviderOrderID)
}

func TestReplayScheduled(t *testing.T) {
	fx := newAutomationFixture(t, jsonHandler(`{"id":"EXT-1"}`))
	ctx := context.Background()

	ovs, err := fx.auto.Overrides(ctx, fx.store, fx.order, fx.item)
	require.NoError(t, err)
	po, err := fx.auto.CreateProviderOrder(ctx, fx.store, fx.order, fx.item, ovs[0])
	require.NoError(t, err)
	callsAfterCreate := fx.calls.Load()

	runAt := fx.now.Add(2 * time.Hour)
	amount := decimal.NewFromInt(250)
	outcome, err := fx.auto.Replay(ctx, fx.store, po.ID, ReplayRequest{Amount: &amount, RunAt: &runAt})
	require.NoError(t, err)
	require.NotNil(t, outcome.Scheduled)
	assert.Nil(t, outcome.Executed)
	assert.Equal(t, domain.ReplayScheduled, outcome.Scheduled.Status)
	assert.True(t, outcome.Scheduled.RequestedAmount.Equal(amount))
	assert.Equal(t, runAt, outcome.Scheduled.ScheduledFor)
	// Scheduling must not touch the provider endpoint.
	assert.Equal(t, callsAfterCreate, fx.calls.Load())

	// Past runAt with ScheduleOnly still schedules.
	past := fx.now.Add(-time.Hour)
	outcome, err = fx.auto.Replay(ctx, fx.store, po.ID, ReplayRequest{RunAt: &past, ScheduleOnly: true})
	require.NoError(t, err)
	require.NotNil(t, outcome.Scheduled)

	// Past runAt without ScheduleOnly executes immediately.
	outcome, err = fx.auto.Replay(ctx, fx.store, po.ID, ReplayRequest{RunAt: &past})
	require.NoError(t, err)
	require.NotNil(t, outcome.Executed)
}

func TestExecuteScheduledIdempotent(t *testing.T) {
	fx := newAutomationFixture(t, jsonHandler(`{"id":"EXT-1"}`))
	ctx := context.Background()

	ovs, err := fx.auto.Overrides(ctx, fx.store, fx.order, fx.item)
	require.NoError(t, err)
	po, err := fx.auto.CreateProviderOrder(ctx, fx.store, fx.order, fx.item, ovs[0])
	require.NoError(t, err)

	runAt := fx.now.Add(time.Hour)
	outcome, err := fx.auto.Replay(ctx, fx.store, po.ID, ReplayRequest{RunAt: &runAt})
	require.NoError(t, err)
	entryID := outcome.Scheduled.ID
	callsBefore := fx.calls.Load()

	require.NoError(t, fx.auto.ExecuteScheduled(ctx, fx.store, po.ID, entryID))
	assert.Equal(t, callsBefore+1, fx.calls.Load())

	stored, err := fx.store.ProviderOrders().Get(ctx, po.ID)
	require.NoError(t, err)
	require.Len(t, stored.Payload.ScheduledReplays, 1)
	assert.Equal(t, domain.ReplayExecuted, stored.Payload.ScheduledReplays[0].Status)
	require.NotNil(t, stored.Payload.ScheduledReplays[0].ExecutedAt)
	require.Len(t, stored.Payload.Replays, 1)

	// A second drain of the same entry is a no-op.
	require.NoError(t, fx.auto.ExecuteScheduled(ctx, fx.store, po.ID, entryID))
	assert.Equal(t, callsBefore+1, fx.calls.Load())
	stored, err = fx.store.ProviderOrders().Get(ctx, po.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Payload.Replays, 1)
}

func TestExecuteScheduledFailureMarksEntry(t *testing.T) {
	var failing atomic.Bool
	fx := newAutomationFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("down"))
			return
		}
		jsonHandler(`{"id":"EXT-1"}`)(w, r)
	})
	ctx := context.Background()

	ovs, err := fx.auto.Overrides(ctx, fx.store, fx.order, fx.item)
	require.NoError(t, err)
	po, err := fx.auto.CreateProviderOrder(ctx, fx.store, fx.order, fx.item, ovs[0])
	require.NoError(t, err)
	runAt := fx.now.Add(time.Hour)
	outcome, err := fx.auto.Replay(ctx, fx.store, po.ID, ReplayRequest{RunAt: &runAt})
	require.NoError(t, err)

	failing.Store(true)
	err = fx.auto.ExecuteScheduled(ctx, fx.store, po.ID, outcome.Scheduled.ID)
	require.Error(t, err)

	stored, err := fx.store.ProviderOrders().Get(ctx, po.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReplayFailed, stored.Payload.ScheduledReplays[0].Status)
	assert.Contains(t, stored.Payload.ScheduledReplays[0].Error, "down")
}

func TestRefreshBalances(t *testing.T) {
	fx := newAutomationFixture(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/balance" {
			jsonHandler(`{"balance":132.50,"currency":"USD"}`)(w, r)
			return
		}
		jsonHandler(`{}`)(w, r)
	})
	ctx := context.Background()

	require.NoError(t, fx.auto.RefreshBalances(ctx, fx.store))

	latest, err := fx.store.Balances().Latest(ctx, fx.provider.ID)
	require.NoError(t, err)
	assert.True(t, latest.Balance.Equal(d("132.50")))
	assert.Equal(t, "USD", latest.Currency)
	assert.Equal(t, fx.now, latest.FetchedAt)
}

func TestSnapshotAggregates(t *testing.T) {
	fx := newAutomationFixture(t, jsonHandler(`{"id":"EXT-1"}`))
	ctx := context.Background()

	addOn := fx.item.SelectedOptions["addOns"].([]any)[0].(map[string]any)
	addOn["serviceRules"] = []any{map[string]any{
		"id":       "bulk-upsell",
		"label":    "Bulk upsell",
		"priority": 1,
		"conditions": []any{
			map[string]any{"kind": "minQuantity", "min": 100},
		},
	}}

	ovs, err := fx.auto.Overrides(ctx, fx.store, fx.order, fx.item)
	require.NoError(t, err)
	po, err := fx.auto.CreateProviderOrder(ctx, fx.store, fx.order, fx.item, ovs[0])
	require.NoError(t, err)

	_, err = fx.auto.Replay(ctx, fx.store, po.ID, ReplayRequest{})
	require.NoError(t, err)
	runAt := fx.now.Add(time.Hour)
	_, err = fx.auto.Replay(ctx, fx.store, po.ID, ReplayRequest{RunAt: &runAt})
	require.NoError(t, err)

	snap, err := fx.auto.Snapshot(ctx, fx.store)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.TotalOrders)
	assert.Equal(t, 1, snap.Replays.Total)
	assert.Equal(t, 1, snap.Replays.Executed)
	assert.Equal(t, 1, snap.Replays.Scheduled)
	assert.Equal(t, 1, snap.Guardrails.Evaluated)
	assert.Equal(t, 1, snap.Guardrails.Warn)
	assert.Equal(t, 1, snap.GuardrailHitsByService[fx.service.ID.String()])

	usage := snap.RuleOverridesByService[fx.service.ID.String()]
	require.NotNil(t, usage)
	assert.Equal(t, 1, usage.TotalOverrides)
	assert.Equal(t, 1, usage.RuleFrequency["bulk-upsell"])
	assert.Equal(t, "Bulk upsell", usage.RuleLabels["bulk-upsell"])

	assert.Equal(t, 1, snap.ScheduledBacklog)
	require.NotNil(t, snap.NextScheduledAt)
	assert.Equal(t, runAt, *snap.NextScheduledAt)

	perProvider := snap.Providers[fx.provider.ID.String()]
	require.NotNil(t, perProvider)
	assert.Equal(t, 1, perProvider.TotalOrders)
	assert.Equal(t, 1, perProvider.Replays.Executed)

	backlog, err := fx.auto.Backlog(ctx, fx.store)
	require.NoError(t, err)
	assert.Equal(t, 1, backlog.ScheduledBacklog)
	assert.Equal(t, runAt, *backlog.NextScheduledAt)
}
