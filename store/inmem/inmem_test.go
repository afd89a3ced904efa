package inmem

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialboost/fulfillment/domain"
	"github.com/socialboost/fulfillment/store"
)

func TestOrderNumberSequence(t *testing.T) {
	ctx := context.Background()
	st := New()

	first := &domain.Order{Status: domain.OrderPending, Source: domain.SourceManual, Currency: "USD"}
	second := &domain.Order{Status: domain.OrderPending, Source: domain.SourceManual, Currency: "USD"}
	require.NoError(t, st.Orders().Create(ctx, first))
	require.NoError(t, st.Orders().Create(ctx, second))

	assert.Equal(t, "SM000001", first.OrderNumber)
	assert.Equal(t, "SM000002", second.OrderNumber)

	// Explicit numbers are kept.
	third := &domain.Order{OrderNumber: "SM999999", Status: domain.OrderPending, Source: domain.SourceManual, Currency: "USD"}
	require.NoError(t, st.Orders().Create(ctx, third))
	assert.Equal(t, "SM999999", third.OrderNumber)
}

func TestReturnedEntitiesAreCopies(t *testing.T) {
	ctx := context.Background()
	st := New()

	order := &domain.Order{ID: uuid.New(), Status: domain.OrderPending, Source: domain.SourceManual, Currency: "USD"}
	require.NoError(t, st.Orders().Create(ctx, order))

	got, err := st.Orders().Get(ctx, order.ID)
	require.NoError(t, err)
	got.Status = domain.OrderCanceled

	again, err := st.Orders().Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, again.Status)
}

func TestWebhookDedup(t *testing.T) {
	ctx := context.Background()
	st := New()

	event := &domain.WebhookEvent{ID: uuid.New(), Provider: "stripe", ExternalID: "evt_1", EventType: "x"}
	require.NoError(t, st.Webhooks().Insert(ctx, event))

	dup := &domain.WebhookEvent{ID: uuid.New(), Provider: "stripe", ExternalID: "evt_1", EventType: "x"}
	err := st.Webhooks().Insert(ctx, dup)
	assert.True(t, domain.IsKind(err, domain.KindConflict))

	seen, err := st.Webhooks().Seen(ctx, "stripe", "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = st.Webhooks().Seen(ctx, "stripe", "evt_2")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestProcessorEventPayloadHashDedup(t *testing.T) {
	ctx := context.Background()
	st := New()

	require.NoError(t, st.ProcessorEvents().Insert(ctx, &domain.ProcessorEvent{
		ID: uuid.New(), Provider: "stripe", ExternalID: "evt_1", PayloadHash: "abc",
	}))

	// Same hash under a different external id still conflicts.
	err := st.ProcessorEvents().Insert(ctx, &domain.ProcessorEvent{
		ID: uuid.New(), Provider: "stripe", ExternalID: "evt_2", PayloadHash: "abc",
	})
	assert.True(t, domain.IsKind(err, domain.KindConflict))
}

func TestAtomicallyRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	st := New()
	boom := errors.New("abort")

	orderID := uuid.New()
	err := st.Atomically(ctx, func(tx store.Store) error {
		if err := tx.Orders().Create(ctx, &domain.Order{ID: orderID, Status: domain.OrderPending, Source: domain.SourceManual, Currency: "USD"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = st.Orders().Get(ctx, orderID)
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}

func TestNestedAtomicallyJoins(t *testing.T) {
	ctx := context.Background()
	st := New()

	orderID := uuid.New()
	err := st.Atomically(ctx, func(tx store.Store) error {
		return tx.Atomically(ctx, func(inner store.Store) error {
			return inner.Orders().Create(ctx, &domain.Order{ID: orderID, Status: domain.OrderPending, Source: domain.SourceManual, Currency: "USD"})
		})
	})
	require.NoError(t, err)

	_, err = st.Orders().Get(ctx, orderID)
	assert.NoError(t, err)
}

func TestListDueScheduled(t *testing.T) {
	ctx := context.Background()
	st := New()
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

	due := &domain.FulfillmentProviderOrder{
		ID: uuid.New(), ProviderID: uuid.New(), ServiceID: uuid.New(), OrderID: uuid.New(),
		Payload: domain.ProviderOrderPayload{ScheduledReplays: []domain.ScheduledReplay{
			{ID: "a", Status: domain.ReplayScheduled, ScheduledFor: now.Add(-time.Minute)},
		}},
	}
	future := &domain.FulfillmentProviderOrder{
		ID: uuid.New(), ProviderID: uuid.New(), ServiceID: uuid.New(), OrderID: uuid.New(),
		Payload: domain.ProviderOrderPayload{ScheduledReplays: []domain.ScheduledReplay{
			{ID: "b", Status: domain.ReplayScheduled, ScheduledFor: now.Add(time.Hour)},
		}},
	}
	drained := &domain.FulfillmentProviderOrder{
		ID: uuid.New(), ProviderID: uuid.New(), ServiceID: uuid.New(), OrderID: uuid.New(),
		Payload: domain.ProviderOrderPayload{ScheduledReplays: []domain.ScheduledReplay{
			{ID: "c", Status: domain.ReplayExecuted, ScheduledFor: now.Add(-time.Hour)},
		}},
	}
	for _, po := range []*domain.FulfillmentProviderOrder{due, future, drained} {
		require.NoError(t, st.ProviderOrders().Create(ctx, po))
	}

	got, err := st.ProviderOrders().ListDueScheduled(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, due.ID, got[0].ID)
}

func TestPreferencesDefaultWhenMissing(t *testing.T) {
	ctx := context.Background()
	st := New()
	userID := uuid.New()

	pref, err := st.Preferences().Get(ctx, userID)
	require.NoError(t, err)
	assert.True(t, pref.OrderUpdates)
	assert.False(t, pref.MarketingMessages)

	pref.MarketingMessages = true
	require.NoError(t, st.Preferences().Upsert(ctx, pref))

	stored, err := st.Preferences().Get(ctx, userID)
	require.NoError(t, err)
	assert.True(t, stored.MarketingMessages)
}
