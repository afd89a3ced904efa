// Package fulfillment converts paid orders into executable work: the
// kickoff flow materializes fulfillment tasks and provider orders, the
// state machine governs order status transitions, and the status
// recomputation keeps the order in sync with its tasks.
package fulfillment

import (
	"context"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/socialboost/fulfillment/domain"
	"github.com/socialboost/fulfillment/store"
)

// allowedTransitions is the order status DAG. Canceled is terminal;
// completed is reachable from processing, active and on_hold only.
var allowedTransitions = map[domain.OrderStatus]map[domain.OrderStatus]bool{
	domain.OrderPending: {
		domain.OrderProcessing: true,
		domain.OrderOnHold:     true,
		domain.OrderCanceled:   true,
	},
	domain.OrderProcessing: {
		domain.OrderActive:    true,
		domain.OrderOnHold:    true,
		domain.OrderCompleted: true,
		domain.OrderCanceled:  true,
	},
	domain.OrderActive: {
		domain.OrderCompleted: true,
		domain.OrderOnHold:    true,
		domain.OrderCanceled:  true,
	},
	domain.OrderOnHold: {
		domain.OrderProcessing: true,
		domain.OrderActive:     true,
		domain.OrderCompleted:  true,
		domain.OrderCanceled:   true,
	},
	domain.OrderCompleted: {},
	domain.OrderCanceled:  {},
}

// StateMachine enforces order status transitions and appends the audit
// events they produce.
type StateMachine struct {
	now func() time.Time
}

// NewStateMachine returns a state machine using the given time source, or
// UTC wall time when nil.
func NewStateMachine(now func() time.Time) *StateMachine {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &StateMachine{now: now}
}

// CanTransition reports whether from → to is an allowed transition.
func (m *StateMachine) CanTransition(from, to domain.OrderStatus) bool {
	return allowedTransitions[from][to]
}

// Transition moves the order to the target status, persists it and appends
// a state_change event. A transition to the current status is a no-op.
// Disallowed transitions return KindValidation.
func (m *StateMachine) Transition(ctx context.Context, st store.Store, order *domain.Order, to domain.OrderStatus, actor domain.ActorType, actorID *uuid.UUID, notes string) error {
	from := order.Status
	if from == to {
		return nil
	}
	if !m.CanTransition(from, to) {
		return domain.Validationf("order %s cannot transition from %s to %s", order.ID, from, to)
	}
	if err := st.Orders().UpdateStatus(ctx, order.ID, to); err != nil {
		return err
	}
	order.Status = to
	m.RecordEvent(ctx, st, &domain.OrderStateEvent{
		ID:         uuid.New(),
		OrderID:    order.ID,
		EventType:  domain.EventStateChange,
		ActorType:  actor,
		ActorID:    actorID,
		FromStatus: from,
		ToStatus:   to,
		Notes:      notes,
		CreatedAt:  m.now(),
	})
	return nil
}

// RecordEvent appends an order-state event. Audit failures are logged and
// swallowed; they never abort the caller.
func (m *StateMachine) RecordEvent(ctx context.Context, st store.Store, event *domain.OrderStateEvent) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = m.now()
	}
	if err := st.Events().Append(ctx, event); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "order event append failed"},
			log.KV{K: "order_id", V: event.OrderID},
			log.KV{K: "event_type", V: event.EventType})
	}
}
