package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType classifies an order-state event.
type EventType string

const (
	EventStateChange     EventType = "state_change"
	EventNote            EventType = "note"
	EventRefillRequested EventType = "refill_requested"
	EventRefillExecuted  EventType = "refill_executed"
	EventRefundRequested EventType = "refund_requested"
	EventRefundExecuted  EventType = "refund_executed"
	EventReplayScheduled EventType = "replay_scheduled"
	EventReplayExecuted  EventType = "replay_executed"
	EventAutomationAlert EventType = "automation_alert"
)

// ActorType identifies who caused an order-state event.
type ActorType string

const (
	ActorSystem ActorType = "system"
	ActorAdmin  ActorType = "admin"
	ActorUser   ActorType = "user"
)

// OrderStateEvent is one entry of the append-only per-order audit log.
// Rows are immutable once inserted.
type OrderStateEvent struct {
	ID         uuid.UUID      `json:"id" db:"id"`
	OrderID    uuid.UUID      `json:"order_id" db:"order_id"`
	EventType  EventType      `json:"event_type" db:"event_type"`
	ActorType  ActorType      `json:"actor_type" db:"actor_type"`
	ActorID    *uuid.UUID     `json:"actor_id,omitempty" db:"actor_id"`
	ActorLabel string         `json:"actor_label,omitempty" db:"actor_label"`
	FromStatus OrderStatus    `json:"from_status,omitempty" db:"from_status"`
	ToStatus   OrderStatus    `json:"to_status,omitempty" db:"to_status"`
	Notes      string         `json:"notes,omitempty" db:"notes"`
	Metadata   map[string]any `json:"metadata,omitempty" db:"-"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
}
