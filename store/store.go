// Package store defines the typed repository interfaces of the persistence
// layer. Two implementations exist: store/postgres (sqlx over PostgreSQL)
// for production and store/inmem for tests and local development.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/socialboost/fulfillment/domain"
)

// Store aggregates the repositories and the transaction scope. A Store
// value is acquired per request or per worker iteration and must not be
// retained by long-lived objects.
type Store interface {
	Orders() OrderRepo
	Products() ProductRepo
	Tasks() TaskRepo
	Providers() ProviderRepo
	Services() ServiceRepo
	ProviderOrders() ProviderOrderRepo
	Events() EventRepo
	Webhooks() WebhookRepo
	ProcessorEvents() ProcessorEventRepo
	Payments() PaymentRepo
	Preferences() PreferenceRepo
	AutomationRuns() AutomationRunRepo
	Balances() BalanceRepo

	// Atomically runs fn inside one transaction. An error from fn rolls
	// every write back and is returned unchanged.
	Atomically(ctx context.Context, fn func(Store) error) error
}

// OrderRepo persists orders and their items.
type OrderRepo interface {
	// Create inserts the order and its items, assigning the next order
	// number when the field is empty.
	Create(ctx context.Context, order *domain.Order) error
	// Get returns the order with its items. KindNotFound when missing.
	Get(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	// GetItem returns a single order item. KindNotFound when missing.
	GetItem(ctx context.Context, id uuid.UUID) (*domain.OrderItem, error)
	// List returns orders ordered by creation time descending, optionally
	// filtered by status.
	List(ctx context.Context, skip, limit int, status *domain.OrderStatus) ([]*domain.Order, error)
	// ListByUser returns a user's orders ordered by creation time descending.
	ListByUser(ctx context.Context, userID uuid.UUID, skip, limit int) ([]*domain.Order, error)
	// ListSince returns orders created at or after the given instant.
	ListSince(ctx context.Context, since time.Time) ([]*domain.Order, error)
	// UpdateStatus sets the order status and bumps updated_at.
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.OrderStatus) error
}

// ProductRepo persists catalog products.
type ProductRepo interface {
	Create(ctx context.Context, product *domain.Product) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Product, error)
	GetBySlug(ctx context.Context, slug string) (*domain.Product, error)
}

// TaskRepo persists fulfillment tasks.
type TaskRepo interface {
	Create(ctx context.Context, task *domain.FulfillmentTask) error
	Get(ctx context.Context, id uuid.UUID) (*domain.FulfillmentTask, error)
	// Update replaces the stored task. In the postgres implementation the
	// row is locked for the enclosing transaction.
	Update(ctx context.Context, task *domain.FulfillmentTask) error
	ListByOrderItem(ctx context.Context, itemID uuid.UUID) ([]*domain.FulfillmentTask, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*domain.FulfillmentTask, error)
	// Due returns up to limit pending tasks scheduled at or before now,
	// ordered by scheduled_at ascending.
	Due(ctx context.Context, now time.Time, limit int) ([]*domain.FulfillmentTask, error)
}

// ProviderRepo persists fulfillment providers.
type ProviderRepo interface {
	Create(ctx context.Context, provider *domain.FulfillmentProvider) error
	Get(ctx context.Context, id uuid.UUID) (*domain.FulfillmentProvider, error)
	List(ctx context.Context) ([]*domain.FulfillmentProvider, error)
}

// ServiceRepo persists fulfillment services.
type ServiceRepo interface {
	Create(ctx context.Context, service *domain.FulfillmentService) error
	Get(ctx context.Context, id uuid.UUID) (*domain.FulfillmentService, error)
}

// ProviderOrderRepo persists provider-orders. Payload updates are
// last-writer-wins over the whole payload; concurrent writers are
// serialized by row lock in the postgres implementation.
type ProviderOrderRepo interface {
	Create(ctx context.Context, po *domain.FulfillmentProviderOrder) error
	Get(ctx context.Context, id uuid.UUID) (*domain.FulfillmentProviderOrder, error)
	Update(ctx context.Context, po *domain.FulfillmentProviderOrder) error
	List(ctx context.Context) ([]*domain.FulfillmentProviderOrder, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*domain.FulfillmentProviderOrder, error)
	// ListDueScheduled returns provider-orders carrying at least one
	// scheduled replay due at or before now.
	ListDueScheduled(ctx context.Context, now time.Time) ([]*domain.FulfillmentProviderOrder, error)
}

// EventRepo persists the append-only order-state event log.
type EventRepo interface {
	Append(ctx context.Context, event *domain.OrderStateEvent) error
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*domain.OrderStateEvent, error)
}

// WebhookRepo is the webhook dedup ledger.
type WebhookRepo interface {
	// Insert records the event. KindConflict when (provider, externalID)
	// was already recorded.
	Insert(ctx context.Context, event *domain.WebhookEvent) error
	Seen(ctx context.Context, provider, externalID string) (bool, error)
}

// ProcessorEventRepo persists webhook payloads with replay bookkeeping.
type ProcessorEventRepo interface {
	// Insert records the event. KindConflict on duplicate
	// (provider, externalID) or (provider, payloadHash).
	Insert(ctx context.Context, event *domain.ProcessorEvent) error
	Get(ctx context.Context, provider, externalID string) (*domain.ProcessorEvent, error)
	Update(ctx context.Context, event *domain.ProcessorEvent) error
}

// PaymentRepo persists payments.
type PaymentRepo interface {
	// Create inserts the payment. KindConflict when provider_reference
	// already exists.
	Create(ctx context.Context, payment *domain.Payment) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Payment, error)
	GetByReference(ctx context.Context, providerReference string) (*domain.Payment, error)
	GetByOrder(ctx context.Context, orderID uuid.UUID) (*domain.Payment, error)
	Update(ctx context.Context, payment *domain.Payment) error
}

// PreferenceRepo persists notification preferences.
type PreferenceRepo interface {
	// Get returns the stored preferences, or the opt-in defaults when the
	// user has no row.
	Get(ctx context.Context, userID uuid.UUID) (domain.NotificationPreference, error)
	Upsert(ctx context.Context, pref domain.NotificationPreference) error
}

// AutomationRunRepo persists worker run summaries.
type AutomationRunRepo interface {
	Create(ctx context.Context, run *domain.ProviderAutomationRun) error
	ListRecent(ctx context.Context, runType domain.AutomationRunType, limit int) ([]*domain.ProviderAutomationRun, error)
}

// BalanceRepo persists provider wallet-balance snapshots.
type BalanceRepo interface {
	Insert(ctx context.Context, balance *domain.ProviderBalance) error
	Latest(ctx context.Context, providerID uuid.UUID) (*domain.ProviderBalance, error)
}
