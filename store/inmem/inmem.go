// Package inmem provides an in-memory implementation of store.Store for
// tests and local development. Data lives in process memory and is lost on
// exit; production deployments use store/postgres.
//
// All reads and writes defensively copy entities so callers can never
// mutate stored state through a returned pointer. Atomically stages writes
// on a cloned state and swaps it in on success, giving real rollback
// semantics without a database.
package inmem

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/socialboost/fulfillment/domain"
	"github.com/socialboost/fulfillment/store"
)

// Store implements store.Store backed by process-local maps guarded by one
// mutex. It is safe for concurrent use.
type Store struct {
	mu sync.Mutex
	st *state
}

type state struct {
	orderSeq int64

	orders     map[uuid.UUID]*domain.Order
	orderIDs   []uuid.UUID
	items      map[uuid.UUID]*domain.OrderItem
	products   map[uuid.UUID]*domain.Product
	slugs      map[string]uuid.UUID
	tasks      map[uuid.UUID]*domain.FulfillmentTask
	taskIDs    []uuid.UUID
	providers  map[uuid.UUID]*domain.FulfillmentProvider
	services   map[uuid.UUID]*domain.FulfillmentService
	porders    map[uuid.UUID]*domain.FulfillmentProviderOrder
	porderIDs  []uuid.UUID
	events     map[uuid.UUID][]*domain.OrderStateEvent
	webhooks   map[string]*domain.WebhookEvent
	procEvents map[string]*domain.ProcessorEvent
	procHashes map[string]bool
	payments   map[uuid.UUID]*domain.Payment
	payRefs    map[string]uuid.UUID
	prefs      map[uuid.UUID]domain.NotificationPreference
	runs       []*domain.ProviderAutomationRun
	balances   map[uuid.UUID][]*domain.ProviderBalance
}

func newState() *state {
	return &state{
		orders:     make(map[uuid.UUID]*domain.Order),
		items:      make(map[uuid.UUID]*domain.OrderItem),
		products:   make(map[uuid.UUID]*domain.Product),
		slugs:      make(map[string]uuid.UUID),
		tasks:      make(map[uuid.UUID]*domain.FulfillmentTask),
		providers:  make(map[uuid.UUID]*domain.FulfillmentProvider),
		services:   make(map[uuid.UUID]*domain.FulfillmentService),
		porders:    make(map[uuid.UUID]*domain.FulfillmentProviderOrder),
		events:     make(map[uuid.UUID][]*domain.OrderStateEvent),
		webhooks:   make(map[string]*domain.WebhookEvent),
		procEvents: make(map[string]*domain.ProcessorEvent),
		procHashes: make(map[string]bool),
		payments:   make(map[uuid.UUID]*domain.Payment),
		payRefs:    make(map[string]uuid.UUID),
		prefs:      make(map[uuid.UUID]domain.NotificationPreference),
		balances:   make(map[uuid.UUID][]*domain.ProviderBalance),
	}
}

// clone shallow-copies every container. Entities themselves are immutable
// by convention: repo methods store fresh clones instead of mutating in
// place, so sharing entity pointers between state generations is safe.
func (s *state) clone() *state {
	c := &state{
		orderSeq:   s.orderSeq,
		orders:     make(map[uuid.UUID]*domain.Order, len(s.orders)),
		orderIDs:   append([]uuid.UUID(nil), s.orderIDs...),
		items:      make(map[uuid.UUID]*domain.OrderItem, len(s.items)),
		products:   make(map[uuid.UUID]*domain.Product, len(s.products)),
		slugs:      make(map[string]uuid.UUID, len(s.slugs)),
		tasks:      make(map[uuid.UUID]*domain.FulfillmentTask, len(s.tasks)),
		taskIDs:    append([]uuid.UUID(nil), s.taskIDs...),
		providers:  make(map[uuid.UUID]*domain.FulfillmentProvider, len(s.providers)),
		services:   make(map[uuid.UUID]*domain.FulfillmentService, len(s.services)),
		porders:    make(map[uuid.UUID]*domain.FulfillmentProviderOrder, len(s.porders)),
		porderIDs:  append([]uuid.UUID(nil), s.porderIDs...),
		events:     make(map[uuid.UUID][]*domain.OrderStateEvent, len(s.events)),
		webhooks:   make(map[string]*domain.WebhookEvent, len(s.webhooks)),
		procEvents: make(map[string]*domain.ProcessorEvent, len(s.procEvents)),
		procHashes: make(map[string]bool, len(s.procHashes)),
		payments:   make(map[uuid.UUID]*domain.Payment, len(s.payments)),
		payRefs:    make(map[string]uuid.UUID, len(s.payRefs)),
		prefs:      make(map[uuid.UUID]domain.NotificationPreference, len(s.prefs)),
		runs:       append([]*domain.ProviderAutomationRun(nil), s.runs...),
		balances:   make(map[uuid.UUID][]*domain.ProviderBalance, len(s.balances)),
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.items {
		c.items[k] = v
	}
	for k, v := range s.products {
		c.products[k] = v
	}
	for k, v := range s.slugs {
		c.slugs[k] = v
	}
	for k, v := range s.tasks {
		c.tasks[k] = v
	}
	for k, v := range s.providers {
		c.providers[k] = v
	}
	for k, v := range s.services {
		c.services[k] = v
	}
	for k, v := range s.porders {
		c.porders[k] = v
	}
	for k, v := range s.events {
		c.events[k] = append([]*domain.OrderStateEvent(nil), v...)
	}
	for k, v := range s.webhooks {
		c.webhooks[k] = v
	}
	for k, v := range s.procEvents {
		c.procEvents[k] = v
	}
	for k, v := range s.procHashes {
		c.procHashes[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.payRefs {
		c.payRefs[k] = v
	}
	for k, v := range s.prefs {
		c.prefs[k] = v
	}
	for k, v := range s.balances {
		c.balances[k] = append([]*domain.ProviderBalance(nil), v...)
	}
	return c
}

// New returns an empty in-memory store, ready to use with no setup.
func New() *Store {
	return &Store{st: newState()}
}

// view runs fn with the lock held against the live state.
func (s *Store) view(fn func(*state) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.st)
}

// Atomically clones the state, runs fn against the clone through a
// non-locking tx view, and swaps the clone in on success.
func (s *Store) Atomically(ctx context.Context, fn func(store.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	staged := s.st.clone()
	if err := fn(&txStore{st: staged}); err != nil {
		return err
	}
	s.st = staged
	return nil
}

// txStore is the transactional view handed to Atomically callbacks. Its
// repos operate on the staged state without locking (the parent holds the
// lock for the whole transaction). Nested Atomically calls run in the same
// transaction.
type txStore struct {
	st *state
}

func (t *txStore) Atomically(ctx context.Context, fn func(store.Store) error) error {
	return fn(t)
}

// cloneVia round-trips v through JSON to produce an independent copy. Every
// entity in this package is JSON-stable (uuid, decimal and time all
// round-trip), which keeps the copy logic in one place.
func cloneVia[T any](v T) T {
	buf, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("inmem: clone marshal: %v", err))
	}
	var out T
	if err := json.Unmarshal(buf, &out); err != nil {
		panic(fmt.Sprintf("inmem: clone unmarshal: %v", err))
	}
	return out
}

func dedupKey(provider, externalID string) string { return provider + "\x00" + externalID }

// Repo accessors. Store locks per call; txStore runs lock-free on the
// staged state.

func (s *Store) Orders() store.OrderRepo                   { return ordersRepo{runner{s: s}} }
func (s *Store) Products() store.ProductRepo               { return productsRepo{runner{s: s}} }
func (s *Store) Tasks() store.TaskRepo                     { return tasksRepo{runner{s: s}} }
func (s *Store) Providers() store.ProviderRepo             { return providersRepo{runner{s: s}} }
func (s *Store) Services() store.ServiceRepo               { return servicesRepo{runner{s: s}} }
func (s *Store) ProviderOrders() store.ProviderOrderRepo   { return pordersRepo{runner{s: s}} }
func (s *Store) Events() store.EventRepo                   { return eventsRepo{runner{s: s}} }
func (s *Store) Webhooks() store.WebhookRepo               { return webhooksRepo{runner{s: s}} }
func (s *Store) ProcessorEvents() store.ProcessorEventRepo { return procEventsRepo{runner{s: s}} }
func (s *Store) Payments() store.PaymentRepo               { return paymentsRepo{runner{s: s}} }
func (s *Store) Preferences() store.PreferenceRepo         { return prefsRepo{runner{s: s}} }
func (s *Store) AutomationRuns() store.AutomationRunRepo   { return runsRepo{runner{s: s}} }
func (s *Store) Balances() store.BalanceRepo               { return balancesRepo{runner{s: s}} }

func (t *txStore) Orders() store.OrderRepo                   { return ordersRepo{runner{tx: t}} }
func (t *txStore) Products() store.ProductRepo               { return productsRepo{runner{tx: t}} }
func (t *txStore) Tasks() store.TaskRepo                     { return tasksRepo{runner{tx: t}} }
func (t *txStore) Providers() store.ProviderRepo             { return providersRepo{runner{tx: t}} }
func (t *txStore) Services() store.ServiceRepo               { return servicesRepo{runner{tx: t}} }
func (t *txStore) ProviderOrders() store.ProviderOrderRepo   { return pordersRepo{runner{tx: t}} }
func (t *txStore) Events() store.EventRepo                   { return eventsRepo{runner{tx: t}} }
func (t *txStore) Webhooks() store.WebhookRepo               { return webhooksRepo{runner{tx: t}} }
func (t *txStore) ProcessorEvents() store.ProcessorEventRepo { return procEventsRepo{runner{tx: t}} }
func (t *txStore) Payments() store.PaymentRepo               { return paymentsRepo{runner{tx: t}} }
func (t *txStore) Preferences() store.PreferenceRepo         { return prefsRepo{runner{tx: t}} }
func (t *txStore) AutomationRuns() store.AutomationRunRepo   { return runsRepo{runner{tx: t}} }
func (t *txStore) Balances() store.BalanceRepo               { return balancesRepo{runner{tx: t}} }

// runner dispatches a state function either under the store lock or
// directly against a staged transaction state.
type runner struct {
	s  *Store
	tx *txStore
}

func (r runner) run(fn func(*state) error) error {
	if r.tx != nil {
		return fn(r.tx.st)
	}
	return r.s.view(fn)
}

// --- orders ---

type ordersRepo struct{ runner }

func (r ordersRepo) Create(_ context.Context, order *domain.Order) error {
	return r.run(func(st *state) error {
		if order.ID == uuid.Nil {
			order.ID = uuid.New()
		}
		if order.OrderNumber == "" {
			st.orderSeq++
			order.OrderNumber = domain.FormatOrderNumber(st.orderSeq)
		}
		stored := cloneVia(order)
		for _, it := range stored.Items {
			if it.ID == uuid.Nil {
				it.ID = uuid.New()
			}
			it.OrderID = stored.ID
			st.items[it.ID] = it
		}
		// Keep item IDs visible to the caller.
		for i, it := range stored.Items {
			order.Items[i].ID = it.ID
			order.Items[i].OrderID = stored.ID
		}
		order.OrderNumber = stored.OrderNumber
		st.orders[stored.ID] = stored
		st.orderIDs = append(st.orderIDs, stored.ID)
		return nil
	})
}

func (r ordersRepo) Get(_ context.Context, id uuid.UUID) (*domain.Order, error) {
	var out *domain.Order
	err := r.run(func(st *state) error {
		o, ok := st.orders[id]
		if !ok {
			return domain.NotFoundf("order %s not found", id)
		}
		out = cloneVia(o)
		return nil
	})
	return out, err
}

func (r ordersRepo) GetItem(_ context.Context, id uuid.UUID) (*domain.OrderItem, error) {
	var out *domain.OrderItem
	err := r.run(func(st *state) error {
		it, ok := st.items[id]
		if !ok {
			return domain.NotFoundf("order item %s not found", id)
		}
		out = cloneVia(it)
		return nil
	})
	return out, err
}

func (r ordersRepo) List(_ context.Context, skip, limit int, status *domain.OrderStatus) ([]*domain.Order, error) {
	var out []*domain.Order
	err := r.run(func(st *state) error {
		for i := len(st.orderIDs) - 1; i >= 0; i-- {
			o := st.orders[st.orderIDs[i]]
			if status != nil && o.Status != *status {
				continue
			}
			if skip > 0 {
				skip--
				continue
			}
			out = append(out, cloneVia(o))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (r ordersRepo) ListByUser(_ context.Context, userID uuid.UUID, skip, limit int) ([]*domain.Order, error) {
	var out []*domain.Order
	err := r.run(func(st *state) error {
		for i := len(st.orderIDs) - 1; i >= 0; i-- {
			o := st.orders[st.orderIDs[i]]
			if o.UserID == nil || *o.UserID != userID {
				continue
			}
			if skip > 0 {
				skip--
				continue
			}
			out = append(out, cloneVia(o))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (r ordersRepo) ListSince(_ context.Context, since time.Time) ([]*domain.Order, error) {
	var out []*domain.Order
	err := r.run(func(st *state) error {
		for _, id := range st.orderIDs {
			o := st.orders[id]
			if o.CreatedAt.Before(since) {
				continue
			}
			out = append(out, cloneVia(o))
		}
		return nil
	})
	return out, err
}

func (r ordersRepo) UpdateStatus(_ context.Context, id uuid.UUID, status domain.OrderStatus) error {
	return r.run(func(st *state) error {
		o, ok := st.orders[id]
		if !ok {
			return domain.NotFoundf("order %s not found", id)
		}
		updated := cloneVia(o)
		updated.Status = status
		updated.UpdatedAt = time.Now().UTC()
		st.orders[id] = updated
		return nil
	})
}

// --- products ---

type productsRepo struct{ runner }

func (r productsRepo) Create(_ context.Context, product *domain.Product) error {
	return r.run(func(st *state) error {
		if product.ID == uuid.Nil {
			product.ID = uuid.New()
		}
		if _, exists := st.slugs[product.Slug]; exists {
			return domain.Conflictf("product slug %q already exists", product.Slug)
		}
		st.products[product.ID] = cloneVia(product)
		st.slugs[product.Slug] = product.ID
		return nil
	})
}

func (r productsRepo) Get(_ context.Context, id uuid.UUID) (*domain.Product, error) {
	var out *domain.Product
	err := r.run(func(st *state) error {
		p, ok := st.products[id]
		if !ok {
			return domain.NotFoundf("product %s not found", id)
		}
		out = cloneVia(p)
		return nil
	})
	return out, err
}

func (r productsRepo) GetBySlug(_ context.Context, slug string) (*domain.Product, error) {
	var out *domain.Product
	err := r.run(func(st *state) error {
		id, ok := st.slugs[slug]
		if !ok {
			return domain.NotFoundf("product %q not found", slug)
		}
		out = cloneVia(st.products[id])
		return nil
	})
	return out, err
}

// --- tasks ---

type tasksRepo struct{ runner }

func (r tasksRepo) Create(_ context.Context, task *domain.FulfillmentTask) error {
	return r.run(func(st *state) error {
		if task.ID == uuid.Nil {
			task.ID = uuid.New()
		}
		st.tasks[task.ID] = cloneVia(task)
		st.taskIDs = append(st.taskIDs, task.ID)
		return nil
	})
}

func (r tasksRepo) Get(_ context.Context, id uuid.UUID) (*domain.FulfillmentTask, error) {
	var out *domain.FulfillmentTask
	err := r.run(func(st *state) error {
		t, ok := st.tasks[id]
		if !ok {
			return domain.NotFoundf("task %s not found", id)
		}
		out = cloneVia(t)
		return nil
	})
	return out, err
}

func (r tasksRepo) Update(_ context.Context, task *domain.FulfillmentTask) error {
	return r.run(func(st *state) error {
		if _, ok := st.tasks[task.ID]; !ok {
			return domain.NotFoundf("task %s not found", task.ID)
		}
		st.tasks[task.ID] = cloneVia(task)
		return nil
	})
}

func (r tasksRepo) ListByOrderItem(_ context.Context, itemID uuid.UUID) ([]*domain.FulfillmentTask, error) {
	var out []*domain.FulfillmentTask
	err := r.run(func(st *state) error {
		for _, id := range st.taskIDs {
			if t := st.tasks[id]; t.OrderItemID == itemID {
				out = append(out, cloneVia(t))
			}
		}
		return nil
	})
	return out, err
}

func (r tasksRepo) ListByOrder(_ context.Context, orderID uuid.UUID) ([]*domain.FulfillmentTask, error) {
	var out []*domain.FulfillmentTask
	err := r.run(func(st *state) error {
		for _, id := range st.taskIDs {
			t := st.tasks[id]
			it, ok := st.items[t.OrderItemID]
			if ok && it.OrderID == orderID {
				out = append(out, cloneVia(t))
			}
		}
		return nil
	})
	return out, err
}

func (r tasksRepo) Due(_ context.Context, now time.Time, limit int) ([]*domain.FulfillmentTask, error) {
	var out []*domain.FulfillmentTask
	err := r.run(func(st *state) error {
		for _, id := range st.taskIDs {
			t := st.tasks[id]
			if t.Status != domain.TaskPending {
				continue
			}
			if t.ScheduledAt != nil && t.ScheduledAt.After(now) {
				continue
			}
			out = append(out, cloneVia(t))
		}
		sort.SliceStable(out, func(i, j int) bool {
			ti, tj := out[i].ScheduledAt, out[j].ScheduledAt
			switch {
			case ti == nil:
				return tj != nil
			case tj == nil:
				return false
			default:
				return ti.Before(*tj)
			}
		})
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return nil
	})
	return out, err
}

// --- providers / services ---

type providersRepo struct{ runner }

func (r providersRepo) Create(_ context.Context, provider *domain.FulfillmentProvider) error {
	return r.run(func(st *state) error {
		if provider.ID == uuid.Nil {
			provider.ID = uuid.New()
		}
		st.providers[provider.ID] = cloneVia(provider)
		return nil
	})
}

func (r providersRepo) Get(_ context.Context, id uuid.UUID) (*domain.FulfillmentProvider, error) {
	var out *domain.FulfillmentProvider
	err := r.run(func(st *state) error {
		p, ok := st.providers[id]
		if !ok {
			return domain.NotFoundf("provider %s not found", id)
		}
		out = cloneVia(p)
		return nil
	})
	return out, err
}

func (r providersRepo) List(_ context.Context) ([]*domain.FulfillmentProvider, error) {
	var out []*domain.FulfillmentProvider
	err := r.run(func(st *state) error {
		for _, p := range st.providers {
			out = append(out, cloneVia(p))
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		return nil
	})
	return out, err
}

type servicesRepo struct{ runner }

func (r servicesRepo) Create(_ context.Context, service *domain.FulfillmentService) error {
	return r.run(func(st *state) error {
		if service.ID == uuid.Nil {
			service.ID = uuid.New()
		}
		st.services[service.ID] = cloneVia(service)
		return nil
	})
}

func (r servicesRepo) Get(_ context.Context, id uuid.UUID) (*domain.FulfillmentService, error) {
	var out *domain.FulfillmentService
	err := r.run(func(st *state) error {
		svc, ok := st.services[id]
		if !ok {
			return domain.NotFoundf("service %s not found", id)
		}
		out = cloneVia(svc)
		return nil
	})
	return out, err
}

// --- provider orders ---

type pordersRepo struct{ runner }

func (r pordersRepo) Create(_ context.Context, po *domain.FulfillmentProviderOrder) error {
	return r.run(func(st *state) error {
		if po.ID == uuid.Nil {
			po.ID = uuid.New()
		}
		st.porders[po.ID] = cloneVia(po)
		st.porderIDs = append(st.porderIDs, po.ID)
		return nil
	})
}

func (r pordersRepo) Get(_ context.Context, id uuid.UUID) (*domain.FulfillmentProviderOrder, error) {
	var out *domain.FulfillmentProviderOrder
	err := r.run(func(st *state) error {
		po, ok := st.porders[id]
		if !ok {
			return domain.NotFoundf("provider order %s not found", id)
		}
		out = cloneVia(po)
		return nil
	})
	return out, err
}

func (r pordersRepo) Update(_ context.Context, po *domain.FulfillmentProviderOrder) error {
	return r.run(func(st *state) error {
		if _, ok := st.porders[po.ID]; !ok {
			return domain.NotFoundf("provider order %s not found", po.ID)
		}
		st.porders[po.ID] = cloneVia(po)
		return nil
	})
}

func (r pordersRepo) List(_ context.Context) ([]*domain.FulfillmentProviderOrder, error) {
	var out []*domain.FulfillmentProviderOrder
	err := r.run(func(st *state) error {
		for _, id := range st.porderIDs {
			out = append(out, cloneVia(st.porders[id]))
		}
		return nil
	})
	return out, err
}

func (r pordersRepo) ListByOrder(_ context.Context, orderID uuid.UUID) ([]*domain.FulfillmentProviderOrder, error) {
	var out []*domain.FulfillmentProviderOrder
	err := r.run(func(st *state) error {
		for _, id := range st.porderIDs {
			if po := st.porders[id]; po.OrderID == orderID {
				out = append(out, cloneVia(po))
			}
		}
		return nil
	})
	return out, err
}

func (r pordersRepo) ListDueScheduled(_ context.Context, now time.Time) ([]*domain.FulfillmentProviderOrder, error) {
	var out []*domain.FulfillmentProviderOrder
	err := r.run(func(st *state) error {
		for _, id := range st.porderIDs {
			po := st.porders[id]
			for _, sr := range po.Payload.ScheduledReplays {
				if sr.Status == domain.ReplayScheduled && !sr.ScheduledFor.After(now) {
					out = append(out, cloneVia(po))
					break
				}
			}
		}
		return nil
	})
	return out, err
}

// --- events ---

type eventsRepo struct{ runner }

func (r eventsRepo) Append(_ context.Context, event *domain.OrderStateEvent) error {
	return r.run(func(st *state) error {
		if event.ID == uuid.Nil {
			event.ID = uuid.New()
		}
		if event.CreatedAt.IsZero() {
			event.CreatedAt = time.Now().UTC()
		}
		st.events[event.OrderID] = append(st.events[event.OrderID], cloneVia(event))
		return nil
	})
}

func (r eventsRepo) ListByOrder(_ context.Context, orderID uuid.UUID) ([]*domain.OrderStateEvent, error) {
	var out []*domain.OrderStateEvent
	err := r.run(func(st *state) error {
		for _, ev := range st.events[orderID] {
			out = append(out, cloneVia(ev))
		}
		return nil
	})
	return out, err
}

// --- webhook ledger ---

type webhooksRepo struct{ runner }

func (r webhooksRepo) Insert(_ context.Context, event *domain.WebhookEvent) error {
	return r.run(func(st *state) error {
		key := dedupKey(event.Provider, event.ExternalID)
		if _, ok := st.webhooks[key]; ok {
			return domain.Conflictf("webhook %s/%s already recorded", event.Provider, event.ExternalID)
		}
		if event.ID == uuid.Nil {
			event.ID = uuid.New()
		}
		st.webhooks[key] = cloneVia(event)
		return nil
	})
}

func (r webhooksRepo) Seen(_ context.Context, provider, externalID string) (bool, error) {
	var seen bool
	err := r.run(func(st *state) error {
		_, seen = st.webhooks[dedupKey(provider, externalID)]
		return nil
	})
	return seen, err
}

type procEventsRepo struct{ runner }

func (r procEventsRepo) Insert(_ context.Context, event *domain.ProcessorEvent) error {
	return r.run(func(st *state) error {
		key := dedupKey(event.Provider, event.ExternalID)
		if _, ok := st.procEvents[key]; ok {
			return domain.Conflictf("processor event %s/%s already recorded", event.Provider, event.ExternalID)
		}
		hashKey := dedupKey(event.Provider, event.PayloadHash)
		if st.procHashes[hashKey] {
			return domain.Conflictf("processor event payload already recorded for %s", event.Provider)
		}
		if event.ID == uuid.Nil {
			event.ID = uuid.New()
		}
		st.procEvents[key] = cloneVia(event)
		st.procHashes[hashKey] = true
		return nil
	})
}

func (r procEventsRepo) Get(_ context.Context, provider, externalID string) (*domain.ProcessorEvent, error) {
	var out *domain.ProcessorEvent
	err := r.run(func(st *state) error {
		ev, ok := st.procEvents[dedupKey(provider, externalID)]
		if !ok {
			return domain.NotFoundf("processor event %s/%s not found", provider, externalID)
		}
		out = cloneVia(ev)
		return nil
	})
	return out, err
}

func (r procEventsRepo) Update(_ context.Context, event *domain.ProcessorEvent) error {
	return r.run(func(st *state) error {
		key := dedupKey(event.Provider, event.ExternalID)
		if _, ok := st.procEvents[key]; !ok {
			return domain.NotFoundf("processor event %s/%s not found", event.Provider, event.ExternalID)
		}
		st.procEvents[key] = cloneVia(event)
		return nil
	})
}

// --- payments ---

type paymentsRepo struct{ runner }

func (r paymentsRepo) Create(_ context.Context, payment *domain.Payment) error {
	return r.run(func(st *state) error {
		if _, ok := st.payRefs[payment.ProviderReference]; ok {
			return domain.Conflictf("payment reference %q already exists", payment.ProviderReference)
		}
		if payment.ID == uuid.Nil {
			payment.ID = uuid.New()
		}
		st.payments[payment.ID] = cloneVia(payment)
		st.payRefs[payment.ProviderReference] = payment.ID
		return nil
	})
}

func (r paymentsRepo) Get(_ context.Context, id uuid.UUID) (*domain.Payment, error) {
	var out *domain.Payment
	err := r.run(func(st *state) error {
		p, ok := st.payments[id]
		if !ok {
			return domain.NotFoundf("payment %s not found", id)
		}
		out = cloneVia(p)
		return nil
	})
	return out, err
}

func (r paymentsRepo) GetByReference(_ context.Context, ref string) (*domain.Payment, error) {
	var out *domain.Payment
	err := r.run(func(st *state) error {
		id, ok := st.payRefs[ref]
		if !ok {
			return domain.NotFoundf("payment reference %q not found", ref)
		}
		out = cloneVia(st.payments[id])
		return nil
	})
	return out, err
}

func (r paymentsRepo) GetByOrder(_ context.Context, orderID uuid.UUID) (*domain.Payment, error) {
	var out *domain.Payment
	err := r.run(func(st *state) error {
		for _, p := range st.payments {
			if p.OrderID == orderID {
				out = cloneVia(p)
				return nil
			}
		}
		return domain.NotFoundf("payment for order %s not found", orderID)
	})
	return out, err
}

func (r paymentsRepo) Update(_ context.Context, payment *domain.Payment) error {
	return r.run(func(st *state) error {
		if _, ok := st.payments[payment.ID]; !ok {
			return domain.NotFoundf("payment %s not found", payment.ID)
		}
		st.payments[payment.ID] = cloneVia(payment)
		return nil
	})
}

// --- preferences ---

type prefsRepo struct{ runner }

func (r prefsRepo) Get(_ context.Context, userID uuid.UUID) (domain.NotificationPreference, error) {
	var out domain.NotificationPreference
	err := r.run(func(st *state) error {
		pref, ok := st.prefs[userID]
		if !ok {
			out = domain.DefaultPreferences(userID)
			return nil
		}
		out = pref
		return nil
	})
	return out, err
}

func (r prefsRepo) Upsert(_ context.Context, pref domain.NotificationPreference) error {
	return r.run(func(st *state) error {
		st.prefs[pref.UserID] = pref
		return nil
	})
}

// --- automation runs ---

type runsRepo struct{ runner }

func (r runsRepo) Create(_ context.Context, run *domain.ProviderAutomationRun) error {
	return r.run(func(st *state) error {
		if run.ID == uuid.Nil {
			run.ID = uuid.New()
		}
		st.runs = append(st.runs, cloneVia(run))
		return nil
	})
}

func (r runsRepo) ListRecent(_ context.Context, runType domain.AutomationRunType, limit int) ([]*domain.ProviderAutomationRun, error) {
	var out []*domain.ProviderAutomationRun
	err := r.run(func(st *state) error {
		for i := len(st.runs) - 1; i >= 0; i-- {
			if st.runs[i].RunType != runType {
				continue
			}
			out = append(out, cloneVia(st.runs[i]))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// --- balances ---

type balancesRepo struct{ runner }

func (r balancesRepo) Insert(_ context.Context, balance *domain.ProviderBalance) error {
	return r.run(func(st *state) error {
		if balance.ID == uuid.Nil {
			balance.ID = uuid.New()
		}
		st.balances[balance.ProviderID] = append(st.balances[balance.ProviderID], cloneVia(balance))
		return nil
	})
}

func (r balancesRepo) Latest(_ context.Context, providerID uuid.UUID) (*domain.ProviderBalance, error) {
	var out *domain.ProviderBalance
	err := r.run(func(st *state) error {
		snaps := st.balances[providerID]
		if len(snaps) == 0 {
			return domain.NotFoundf("no balance snapshot for provider %s", providerID)
		}
		out = cloneVia(snaps[len(snaps)-1])
		return nil
	})
	return out, err
}
