// Package postgres implements store.Store over PostgreSQL using sqlx and
// the pq driver. JSON-shaped fields (task payloads, provider metadata,
// provider-order payload bags) are stored as JSONB columns; the payload bag
// keeps the wire names existing dashboards read.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/socialboost/fulfillment/domain"
	"github.com/socialboost/fulfillment/store"
)

// Store implements store.Store. Acquire one per request or worker iteration
// via Open and share the underlying pool process-wide.
type Store struct {
	db sqlx.ExtContext
	// root is non-nil on the pool-backed store and nil inside a
	// transaction, where Atomically degrades to plain invocation.
	root *sqlx.DB
}

// Open connects to the database and verifies connectivity. A failure here
// is fatal: the caller exits with the DB-unreachable code.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", databaseURL)
	if err != nil {
		return nil, domain.Fatalf(err, "database unreachable")
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{db: db, root: db}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s.root != nil {
		return s.root.Close()
	}
	return nil
}

// Atomically runs fn in one transaction. Nested calls join the enclosing
// transaction.
func (s *Store) Atomically(ctx context.Context, fn func(store.Store) error) error {
	if s.root == nil {
		return fn(s)
	}
	tx, err := s.root.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Transientf(err, "begin transaction")
	}
	txStore := &Store{db: tx}
	if err := fn(txStore); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return domain.Transientf(err, "commit transaction")
	}
	return nil
}

func (s *Store) Orders() store.OrderRepo                   { return orderRepo{s.db} }
func (s *Store) Products() store.ProductRepo               { return productRepo{s.db} }
func (s *Store) Tasks() store.TaskRepo                     { return taskRepo{s.db} }
func (s *Store) Providers() store.ProviderRepo             { return providerRepo{s.db} }
func (s *Store) Services() store.ServiceRepo               { return serviceRepo{s.db} }
func (s *Store) ProviderOrders() store.ProviderOrderRepo   { return providerOrderRepo{s.db} }
func (s *Store) Events() store.EventRepo                   { return eventRepo{s.db} }
func (s *Store) Webhooks() store.WebhookRepo               { return webhookRepo{s.db} }
func (s *Store) ProcessorEvents() store.ProcessorEventRepo { return processorEventRepo{s.db} }
func (s *Store) Payments() store.PaymentRepo               { return paymentRepo{s.db} }
func (s *Store) Preferences() store.PreferenceRepo         { return preferenceRepo{s.db} }
func (s *Store) AutomationRuns() store.AutomationRunRepo   { return automationRunRepo{s.db} }
func (s *Store) Balances() store.BalanceRepo               { return balanceRepo{s.db} }

// uniqueViolation is the pq error code for unique constraint failures.
const uniqueViolation = "23505"

func wrapErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NotFoundf("%s not found", what)
	}
	var pqe *pq.Error
	if errors.As(err, &pqe) && pqe.Code == uniqueViolation {
		return domain.Conflictf("%s already exists", what)
	}
	return domain.Transientf(err, "%s query failed", what)
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalMap(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// --- orders ---

type orderRepo struct{ db sqlx.ExtContext }

func (r orderRepo) Create(ctx context.Context, order *domain.Order) error {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	if order.OrderNumber == "" {
		var seq int64
		if err := sqlx.GetContext(ctx, r.db, &seq, `SELECT nextval('order_number_seq')`); err != nil {
			return wrapErr(err, "order number sequence")
		}
		order.OrderNumber = domain.FormatOrderNumber(seq)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO orders (id, order_number, user_id, status, source, currency,
			subtotal, tax, total, notes, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		order.ID, order.OrderNumber, order.UserID, order.Status, order.Source,
		order.Currency, order.Subtotal, order.Tax, order.Total, order.Notes,
		order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return wrapErr(err, "order")
	}
	for _, it := range order.Items {
		if it.ID == uuid.Nil {
			it.ID = uuid.New()
		}
		it.OrderID = order.ID
		selOpts, err := marshalJSON(it.SelectedOptions)
		if err != nil {
			return domain.Validationf("item selected options not serializable: %v", err)
		}
		attrs, _ := marshalJSON(it.Attributes)
		platform, _ := marshalJSON(it.PlatformContext)
		_, err = r.db.ExecContext(ctx, `
			INSERT INTO order_items (id, order_id, product_id, product_title,
				quantity, unit_price, total_price, selected_options, attributes, platform_context)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			it.ID, it.OrderID, it.ProductID, it.ProductTitle, it.Quantity,
			it.UnitPrice, it.TotalPrice, selOpts, attrs, platform)
		if err != nil {
			return wrapErr(err, "order item")
		}
	}
	return nil
}

func (r orderRepo) scanItems(ctx context.Context, order *domain.Order) error {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT id, order_id, product_id, product_title, quantity, unit_price,
			total_price, selected_options, attributes, platform_context
		FROM order_items WHERE order_id = $1 ORDER BY id`, order.ID)
	if err != nil {
		return wrapErr(err, "order items")
	}
	defer rows.Close()
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return err
		}
		order.Items = append(order.Items, it)
	}
	return wrapErr(rows.Err(), "order items")
}

func scanItem(rows sqlx.ColScanner) (*domain.OrderItem, error) {
	var (
		it                      domain.OrderItem
		selOpts, attrs, platCtx []byte
	)
	if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.ProductTitle,
		&it.Quantity, &it.UnitPrice, &it.TotalPrice, &selOpts, &attrs, &platCtx); err != nil {
		return nil, wrapErr(err, "order item")
	}
	it.SelectedOptions = unmarshalMap(selOpts)
	it.Attributes = unmarshalMap(attrs)
	it.PlatformContext = unmarshalMap(platCtx)
	return &it, nil
}

const orderColumns = `id, order_number, user_id, status, source, currency,
	subtotal, tax, total, notes, created_at, updated_at`

func (r orderRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	var order domain.Order
	err := sqlx.GetContext(ctx, r.db, &order,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	if err != nil {
		return nil, wrapErr(err, "order")
	}
	if err := r.scanItems(ctx, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (r orderRepo) GetItem(ctx context.Context, id uuid.UUID) (*domain.OrderItem, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT id, order_id, product_id, product_title, quantity, unit_price,
			total_price, selected_options, attributes, platform_context
		FROM order_items WHERE id = $1`, id)
	if err != nil {
		return nil, wrapErr(err, "order item")
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, domain.NotFoundf("order item %s not found", id)
	}
	return scanItem(rows)
}

func (r orderRepo) List(ctx context.Context, skip, limit int, status *domain.OrderStatus) ([]*domain.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		orders []*domain.Order
		err    error
	)
	if status != nil {
		err = sqlx.SelectContext(ctx, r.db, &orders,
			`SELECT `+orderColumns+` FROM orders WHERE status = $1
			 ORDER BY created_at DESC OFFSET $2 LIMIT $3`, *status, skip, limit)
	} else {
		err = sqlx.SelectContext(ctx, r.db, &orders,
			`SELECT `+orderColumns+` FROM orders
			 ORDER BY created_at DESC OFFSET $1 LIMIT $2`, skip, limit)
	}
	if err != nil {
		return nil, wrapErr(err, "orders")
	}
	return orders, nil
}

func (r orderRepo) ListByUser(ctx context.Context, userID uuid.UUID, skip, limit int) ([]*domain.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	var orders []*domain.Order
	err := sqlx.SelectContext(ctx, r.db, &orders,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1
		 ORDER BY created_at DESC OFFSET $2 LIMIT $3`, userID, skip, limit)
	if err != nil {
		return nil, wrapErr(err, "orders")
	}
	return orders, nil
}

func (r orderRepo) ListSince(ctx context.Context, since time.Time) ([]*domain.Order, error) {
	var orders []*domain.Order
	err := sqlx.SelectContext(ctx, r.db, &orders,
		`SELECT `+orderColumns+` FROM orders WHERE created_at >= $1 ORDER BY created_at`, since)
	if err != nil {
		return nil, wrapErr(err, "orders")
	}
	return orders, nil
}

func (r orderRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.OrderStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return wrapErr(err, "order")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("order %s not found", id)
	}
	return nil
}

// --- products ---

type productRepo struct{ db sqlx.ExtContext }

func (r productRepo) Create(ctx context.Context, product *domain.Product) error {
	if product.ID == uuid.Nil {
		product.ID = uuid.New()
	}
	cfg, err := marshalJSON(product.FulfillmentConfig)
	if err != nil {
		return domain.Validationf("fulfillment config not serializable: %v", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO products (id, slug, title, category, base_price, currency,
			status, fulfillment_config, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		product.ID, product.Slug, product.Title, product.Category,
		product.BasePrice, product.Currency, product.Status, cfg,
		product.CreatedAt, product.UpdatedAt)
	return wrapErr(err, "product")
}

func (r productRepo) get(ctx context.Context, where string, arg any) (*domain.Product, error) {
	row := r.db.QueryRowxContext(ctx, `
		SELECT id, slug, title, category, base_price, currency, status,
			fulfillment_config, created_at, updated_at
		FROM products WHERE `+where, arg)
	var (
		p   domain.Product
		cfg []byte
	)
	err := row.Scan(&p.ID, &p.Slug, &p.Title, &p.Category, &p.BasePrice,
		&p.Currency, &p.Status, &cfg, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, wrapErr(err, "product")
	}
	if len(cfg) > 0 {
		var fc domain.FulfillmentConfig
		if err := json.Unmarshal(cfg, &fc); err == nil {
			p.FulfillmentConfig = &fc
		}
	}
	return &p, nil
}

func (r productRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Product, error) {
	return r.get(ctx, `id = $1`, id)
}

func (r productRepo) GetBySlug(ctx context.Context, slug string) (*domain.Product, error) {
	return r.get(ctx, `slug = $1`, slug)
}

// --- tasks ---

type taskRepo struct{ db sqlx.ExtContext }

const taskColumns = `id, order_item_id, task_type, status, title, description,
	payload, result, error_message, retry_count, max_retries,
	scheduled_at, started_at, completed_at, created_at, updated_at`

func (r taskRepo) Create(ctx context.Context, task *domain.FulfillmentTask) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	payload, err := marshalJSON(task.Payload)
	if err != nil {
		return domain.Validationf("task payload not serializable: %v", err)
	}
	result, _ := marshalJSON(task.Result)
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO fulfillment_tasks (`+taskColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		task.ID, task.OrderItemID, task.TaskType, task.Status, task.Title,
		task.Description, payload, result, task.ErrorMessage, task.RetryCount,
		task.MaxRetries, task.ScheduledAt, task.StartedAt, task.CompletedAt,
		task.CreatedAt, task.UpdatedAt)
	return wrapErr(err, "task")
}

func scanTask(row sqlx.ColScanner) (*domain.FulfillmentTask, error) {
	var (
		t               domain.FulfillmentTask
		payload, result []byte
	)
	err := row.Scan(&t.ID, &t.OrderItemID, &t.TaskType, &t.Status, &t.Title,
		&t.Description, &payload, &result, &t.ErrorMessage, &t.RetryCount,
		&t.MaxRetries, &t.ScheduledAt, &t.StartedAt, &t.CompletedAt,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, wrapErr(err, "task")
	}
	t.Payload = unmarshalMap(payload)
	t.Result = unmarshalMap(result)
	return &t, nil
}

func (r taskRepo) selectTasks(ctx context.Context, query string, args ...any) ([]*domain.FulfillmentTask, error) {
	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(err, "tasks")
	}
	defer rows.Close()
	var out []*domain.FulfillmentTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, wrapErr(rows.Err(), "tasks")
}

func (r taskRepo) Get(ctx context.Context, id uuid.UUID) (*domain.FulfillmentTask, error) {
	tasks, err := r.selectTasks(ctx,
		`SELECT `+taskColumns+` FROM fulfillment_tasks WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, domain.NotFoundf("task %s not found", id)
	}
	return tasks[0], nil
}

func (r taskRepo) Update(ctx context.Context, task *domain.FulfillmentTask) error {
	payload, err := marshalJSON(task.Payload)
	if err != nil {
		return domain.Validationf("task payload not serializable: %v", err)
	}
	result, _ := marshalJSON(task.Result)
	res, err := r.db.ExecContext(ctx, `
		UPDATE fulfillment_tasks SET status=$1, payload=$2, result=$3,
			error_message=$4, retry_count=$5, scheduled_at=$6, started_at=$7,
			completed_at=$8, updated_at=NOW()
		WHERE id = $9`,
		task.Status, payload, result, task.ErrorMessage, task.RetryCount,
		task.ScheduledAt, task.StartedAt, task.CompletedAt, task.ID)
	if err != nil {
		return wrapErr(err, "task")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("task %s not found", task.ID)
	}
	return nil
}

func (r taskRepo) ListByOrderItem(ctx context.Context, itemID uuid.UUID) ([]*domain.FulfillmentTask, error) {
	return r.selectTasks(ctx,
		`SELECT `+taskColumns+` FROM fulfillment_tasks WHERE order_item_id = $1 ORDER BY created_at`, itemID)
}

func (r taskRepo) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*domain.FulfillmentTask, error) {
	return r.selectTasks(ctx, `
		SELECT t.`+`id, t.order_item_id, t.task_type, t.status, t.title, t.description,
			t.payload, t.result, t.error_message, t.retry_count, t.max_retries,
			t.scheduled_at, t.started_at, t.completed_at, t.created_at, t.updated_at
		FROM fulfillment_tasks t
		JOIN order_items i ON i.id = t.order_item_id
		WHERE i.order_id = $1 ORDER BY t.created_at`, orderID)
}

func (r taskRepo) Due(ctx context.Context, now time.Time, limit int) ([]*domain.FulfillmentTask, error) {
	// FOR UPDATE SKIP LOCKED keeps two pollers from claiming the same task.
	return r.selectTasks(ctx, `
		SELECT `+taskColumns+` FROM fulfillment_tasks
		WHERE status = 'pending' AND (scheduled_at IS NULL OR scheduled_at <= $1)
		ORDER BY scheduled_at ASC NULLS FIRST
		LIMIT $2 FOR UPDATE SKIP LOCKED`, now, limit)
}

// --- providers / services ---

type providerRepo struct{ db sqlx.ExtContext }

func (r providerRepo) Create(ctx context.Context, provider *domain.FulfillmentProvider) error {
	if provider.ID == uuid.Nil {
		provider.ID = uuid.New()
	}
	meta, err := marshalJSON(provider.Metadata)
	if err != nil {
		return domain.Validationf("provider metadata not serializable: %v", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO fulfillment_providers (id, name, status, metadata, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		provider.ID, provider.Name, provider.Status, meta, provider.CreatedAt, provider.UpdatedAt)
	return wrapErr(err, "provider")
}

func scanProvider(row sqlx.ColScanner) (*domain.FulfillmentProvider, error) {
	var (
		p    domain.FulfillmentProvider
		meta []byte
	)
	err := row.Scan(&p.ID, &p.Name, &p.Status, &meta, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, wrapErr(err, "provider")
	}
	p.Metadata = unmarshalMap(meta)
	return &p, nil
}

func (r providerRepo) Get(ctx context.Context, id uuid.UUID) (*domain.FulfillmentProvider, error) {
	rows, err := r.db.QueryxContext(ctx,
		`SELECT id, name, status, metadata, created_at, updated_at FROM fulfillment_providers WHERE id = $1`, id)
	if err != nil {
		return nil, wrapErr(err, "provider")
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, domain.NotFoundf("provider %s not found", id)
	}
	return scanProvider(rows)
}

func (r providerRepo) List(ctx context.Context) ([]*domain.FulfillmentProvider, error) {
	rows, err := r.db.QueryxContext(ctx,
		`SELECT id, name, status, metadata, created_at, updated_at FROM fulfillment_providers ORDER BY name`)
	if err != nil {
		return nil, wrapErr(err, "providers")
	}
	defer rows.Close()
	var out []*domain.FulfillmentProvider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, wrapErr(rows.Err(), "providers")
}

type serviceRepo struct{ db sqlx.ExtContext }

func (r serviceRepo) Create(ctx context.Context, service *domain.FulfillmentService) error {
	if service.ID == uuid.Nil {
		service.ID = uuid.New()
	}
	cost, _ := marshalJSON(service.CostModel)
	guard, err := marshalJSON(service.Guardrails)
	if err != nil {
		return domain.Validationf("guardrails not serializable: %v", err)
	}
	templates, _ := marshalJSON(service.PayloadTemplates)
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO fulfillment_services (id, provider_id, name, cost_model,
			guardrails, payload_templates, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		service.ID, service.ProviderID, service.Name, cost, guard, templates,
		service.CreatedAt, service.UpdatedAt)
	return wrapErr(err, "service")
}

func (r serviceRepo) Get(ctx context.Context, id uuid.UUID) (*domain.FulfillmentService, error) {
	row := r.db.QueryRowxContext(ctx, `
		SELECT id, provider_id, name, cost_model, guardrails, payload_templates,
			created_at, updated_at
		FROM fulfillment_services WHERE id = $1`, id)
	var (
		svc                    domain.FulfillmentService
		cost, guard, templates []byte
	)
	err := row.Scan(&svc.ID, &svc.ProviderID, &svc.Name, &cost, &guard,
		&templates, &svc.CreatedAt, &svc.UpdatedAt)
	if err != nil {
		return nil, wrapErr(err, "service")
	}
	svc.CostModel = unmarshalMap(cost)
	if len(guard) > 0 {
		var g domain.GuardrailPolicy
		if err := json.Unmarshal(guard, &g); err == nil {
			svc.Guardrails = &g
		}
	}
	if len(templates) > 0 {
		_ = json.Unmarshal(templates, &svc.PayloadTemplates)
	}
	return &svc, nil
}

// --- provider orders ---

type providerOrderRepo struct{ db sqlx.ExtContext }

const providerOrderColumns = `id, provider_id, service_id, service_action,
	order_id, order_item_id, amount, currency, payload, created_at, updated_at`

func (r providerOrderRepo) Create(ctx context.Context, po *domain.FulfillmentProviderOrder) error {
	if po.ID == uuid.Nil {
		po.ID = uuid.New()
	}
	payload, err := json.Marshal(po.Payload)
	if err != nil {
		return domain.Validationf("provider order payload not serializable: %v", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO fulfillment_provider_orders (`+providerOrderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		po.ID, po.ProviderID, po.ServiceID, po.ServiceAction, po.OrderID,
		po.OrderItemID, po.Amount, po.Currency, payload, po.CreatedAt, po.UpdatedAt)
	return wrapErr(err, "provider order")
}

func scanProviderOrder(row sqlx.ColScanner) (*domain.FulfillmentProviderOrder, error) {
	var (
		po      domain.FulfillmentProviderOrder
		payload []byte
	)
	err := row.Scan(&po.ID, &po.ProviderID, &po.ServiceID, &po.ServiceAction,
		&po.OrderID, &po.OrderItemID, &po.Amount, &po.Currency, &payload,
		&po.CreatedAt, &po.UpdatedAt)
	if err != nil {
		return nil, wrapErr(err, "provider order")
	}
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &po.Payload)
	}
	return &po, nil
}

func (r providerOrderRepo) selectOrders(ctx context.Context, query string, args ...any) ([]*domain.FulfillmentProviderOrder, error) {
	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(err, "provider orders")
	}
	defer rows.Close()
	var out []*domain.FulfillmentProviderOrder
	for rows.Next() {
		po, err := scanProviderOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, po)
	}
	return out, wrapErr(rows.Err(), "provider orders")
}

func (r providerOrderRepo) Get(ctx context.Context, id uuid.UUID) (*domain.FulfillmentProviderOrder, error) {
	// Row lock serializes concurrent payload writers within transactions.
	orders, err := r.selectOrders(ctx,
		`SELECT `+providerOrderColumns+` FROM fulfillment_provider_orders WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, domain.NotFoundf("provider order %s not found", id)
	}
	return orders[0], nil
}

func (r providerOrderRepo) Update(ctx context.Context, po *domain.FulfillmentProviderOrder) error {
	payload, err := json.Marshal(po.Payload)
	if err != nil {
		return domain.Validationf("provider order payload not serializable: %v", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE fulfillment_provider_orders SET payload = $1, updated_at = NOW() WHERE id = $2`,
		payload, po.ID)
	if err != nil {
		return wrapErr(err, "provider order")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("provider order %s not found", po.ID)
	}
	return nil
}

func (r providerOrderRepo) List(ctx context.Context) ([]*domain.FulfillmentProviderOrder, error) {
	return r.selectOrders(ctx,
		`SELECT `+providerOrderColumns+` FROM fulfillment_provider_orders ORDER BY created_at`)
}

func (r providerOrderRepo) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*domain.FulfillmentProviderOrder, error) {
	return r.selectOrders(ctx,
		`SELECT `+providerOrderColumns+` FROM fulfillment_provider_orders WHERE order_id = $1 ORDER BY created_at`, orderID)
}

func (r providerOrderRepo) ListDueScheduled(ctx context.Context, now time.Time) ([]*domain.FulfillmentProviderOrder, error) {
	return r.selectOrders(ctx, `
		SELECT `+providerOrderColumns+` FROM fulfillment_provider_orders
		WHERE EXISTS (
			SELECT 1 FROM jsonb_array_elements(COALESCE(payload->'scheduledReplays', '[]'::jsonb)) AS sr
			WHERE sr->>'status' = 'scheduled' AND (sr->>'scheduledFor')::timestamptz <= $1
		)
		ORDER BY created_at`, now)
}

// --- events ---

type eventRepo struct{ db sqlx.ExtContext }

func (r eventRepo) Append(ctx context.Context, event *domain.OrderStateEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	meta, _ := marshalJSON(event.Metadata)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO order_state_events (id, order_id, event_type, actor_type,
			actor_id, actor_label, from_status, to_status, notes, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		event.ID, event.OrderID, event.EventType, event.ActorType, event.ActorID,
		event.ActorLabel, event.FromStatus, event.ToStatus, event.Notes, meta,
		event.CreatedAt)
	return wrapErr(err, "order state event")
}

func (r eventRepo) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*domain.OrderStateEvent, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT id, order_id, event_type, actor_type, actor_id, actor_label,
			from_status, to_status, notes, metadata, created_at
		FROM order_state_events WHERE order_id = $1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, wrapErr(err, "order state events")
	}
	defer rows.Close()
	var out []*domain.OrderStateEvent
	for rows.Next() {
		var (
			ev   domain.OrderStateEvent
			meta []byte
		)
		if err := rows.Scan(&ev.ID, &ev.OrderID, &ev.EventType, &ev.ActorType,
			&ev.ActorID, &ev.ActorLabel, &ev.FromStatus, &ev.ToStatus, &ev.Notes,
			&meta, &ev.CreatedAt); err != nil {
			return nil, wrapErr(err, "order state event")
		}
		ev.Metadata = unmarshalMap(meta)
		out = append(out, &ev)
	}
	return out, wrapErr(rows.Err(), "order state events")
}

// --- webhook ledger ---

type webhookRepo struct{ db sqlx.ExtContext }

func (r webhookRepo) Insert(ctx context.Context, event *domain.WebhookEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO webhook_events (id, provider, external_id, event_type, received_at)
		VALUES ($1,$2,$3,$4,$5)`,
		event.ID, event.Provider, event.ExternalID, event.EventType, event.ReceivedAt)
	return wrapErr(err, "webhook event")
}

func (r webhookRepo) Seen(ctx context.Context, provider, externalID string) (bool, error) {
	var count int
	err := sqlx.GetContext(ctx, r.db, &count,
		`SELECT COUNT(*) FROM webhook_events WHERE provider = $1 AND external_id = $2`,
		provider, externalID)
	if err != nil {
		return false, wrapErr(err, "webhook event")
	}
	return count > 0, nil
}

type processorEventRepo struct{ db sqlx.ExtContext }

func (r processorEventRepo) Insert(ctx context.Context, event *domain.ProcessorEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO processor_events (id, provider, external_id, payload_hash,
			payload, replay_requested, replay_attempts, last_replay_error, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		event.ID, event.Provider, event.ExternalID, event.PayloadHash,
		event.Payload, event.ReplayRequested, event.ReplayAttempts,
		event.LastReplayError, event.ReceivedAt)
	return wrapErr(err, "processor event")
}

func (r processorEventRepo) Get(ctx context.Context, provider, externalID string) (*domain.ProcessorEvent, error) {
	var ev domain.ProcessorEvent
	err := sqlx.GetContext(ctx, r.db, &ev, `
		SELECT id, provider, external_id, payload_hash, payload,
			replay_requested, replay_attempts, last_replay_error, received_at
		FROM processor_events WHERE provider = $1 AND external_id = $2`,
		provider, externalID)
	if err != nil {
		return nil, wrapErr(err, "processor event")
	}
	return &ev, nil
}

func (r processorEventRepo) Update(ctx context.Context, event *domain.ProcessorEvent) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE processor_events SET replay_requested = $1, replay_attempts = $2,
			last_replay_error = $3
		WHERE provider = $4 AND external_id = $5`,
		event.ReplayRequested, event.ReplayAttempts, event.LastReplayError,
		event.Provider, event.ExternalID)
	if err != nil {
		return wrapErr(err, "processor event")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("processor event %s/%s not found", event.Provider, event.ExternalID)
	}
	return nil
}

// --- payments ---

type paymentRepo struct{ db sqlx.ExtContext }

const paymentColumns = `id, order_id, provider, provider_reference, status,
	amount, currency, failure_reason, captured_at, created_at, updated_at`

func (r paymentRepo) Create(ctx context.Context, payment *domain.Payment) error {
	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		payment.ID, payment.OrderID, payment.Provider, payment.ProviderReference,
		payment.Status, payment.Amount, payment.Currency, payment.FailureReason,
		payment.CapturedAt, payment.CreatedAt, payment.UpdatedAt)
	return wrapErr(err, "payment")
}

func (r paymentRepo) Get(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	var p domain.Payment
	err := sqlx.GetContext(ctx, r.db, &p,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	if err != nil {
		return nil, wrapErr(err, "payment")
	}
	return &p, nil
}

func (r paymentRepo) GetByReference(ctx context.Context, ref string) (*domain.Payment, error) {
	var p domain.Payment
	err := sqlx.GetContext(ctx, r.db, &p,
		`SELECT `+paymentColumns+` FROM payments WHERE provider_reference = $1 FOR UPDATE`, ref)
	if err != nil {
		return nil, wrapErr(err, "payment")
	}
	return &p, nil
}

func (r paymentRepo) GetByOrder(ctx context.Context, orderID uuid.UUID) (*domain.Payment, error) {
	var p domain.Payment
	err := sqlx.GetContext(ctx, r.db, &p,
		`SELECT `+paymentColumns+` FROM payments WHERE order_id = $1 ORDER BY created_at DESC LIMIT 1`, orderID)
	if err != nil {
		return nil, wrapErr(err, "payment")
	}
	return &p, nil
}

func (r paymentRepo) Update(ctx context.Context, payment *domain.Payment) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE payments SET status = $1, failure_reason = $2, captured_at = $3,
			updated_at = NOW()
		WHERE id = $4`,
		payment.Status, payment.FailureReason, payment.CapturedAt, payment.ID)
	if err != nil {
		return wrapErr(err, "payment")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFoundf("payment %s not found", payment.ID)
	}
	return nil
}

// --- preferences ---

type preferenceRepo struct{ db sqlx.ExtContext }

func (r preferenceRepo) Get(ctx context.Context, userID uuid.UUID) (domain.NotificationPreference, error) {
	var pref domain.NotificationPreference
	err := sqlx.GetContext(ctx, r.db, &pref, `
		SELECT user_id, order_updates, payment_updates, fulfillment_alerts,
			marketing_messages, billing_alerts
		FROM notification_preferences WHERE user_id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DefaultPreferences(userID), nil
	}
	if err != nil {
		return pref, wrapErr(err, "notification preferences")
	}
	return pref, nil
}

func (r preferenceRepo) Upsert(ctx context.Context, pref domain.NotificationPreference) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO notification_preferences (user_id, order_updates,
			payment_updates, fulfillment_alerts, marketing_messages, billing_alerts)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (user_id) DO UPDATE SET
			order_updates = EXCLUDED.order_updates,
			payment_updates = EXCLUDED.payment_updates,
			fulfillment_alerts = EXCLUDED.fulfillment_alerts,
			marketing_messages = EXCLUDED.marketing_messages,
			billing_alerts = EXCLUDED.billing_alerts`,
		pref.UserID, pref.OrderUpdates, pref.PaymentUpdates,
		pref.FulfillmentAlerts, pref.MarketingMessages, pref.BillingAlerts)
	return wrapErr(err, "notification preferences")
}

// --- automation runs ---

type automationRunRepo struct{ db sqlx.ExtContext }

func (r automationRunRepo) Create(ctx context.Context, run *domain.ProviderAutomationRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO provider_automation_runs (id, run_type, processed, succeeded,
			failed, scheduled_backlog, last_error, started_at, finished_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		run.ID, run.RunType, run.Processed, run.Succeeded, run.Failed,
		run.ScheduledBacklog, run.LastError, run.StartedAt, run.FinishedAt)
	return wrapErr(err, "automation run")
}

func (r automationRunRepo) ListRecent(ctx context.Context, runType domain.AutomationRunType, limit int) ([]*domain.ProviderAutomationRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []*domain.ProviderAutomationRun
	err := sqlx.SelectContext(ctx, r.db, &out, `
		SELECT id, run_type, processed, succeeded, failed, scheduled_backlog,
			last_error, started_at, finished_at
		FROM provider_automation_runs WHERE run_type = $1
		ORDER BY finished_at DESC LIMIT $2`, runType, limit)
	if err != nil {
		return nil, wrapErr(err, "automation runs")
	}
	return out, nil
}

// --- balances ---

type balanceRepo struct{ db sqlx.ExtContext }

func (r balanceRepo) Insert(ctx context.Context, balance *domain.ProviderBalance) error {
	if balance.ID == uuid.Nil {
		balance.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO provider_balances (id, provider_id, balance, currency, fetched_at)
		VALUES ($1,$2,$3,$4,$5)`,
		balance.ID, balance.ProviderID, balance.Balance, balance.Currency, balance.FetchedAt)
	return wrapErr(err, "provider balance")
}

func (r balanceRepo) Latest(ctx context.Context, providerID uuid.UUID) (*domain.ProviderBalance, error) {
	var b domain.ProviderBalance
	err := sqlx.GetContext(ctx, r.db, &b, `
		SELECT id, provider_id, balance, currency, fetched_at
		FROM provider_balances WHERE provider_id = $1
		ORDER BY fetched_at DESC LIMIT 1`, providerID)
	if err != nil {
		return nil, wrapErr(err, "provider balance")
	}
	return &b, nil
}

