package fulfillment

import (
	"context"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/socialboost/fulfillment/domain"
	"github.com/socialboost/fulfillment/notify"
	"github.com/socialboost/fulfillment/provider"
	"github.com/socialboost/fulfillment/store"
)

// Default schedule offsets for category-driven task materialization.
const (
	genericTaskOffset = 24 * time.Hour
)

// instagramPlan is the default task graph for the "instagram" category.
var instagramPlan = []struct {
	taskType domain.TaskType
	title    string
	offset   time.Duration
}{
	{domain.TaskInstagramSetup, "Instagram account setup", time.Hour},
	{domain.TaskAnalyticsCollection, "Baseline analytics collection", 2 * time.Hour},
	{domain.TaskFollowerGrowth, "Follower growth campaign", 24 * time.Hour},
	{domain.TaskEngagementBoost, "Engagement boost", 48 * time.Hour},
}

// Service is the fulfillment orchestrator: kickoff, task materialization,
// task status updates and order status recomputation.
type Service struct {
	machine    *StateMachine
	automation *provider.Automation
	dispatcher *notify.Dispatcher
	now        func() time.Time
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService returns the fulfillment service. automation may be nil when
// provider dispatch is disabled (tasks still materialize).
func NewService(machine *StateMachine, automation *provider.Automation, dispatcher *notify.Dispatcher, opts ...ServiceOption) *Service {
	s := &Service{
		machine:    machine,
		automation: automation,
		dispatcher: dispatcher,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ProcessOrderFulfillment is the one-shot kickoff: it transitions a pending
// order to processing, materializes tasks for every item and dispatches
// service-override add-ons to their providers. Returns false without side
// effects when the order is not pending, which makes the call idempotent
// under webhook retries.
func (s *Service) ProcessOrderFulfillment(ctx context.Context, st store.Store, orderID uuid.UUID) (bool, error) {
	var (
		started bool
		order   *domain.Order
	)
	err := st.Atomically(ctx, func(tx store.Store) error {
		var err error
		order, err = tx.Orders().Get(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != domain.OrderPending {
			return nil
		}
		if err := s.machine.Transition(ctx, tx, order, domain.OrderProcessing, domain.ActorSystem, nil, "fulfillment started"); err != nil {
			return err
		}
		started = true

		for _, item := range order.Items {
			if err := s.materializeTasks(ctx, tx, order, item); err != nil {
				return err
			}
			s.dispatchAddOns(ctx, tx, order, item)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if started {
		s.dispatcher.Send(ctx, st, order.UserID, notify.KindOrderStatusUpdate,
			notify.RenderOrderStatusUpdate(order, domain.OrderPending, domain.OrderProcessing))
		log.Info(ctx, log.KV{K: "msg", V: "fulfillment kicked off"},
			log.KV{K: "order_id", V: orderID},
			log.KV{K: "order_number", V: order.OrderNumber})
	}
	return started, nil
}

// dispatchAddOns creates provider orders for the item's service-override
// add-ons. Provider failures are logged and recorded as audit events but
// never abort the kickoff; the order must not be lost because an upstream
// provider was down.
func (s *Service) dispatchAddOns(ctx context.Context, st store.Store, order *domain.Order, item *domain.OrderItem) {
	if s.automation == nil {
		return
	}
	overrides, err := s.automation.Overrides(ctx, st, order, item)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "add-on override extraction failed"},
			log.KV{K: "order_item_id", V: item.ID})
		return
	}
	for _, ov := range overrides {
		if _, err := s.automation.CreateProviderOrder(ctx, st, order, item, ov); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "provider order creation failed"},
				log.KV{K: "order_item_id", V: item.ID},
				log.KV{K: "service_id", V: ov.ServiceID})
			s.machine.RecordEvent(ctx, st, &domain.OrderStateEvent{
				OrderID:   order.ID,
				EventType: domain.EventAutomationAlert,
				ActorType: domain.ActorSystem,
				Notes:     "provider order creation failed: " + err.Error(),
				Metadata:  map[string]any{"serviceId": ov.ServiceID.String()},
			})
		}
	}
}

// materializeTasks creates the fulfillment tasks for one item, preferring
// the product's configured task graph over category defaults.
func (s *Service) materializeTasks(ctx context.Context, st store.Store, order *domain.Order, item *domain.OrderItem) error {
	var product *domain.Product
	if item.ProductID != nil {
		p, err := st.Products().Get(ctx, *item.ProductID)
		if err != nil {
			if !domain.IsKind(err, domain.KindNotFound) {
				return err
			}
			log.Warn(ctx, log.KV{K: "msg", V: "order item references missing product"},
				log.KV{K: "product_id", V: *item.ProductID})
		} else {
			product = p
		}
	}

	if product != nil && product.FulfillmentConfig != nil && len(product.FulfillmentConfig.Tasks) > 0 {
		created, err := s.materializeConfigured(ctx, st, order, item, product)
		if err != nil {
			return err
		}
		if created > 0 {
			return nil
		}
		// No valid configured task survived; fall through to the default.
		log.Warn(ctx, log.KV{K: "msg", V: "configured tasks all invalid, using default"},
			log.KV{K: "product_id", V: product.ID})
	}

	category := ""
	if product != nil {
		category = product.Category
	}
	return s.materializeCategory(ctx, st, order, item, product, category)
}

// materializeConfigured creates tasks from the product's fulfillmentConfig
// and returns how many were created. Unknown task types are skipped with a
// warning.
func (s *Service) materializeConfigured(ctx context.Context, st store.Store, order *domain.Order, item *domain.OrderItem, product *domain.Product) (int, error) {
	now := s.now()
	created := 0
	for _, cfg := range product.FulfillmentConfig.Tasks {
		taskType := domain.TaskType(cfg.Type)
		if !domain.KnownTaskType(taskType) {
			log.Warn(ctx, log.KV{K: "msg", V: "skipping unknown configured task type"},
				log.KV{K: "task_type", V: cfg.Type},
				log.KV{K: "product_id", V: product.ID})
			continue
		}

		scheduledAt := now.Add(cfg.Offset())
		if cfg.ScheduledAt != "" {
			at, err := time.Parse(time.RFC3339, cfg.ScheduledAt)
			if err != nil {
				log.Warn(ctx, log.KV{K: "msg", V: "invalid scheduled_at, using offset"},
					log.KV{K: "scheduled_at", V: cfg.ScheduledAt})
			} else {
				scheduledAt = at.UTC()
			}
		}

		maxRetries := domain.DefaultMaxRetries
		if cfg.MaxRetries != nil {
			maxRetries = *cfg.MaxRetries
		}

		payload := make(map[string]any, len(cfg.Payload)+2)
		for k, v := range cfg.Payload {
			payload[k] = v
		}
		if cfg.Execution != nil {
			// Execution blocks stay unrendered; the processor renders them
			// against the frozen context at execution time.
			payload["execution"] = cfg.Execution
		}
		payload["context"] = taskContext(order, item, product)

		title := cfg.Title
		if title == "" {
			title = string(taskType)
		}
		task := &domain.FulfillmentTask{
			ID:          uuid.New(),
			OrderItemID: item.ID,
			TaskType:    taskType,
			Status:      domain.TaskPending,
			Title:       title,
			Description: cfg.Description,
			Payload:     payload,
			MaxRetries:  maxRetries,
			ScheduledAt: &scheduledAt,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := st.Tasks().Create(ctx, task); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

// materializeCategory creates the default task graph for a category.
func (s *Service) materializeCategory(ctx context.Context, st store.Store, order *domain.Order, item *domain.OrderItem, product *domain.Product, category string) error {
	now := s.now()
	create := func(taskType domain.TaskType, title string, offset time.Duration) error {
		at := now.Add(offset)
		task := &domain.FulfillmentTask{
			ID:          uuid.New(),
			OrderItemID: item.ID,
			TaskType:    taskType,
			Status:      domain.TaskPending,
			Title:       title,
			Payload:     map[string]any{"context": taskContext(order, item, product)},
			MaxRetries:  domain.DefaultMaxRetries,
			ScheduledAt: &at,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return st.Tasks().Create(ctx, task)
	}

	if category == "instagram" {
		for _, plan := range instagramPlan {
			if err := create(plan.taskType, plan.title, plan.offset); err != nil {
				return err
			}
		}
		return nil
	}
	return create(domain.TaskContentPromotion, "Content promotion", genericTaskOffset)
}

// taskContext is the context snapshot frozen into each task at creation.
// The "env" map is deliberately absent; the processor materializes it at
// execution time so rotated credentials take effect.
func taskContext(order *domain.Order, item *domain.OrderItem, product *domain.Product) map[string]any {
	ctx := map[string]any{
		"order": map[string]any{
			"id":           order.ID.String(),
			"order_number": order.OrderNumber,
			"currency":     order.Currency,
			"source":       string(order.Source),
		},
		"item": map[string]any{
			"id":            item.ID.String(),
			"product_title": item.ProductTitle,
			"quantity":      item.Quantity,
			"unit_price":    item.UnitPrice.String(),
		},
	}
	if item.SelectedOptions != nil {
		ctx["item"].(map[string]any)["selected_options"] = item.SelectedOptions
	}
	if item.PlatformContext != nil {
		ctx["platform"] = item.PlatformContext
	}
	if product != nil {
		ctx["product"] = map[string]any{
			"id":       product.ID.String(),
			"slug":     product.Slug,
			"title":    product.Title,
			"category": product.Category,
		}
	}
	return ctx
}

// UpdateTaskStatus persists a task status change and recomputes the order
// status from the item's sibling tasks.
func (s *Service) UpdateTaskStatus(ctx context.Context, st store.Store, task *domain.FulfillmentTask) error {
	task.UpdatedAt = s.now()
	if err := st.Tasks().Update(ctx, task); err != nil {
		return err
	}
	item, err := st.Orders().GetItem(ctx, task.OrderItemID)
	if err != nil {
		return err
	}
	return s.RecomputeOrderStatus(ctx, st, item.OrderID)
}

// RecomputeOrderStatus derives the order status from its tasks:
//
//	any failed                      on_hold
//	all completed                   completed
//	any in-progress or completed    active
//	otherwise                       processing
//
// Canceled orders are never touched. The derived transition goes through
// the state machine and emits the matching notifications.
func (s *Service) RecomputeOrderStatus(ctx context.Context, st store.Store, orderID uuid.UUID) error {
	order, err := st.Orders().Get(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status == domain.OrderCanceled {
		return nil
	}
	tasks, err := st.Tasks().ListByOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}

	var failed, completed, inProgress int
	for _, t := range tasks {
		switch t.Status {
		case domain.TaskFailed:
			failed++
		case domain.TaskCompleted:
			completed++
		case domain.TaskInProgress:
			inProgress++
		}
	}

	target := domain.OrderProcessing
	switch {
	case failed > 0:
		target = domain.OrderOnHold
	case completed == len(tasks):
		target = domain.OrderCompleted
	case inProgress > 0 || completed > 0:
		target = domain.OrderActive
	}

	if target == order.Status {
		return nil
	}
	if !s.machine.CanTransition(order.Status, target) {
		log.Warn(ctx, log.KV{K: "msg", V: "derived order transition not allowed"},
			log.KV{K: "order_id", V: orderID},
			log.KV{K: "from", V: order.Status},
			log.KV{K: "to", V: target})
		return nil
	}
	from := order.Status
	if err := s.machine.Transition(ctx, st, order, target, domain.ActorSystem, nil, "derived from task status"); err != nil {
		return err
	}
	if target == domain.OrderCompleted {
		s.dispatcher.Send(ctx, st, order.UserID, notify.KindFulfillmentCompletion,
			notify.RenderFulfillmentCompletion(order))
	}
	s.dispatcher.Send(ctx, st, order.UserID, notify.KindOrderStatusUpdate,
		notify.RenderOrderStatusUpdate(order, from, target))
	return nil
}

// ScheduleRetry returns a failed-in-flight task to the pending queue:
// retryCount is incremented, timestamps and result are cleared, and the
// task is rescheduled delay into the future.
func (s *Service) ScheduleRetry(ctx context.Context, st store.Store, task *domain.FulfillmentTask, delay time.Duration, errorMessage string) error {
	now := s.now()
	at := now.Add(delay)
	task.Status = domain.TaskPending
	task.RetryCount++
	task.StartedAt = nil
	task.CompletedAt = nil
	task.Result = nil
	task.ErrorMessage = errorMessage
	task.ScheduledAt = &at
	task.UpdatedAt = now
	if err := st.Tasks().Update(ctx, task); err != nil {
		return err
	}

	item, err := st.Orders().GetItem(ctx, task.OrderItemID)
	if err != nil {
		return err
	}
	order, err := st.Orders().Get(ctx, item.OrderID)
	if err != nil {
		return err
	}
	s.dispatcher.Send(ctx, st, order.UserID, notify.KindFulfillmentRetry,
		notify.RenderFulfillmentRetry(order, task))
	return nil
}
