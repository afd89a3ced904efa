package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/socialboost/fulfillment/domain"
	"github.com/socialboost/fulfillment/store"
)

// createOrderRequest is the POST /orders body.
type createOrderRequest struct {
	UserID   *uuid.UUID               `json:"user_id,omitempty"`
	Source   domain.OrderSource       `json:"source"`
	Currency string                   `json:"currency"`
	Tax      decimal.Decimal          `json:"tax"`
	Notes    string                   `json:"notes,omitempty"`
	Items    []createOrderItemRequest `json:"items"`
}

type createOrderItemRequest struct {
	ProductID       *uuid.UUID      `json:"product_id,omitempty"`
	ProductTitle    string          `json:"product_title,omitempty"`
	Quantity        int             `json:"quantity"`
	UnitPrice       *decimal.Decimal `json:"unit_price,omitempty"`
	SelectedOptions map[string]any  `json:"selected_options,omitempty"`
	Attributes      map[string]any  `json:"attributes,omitempty"`
	PlatformContext map[string]any  `json:"platform_context,omitempty"`
}

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	order, err := s.buildOrder(r, &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.store.Atomically(r.Context(), func(tx store.Store) error {
		return tx.Orders().Create(r.Context(), order)
	}); err != nil {
		writeError(w, r, err)
		return
	}
	respond(w, http.StatusCreated, order)
}

// buildOrder validates the request and assembles the order aggregate.
// Product references are resolved so titles and prices snapshot the catalog
// at purchase time.
func (s *Server) buildOrder(r *http.Request, req *createOrderRequest) (*domain.Order, error) {
	if !req.Source.Valid() {
		return nil, domain.Validationf("unknown order source %q", req.Source)
	}
	if !domain.SupportedCurrencies[req.Currency] {
		return nil, domain.Validationf("unsupported currency %q", req.Currency)
	}
	if len(req.Items) == 0 {
		return nil, domain.Validationf("order needs at least one item")
	}

	now := s.now()
	order := &domain.Order{
		ID:        uuid.New(),
		UserID:    req.UserID,
		Status:    domain.OrderPending,
		Source:    req.Source,
		Currency:  req.Currency,
		Tax:       req.Tax,
		Notes:     req.Notes,
		CreatedAt: now,
		UpdatedAt: now,
	}

	subtotal := decimal.Zero
	for i, it := range req.Items {
		if it.Quantity < 1 {
			return nil, domain.Validationf("item %d: quantity must be at least 1", i)
		}
		item := &domain.OrderItem{
			ID:              uuid.New(),
			OrderID:         order.ID,
			ProductID:       it.ProductID,
			ProductTitle:    it.ProductTitle,
			Quantity:        it.Quantity,
			SelectedOptions: it.SelectedOptions,
			Attributes:      it.Attributes,
			PlatformContext: it.PlatformContext,
		}
		if it.UnitPrice != nil {
			item.UnitPrice = *it.UnitPrice
		}
		if it.ProductID != nil {
			product, err := s.store.Products().Get(r.Context(), *it.ProductID)
			if err != nil {
				return nil, err
			}
			if item.ProductTitle == "" {
				item.ProductTitle = product.Title
			}
			if it.UnitPrice == nil {
				item.UnitPrice = product.BasePrice
			}
		}
		if item.ProductTitle == "" {
			return nil, domain.Validationf("item %d: product_title required without product_id", i)
		}
		item.TotalPrice = item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
		subtotal = subtotal.Add(item.TotalPrice)
		order.Items = append(order.Items, item)
	}
	order.Subtotal = subtotal
	order.Total = subtotal.Add(order.Tax)
	return order, nil
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, domain.Validationf("invalid order id"))
		return
	}
	order, err := s.store.Orders().Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, order)
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	skip := intQuery(r, "skip", 0)
	limit := intQuery(r, "limit", 50)

	var status *domain.OrderStatus
	if raw := r.URL.Query().Get("status_filter"); raw != "" {
		st := domain.OrderStatus(raw)
		if !st.Valid() {
			writeError(w, r, domain.Validationf("unknown status filter %q", raw))
			return
		}
		status = &st
	}

	orders, err := s.store.Orders().List(r.Context(), skip, limit, status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, orders)
}

func (s *Server) listUserOrders(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, domain.Validationf("invalid user id"))
		return
	}
	orders, err := s.store.Orders().ListByUser(r.Context(), userID, intQuery(r, "skip", 0), intQuery(r, "limit", 50))
	if err != nil {
		writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, orders)
}

// updateStatusRequest is the PATCH /orders/{id}/status body.
type updateStatusRequest struct {
	Status domain.OrderStatus `json:"status"`
	Notes  string             `json:"notes,omitempty"`
}

func (s *Server) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, domain.Validationf("invalid order id"))
		return
	}
	var req updateStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if !req.Status.Valid() {
		writeError(w, r, domain.Validationf("unknown status %q", req.Status))
		return
	}

	var order *domain.Order
	err = s.store.Atomically(r.Context(), func(tx store.Store) error {
		var err error
		order, err = tx.Orders().Get(r.Context(), id)
		if err != nil {
			return err
		}
		return s.machine.Transition(r.Context(), tx, order, req.Status, domain.ActorAdmin, nil, req.Notes)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, order)
}

// orderProgress is the fulfillment rollup across all of an order's tasks.
type orderProgress struct {
	TotalTasks         int                `json:"total_tasks"`
	CompletedTasks     int                `json:"completed_tasks"`
	FailedTasks        int                `json:"failed_tasks"`
	InProgressTasks    int                `json:"in_progress_tasks"`
	ProgressPercentage float64            `json:"progress_percentage"`
	ItemsCount         int                `json:"items_count"`
	OrderStatus        domain.OrderStatus `json:"order_status"`
}

func (s *Server) orderProgress(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, domain.Validationf("invalid order id"))
		return
	}
	order, err := s.store.Orders().Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	tasks, err := s.store.Tasks().ListByOrder(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	progress := orderProgress{
		TotalTasks:  len(tasks),
		ItemsCount:  len(order.Items),
		OrderStatus: order.Status,
	}
	for _, task := range tasks {
		switch task.Status {
		case domain.TaskCompleted:
			progress.CompletedTasks++
		case domain.TaskFailed:
			progress.FailedTasks++
		case domain.TaskInProgress:
			progress.InProgressTasks++
		}
	}
	if progress.TotalTasks > 0 {
		progress.ProgressPercentage = float64(progress.CompletedTasks) / float64(progress.TotalTasks) * 100
	}
	respond(w, http.StatusOK, progress)
}

func (s *Server) orderStateEvents(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, domain.Validationf("invalid order id"))
		return
	}
	if _, err := s.store.Orders().Get(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	events, err := s.store.Events().ListByOrder(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, events)
}

func intQuery(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
