package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle status of an order. Transitions are governed
// by the order state machine; see fulfillment.StateMachine.
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderProcessing OrderStatus = "processing"
	OrderActive     OrderStatus = "active"
	OrderCompleted  OrderStatus = "completed"
	OrderOnHold     OrderStatus = "on_hold"
	OrderCanceled   OrderStatus = "canceled"
)

// Valid reports whether s is a known order status.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderProcessing, OrderActive, OrderCompleted, OrderOnHold, OrderCanceled:
		return true
	}
	return false
}

// OrderSource identifies how an order entered the system.
type OrderSource string

const (
	SourceCheckout OrderSource = "checkout"
	SourceManual   OrderSource = "manual"
)

// Valid reports whether s is a known order source.
func (s OrderSource) Valid() bool {
	return s == SourceCheckout || s == SourceManual
}

// SupportedCurrencies lists the ISO currency codes orders may use.
var SupportedCurrencies = map[string]bool{
	"USD": true,
	"EUR": true,
	"GBP": true,
}

// Order is a paid (or payable) customer order. Orders exclusively own their
// items; items exclusively own tasks and provider-orders.
type Order struct {
	ID          uuid.UUID       `json:"id" db:"id"`
	OrderNumber string          `json:"order_number" db:"order_number"`
	UserID      *uuid.UUID      `json:"user_id,omitempty" db:"user_id"`
	Status      OrderStatus     `json:"status" db:"status"`
	Source      OrderSource     `json:"source" db:"source"`
	Currency    string          `json:"currency" db:"currency"`
	Subtotal    decimal.Decimal `json:"subtotal" db:"subtotal"`
	Tax         decimal.Decimal `json:"tax" db:"tax"`
	Total       decimal.Decimal `json:"total" db:"total"`
	Notes       string          `json:"notes,omitempty" db:"notes"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`

	Items []*OrderItem `json:"items,omitempty" db:"-"`
}

// FormatOrderNumber renders the canonical order number for a sequence value:
// "SM" followed by the zero-padded six digit sequence.
func FormatOrderNumber(seq int64) string {
	return fmt.Sprintf("SM%06d", seq)
}

// OrderItem is one line of an order, snapshotting the product title and
// pricing at purchase time.
type OrderItem struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	OrderID         uuid.UUID       `json:"order_id" db:"order_id"`
	ProductID       *uuid.UUID      `json:"product_id,omitempty" db:"product_id"`
	ProductTitle    string          `json:"product_title" db:"product_title"`
	Quantity        int             `json:"quantity" db:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price" db:"unit_price"`
	TotalPrice      decimal.Decimal `json:"total_price" db:"total_price"`
	SelectedOptions map[string]any  `json:"selected_options,omitempty" db:"-"`
	Attributes      map[string]any  `json:"attributes,omitempty" db:"-"`
	PlatformContext map[string]any  `json:"platform_context,omitempty" db:"-"`
}

// AddOns decodes the addOns array carried in SelectedOptions. Entries that
// are not objects are skipped.
func (it *OrderItem) AddOns() []AddOn {
	if it.SelectedOptions == nil {
		return nil
	}
	raw, ok := it.SelectedOptions["addOns"].([]any)
	if !ok {
		return nil
	}
	addOns := make([]AddOn, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		addOns = append(addOns, AddOnFromMap(m))
	}
	return addOns
}

// AddOn is a service add-on attached to an order item. Add-ons with
// PricingMode "serviceOverride" drive provider-order creation.
type AddOn struct {
	PricingMode       string          `json:"pricingMode"`
	ServiceID         string          `json:"serviceId"`
	PriceDelta        decimal.Decimal `json:"priceDelta"`
	ServiceProviderID string          `json:"serviceProviderId,omitempty"`
	ProviderCost      decimal.Decimal `json:"providerCostAmount"`
	ServiceRules      []ServiceRule   `json:"serviceRules,omitempty"`
	PayloadTemplate   map[string]any  `json:"payloadTemplate,omitempty"`
	PreviewQuantity   int             `json:"previewQuantity,omitempty"`
}

// PricingModeServiceOverride marks add-ons that route through an external
// fulfillment provider.
const PricingModeServiceOverride = "serviceOverride"

// AddOnFromMap decodes an add-on from its JSON object form.
func AddOnFromMap(m map[string]any) AddOn {
	a := AddOn{
		PricingMode:       stringAt(m, "pricingMode"),
		ServiceID:         stringAt(m, "serviceId"),
		ServiceProviderID: stringAt(m, "serviceProviderId"),
		PriceDelta:        decimalAt(m, "priceDelta"),
		ProviderCost:      decimalAt(m, "providerCostAmount"),
	}
	if pq, ok := m["previewQuantity"].(float64); ok {
		a.PreviewQuantity = int(pq)
	}
	if pt, ok := m["payloadTemplate"].(map[string]any); ok {
		a.PayloadTemplate = pt
	}
	if rules, ok := m["serviceRules"].([]any); ok {
		for _, r := range rules {
			if rm, ok := r.(map[string]any); ok {
				a.ServiceRules = append(a.ServiceRules, ServiceRuleFromMap(rm))
			}
		}
	}
	return a
}

func stringAt(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func decimalAt(m map[string]any, key string) decimal.Decimal {
	switch v := m[key].(type) {
	case float64:
		return decimal.NewFromFloat(v)
	case string:
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	case int:
		return decimal.NewFromInt(int64(v))
	}
	return decimal.Zero
}
