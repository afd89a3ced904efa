package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ProductStatus is the catalog visibility of a product.
type ProductStatus string

const (
	ProductActive   ProductStatus = "active"
	ProductDraft    ProductStatus = "draft"
	ProductArchived ProductStatus = "archived"
)

// Product is a catalog entry. Its optional FulfillmentConfig describes a
// configured task graph that replaces the category defaults at kickoff.
type Product struct {
	ID                uuid.UUID          `json:"id" db:"id"`
	Slug              string             `json:"slug" db:"slug"`
	Title             string             `json:"title" db:"title"`
	Category          string             `json:"category" db:"category"`
	BasePrice         decimal.Decimal    `json:"base_price" db:"base_price"`
	Currency          string             `json:"currency" db:"currency"`
	Status            ProductStatus      `json:"status" db:"status"`
	FulfillmentConfig *FulfillmentConfig `json:"fulfillment_config,omitempty" db:"-"`
	CreatedAt         time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at" db:"updated_at"`
}

// FulfillmentConfig is the product-level task graph configuration.
type FulfillmentConfig struct {
	Tasks []ConfiguredTask `json:"tasks"`
}

// ConfiguredTask describes one task to materialize at kickoff. Exactly one
// of the schedule fields applies: an explicit ScheduledAt wins over the
// relative offsets, which are summed when several are present.
type ConfiguredTask struct {
	Type                  string         `json:"type"`
	Title                 string         `json:"title,omitempty"`
	Description           string         `json:"description,omitempty"`
	Execution             map[string]any `json:"execution,omitempty"`
	Payload               map[string]any `json:"payload,omitempty"`
	ScheduleOffsetSeconds int            `json:"schedule_offset_seconds,omitempty"`
	ScheduleOffsetMinutes int            `json:"schedule_offset_minutes,omitempty"`
	ScheduleOffsetHours   int            `json:"schedule_offset_hours,omitempty"`
	ScheduledAt           string         `json:"scheduled_at,omitempty"`
	MaxRetries            *int           `json:"max_retries,omitempty"`
}

// Offset returns the relative schedule offset encoded by the entry.
func (c ConfiguredTask) Offset() time.Duration {
	return time.Duration(c.ScheduleOffsetSeconds)*time.Second +
		time.Duration(c.ScheduleOffsetMinutes)*time.Minute +
		time.Duration(c.ScheduleOffsetHours)*time.Hour
}
