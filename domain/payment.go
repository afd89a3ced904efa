package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentStatus is the lifecycle status of a payment.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
	PaymentRefunded  PaymentStatus = "refunded"
)

// Payment links an order to a payment-gateway intent. ProviderReference is
// the intent id and is unique across payments.
type Payment struct {
	ID                uuid.UUID       `json:"id" db:"id"`
	OrderID           uuid.UUID       `json:"order_id" db:"order_id"`
	Provider          string          `json:"provider" db:"provider"`
	ProviderReference string          `json:"provider_reference" db:"provider_reference"`
	Status            PaymentStatus   `json:"status" db:"status"`
	Amount            decimal.Decimal `json:"amount" db:"amount"`
	Currency          string          `json:"currency" db:"currency"`
	FailureReason     string          `json:"failure_reason,omitempty" db:"failure_reason"`
	CapturedAt        *time.Time      `json:"captured_at,omitempty" db:"captured_at"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// WebhookEvent is one row of the webhook dedup ledger. Uniqueness on
// (Provider, ExternalID) makes ingestion idempotent: the insert fails with
// a conflict when the event was already consumed. Rows are immutable.
type WebhookEvent struct {
	ID         uuid.UUID `json:"id" db:"id"`
	Provider   string    `json:"provider" db:"provider"`
	ExternalID string    `json:"external_id" db:"external_id"`
	EventType  string    `json:"event_type" db:"event_type"`
	ReceivedAt time.Time `json:"received_at" db:"received_at"`
}

// ProcessorEvent extends the dedup ledger with the stored payload and
// replay bookkeeping, unique on both (Provider, ExternalID) and
// (Provider, PayloadHash).
type ProcessorEvent struct {
	ID              uuid.UUID `json:"id" db:"id"`
	Provider        string    `json:"provider" db:"provider"`
	ExternalID      string    `json:"external_id" db:"external_id"`
	PayloadHash     string    `json:"payload_hash" db:"payload_hash"`
	Payload         []byte    `json:"payload,omitempty" db:"payload"`
	ReplayRequested bool      `json:"replay_requested" db:"replay_requested"`
	ReplayAttempts  int       `json:"replay_attempts" db:"replay_attempts"`
	LastReplayError string    `json:"last_replay_error,omitempty" db:"last_replay_error"`
	ReceivedAt      time.Time `json:"received_at" db:"received_at"`
}

// NotificationPreference holds the per-user delivery gates consulted before
// any outbound notification.
type NotificationPreference struct {
	UserID            uuid.UUID `json:"user_id" db:"user_id"`
	OrderUpdates      bool      `json:"order_updates" db:"order_updates"`
	PaymentUpdates    bool      `json:"payment_updates" db:"payment_updates"`
	FulfillmentAlerts bool      `json:"fulfillment_alerts" db:"fulfillment_alerts"`
	MarketingMessages bool      `json:"marketing_messages" db:"marketing_messages"`
	BillingAlerts     bool      `json:"billing_alerts" db:"billing_alerts"`
}

// DefaultPreferences returns the opt-in defaults applied when a user has no
// stored preference row: everything on except marketing.
func DefaultPreferences(userID uuid.UUID) NotificationPreference {
	return NotificationPreference{
		UserID:            userID,
		OrderUpdates:      true,
		PaymentUpdates:    true,
		FulfillmentAlerts: true,
		MarketingMessages: false,
		BillingAlerts:     true,
	}
}
