// Package notify implements the preference-gated notification dispatcher.
// Backends are pluggable; production wires real email/SMS/push transports
// while tests and local development use the in-memory doubles in this
// package. Every outbound notification consults the recipient's stored
// NotificationPreference and is dropped silently when the gating flag is
// off.
package notify

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/socialboost/fulfillment/domain"
	"github.com/socialboost/fulfillment/store"
)

// Kind names a notification event kind. Each kind is gated by exactly one
// preference flag.
type Kind string

const (
	KindOrderStatusUpdate     Kind = "order_status_update"
	KindPaymentSuccess        Kind = "payment_success"
	KindFulfillmentRetry      Kind = "fulfillment_retry"
	KindFulfillmentCompletion Kind = "fulfillment_completion"
	KindAutomationAlert       Kind = "automation_alert"
	KindWeeklyDigest          Kind = "weekly_digest"
	KindInvoiceOverdue        Kind = "invoice_overdue"
)

// Message is a rendered notification body.
type Message struct {
	Subject  string
	TextBody string
	HTMLBody string
}

// EmailBackend delivers email notifications.
type EmailBackend interface {
	SendEmail(ctx context.Context, userID uuid.UUID, msg Message) error
}

// SMSBackend delivers SMS notifications.
type SMSBackend interface {
	SendSMS(ctx context.Context, userID uuid.UUID, body string) error
}

// PushBackend delivers push notifications.
type PushBackend interface {
	SendPush(ctx context.Context, userID uuid.UUID, title, body string) error
}

// Dispatcher routes rendered notifications through the configured backends
// after checking the recipient's preferences. Nil backends are skipped.
type Dispatcher struct {
	email EmailBackend
	sms   SMSBackend
	push  PushBackend
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithEmail sets the email backend.
func WithEmail(b EmailBackend) DispatcherOption {
	return func(d *Dispatcher) { d.email = b }
}

// WithSMS sets the SMS backend.
func WithSMS(b SMSBackend) DispatcherOption {
	return func(d *Dispatcher) { d.sms = b }
}

// WithPush sets the push backend.
func WithPush(b PushBackend) DispatcherOption {
	return func(d *Dispatcher) { d.push = b }
}

// NewDispatcher returns a dispatcher with the given backends.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// gate returns the preference flag gating a kind.
func gate(pref domain.NotificationPreference, kind Kind) bool {
	switch kind {
	case KindOrderStatusUpdate:
		return pref.OrderUpdates
	case KindPaymentSuccess:
		return pref.PaymentUpdates
	case KindFulfillmentRetry, KindFulfillmentCompletion, KindAutomationAlert:
		return pref.FulfillmentAlerts
	case KindWeeklyDigest:
		return pref.MarketingMessages
	case KindInvoiceOverdue:
		return pref.BillingAlerts
	}
	return false
}

// Send delivers a rendered message of the given kind to userID, subject to
// the stored preferences. A nil userID (guest order) is a silent no-op.
// Backend failures are logged and swallowed; notification delivery never
// aborts the caller.
func (d *Dispatcher) Send(ctx context.Context, st store.Store, userID *uuid.UUID, kind Kind, msg Message) {
	if userID == nil {
		return
	}
	pref, err := st.Preferences().Get(ctx, *userID)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "preference lookup failed"},
			log.KV{K: "user_id", V: *userID})
		return
	}
	if !gate(pref, kind) {
		return
	}
	if d.email != nil {
		if err := d.email.SendEmail(ctx, *userID, msg); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "email delivery failed"},
				log.KV{K: "kind", V: kind})
		}
	}
	if d.sms != nil && msg.TextBody != "" {
		if err := d.sms.SendSMS(ctx, *userID, msg.TextBody); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "sms delivery failed"},
				log.KV{K: "kind", V: kind})
		}
	}
	if d.push != nil {
		if err := d.push.SendPush(ctx, *userID, msg.Subject, msg.TextBody); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "push delivery failed"},
				log.KV{K: "kind", V: kind})
		}
	}
}

// Delivery is one message captured by an in-memory backend.
type Delivery struct {
	UserID  uuid.UUID
	Message Message
}

// MemoryEmail is the in-memory EmailBackend double.
type MemoryEmail struct {
	mu   sync.Mutex
	sent []Delivery
}

// NewMemoryEmail returns an empty in-memory email backend.
func NewMemoryEmail() *MemoryEmail { return &MemoryEmail{} }

// SendEmail appends the message to the sent list.
func (m *MemoryEmail) SendEmail(_ context.Context, userID uuid.UUID, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, Delivery{UserID: userID, Message: msg})
	return nil
}

// Sent returns a copy of the captured deliveries.
func (m *MemoryEmail) Sent() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Delivery(nil), m.sent...)
}

// MemorySMS is the in-memory SMSBackend double.
type MemorySMS struct {
	mu   sync.Mutex
	sent []Delivery
}

// NewMemorySMS returns an empty in-memory SMS backend.
func NewMemorySMS() *MemorySMS { return &MemorySMS{} }

// SendSMS appends the message to the sent list.
func (m *MemorySMS) SendSMS(_ context.Context, userID uuid.UUID, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, Delivery{UserID: userID, Message: Message{TextBody: body}})
	return nil
}

// Sent returns a copy of the captured deliveries.
func (m *MemorySMS) Sent() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Delivery(nil), m.sent...)
}

// MemoryPush is the in-memory PushBackend double.
type MemoryPush struct {
	mu   sync.Mutex
	sent []Delivery
}

// NewMemoryPush returns an empty in-memory push backend.
func NewMemoryPush() *MemoryPush { return &MemoryPush{} }

// SendPush appends the message to the sent list.
func (m *MemoryPush) SendPush(_ context.Context, userID uuid.UUID, title, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, Delivery{UserID: userID, Message: Message{Subject: title, TextBody: body}})
	return nil
}

// Sent returns a copy of the captured deliveries.
func (m *MemoryPush) Sent() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Delivery(nil), m.sent...)
}
