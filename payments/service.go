package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"goa.design/clue/log"

	"github.com/socialboost/fulfillment/domain"
	"github.com/socialboost/fulfillment/fulfillment"
	"github.com/socialboost/fulfillment/notify"
	"github.com/socialboost/fulfillment/obs"
	"github.com/socialboost/fulfillment/store"
)

// ProviderName tags webhook and payment rows from the default gateway.
const ProviderName = "stripe"

// errDuplicate aborts the ingestion transaction when the event was already
// consumed; the caller maps it to a successful response.
var errDuplicate = errors.New("webhook event already consumed")

// Service owns checkout session creation and webhook ingestion.
type Service struct {
	gateway     Gateway
	fulfillment *fulfillment.Service
	dispatcher  *notify.Dispatcher
	metrics     *obs.Store
	machine     *fulfillment.StateMachine
	secret      string
	frontendURL string
	now         func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService returns the payment service. secret is the webhook signing
// secret; frontendURL is the base for checkout redirect URLs.
func NewService(gateway Gateway, ff *fulfillment.Service, dispatcher *notify.Dispatcher, metrics *obs.Store, secret, frontendURL string, opts ...Option) *Service {
	s := &Service{
		gateway:     gateway,
		fulfillment: ff,
		dispatcher:  dispatcher,
		metrics:     metrics,
		secret:      secret,
		frontendURL: frontendURL,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.machine = fulfillment.NewStateMachine(s.now)
	return s
}

// CreateCheckoutSession creates a hosted checkout session for a pending
// order and records the pending payment row keyed by the gateway intent id.
func (s *Service) CreateCheckoutSession(ctx context.Context, st store.Store, orderID uuid.UUID) (*Session, error) {
	order, err := st.Orders().Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.OrderPending {
		return nil, domain.Validationf("order %s is not payable (status %s)", orderID, order.Status)
	}

	session, err := s.gateway.CreateSession(ctx, SessionRequest{
		OrderID:    orderID,
		Amount:     order.Total,
		Currency:   order.Currency,
		SuccessURL: s.frontendURL + "/checkout/success?order=" + order.OrderNumber,
		CancelURL:  s.frontendURL + "/checkout/cancel?order=" + order.OrderNumber,
	})
	if err != nil {
		return nil, domain.Transientf(err, "checkout session creation")
	}

	now := s.now()
	payment := &domain.Payment{
		ID:                uuid.New(),
		OrderID:           orderID,
		Provider:          ProviderName,
		ProviderReference: session.PaymentIntentID,
		Status:            domain.PaymentPending,
		Amount:            order.Total,
		Currency:          order.Currency,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := st.Payments().Create(ctx, payment); err != nil {
		return nil, err
	}
	log.Info(ctx, log.KV{K: "msg", V: "checkout session created"},
		log.KV{K: "order_id", V: orderID},
		log.KV{K: "session_id", V: session.ID})
	return session, nil
}

// webhookEvent is the parsed shape of a gateway webhook body.
type webhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID            string            `json:"id"`
			Amount        int64             `json:"amount"`
			Currency      string            `json:"currency"`
			FailureReason string            `json:"last_payment_error,omitempty"`
			Metadata      map[string]string `json:"metadata,omitempty"`
		} `json:"object"`
	} `json:"data"`
}

// IngestWebhook verifies, deduplicates and dispatches one webhook delivery.
// The dedup rows and every business side effect commit in one transaction;
// duplicate deliveries return nil without side effects. KindAuth and
// KindValidation map to 400 at the HTTP surface, everything else to 500 so
// the gateway retries.
func (s *Service) IngestWebhook(ctx context.Context, st store.Store, body []byte, sigHeader string) error {
	if err := VerifySignature(s.secret, body, sigHeader, s.now()); err != nil {
		s.metrics.Inc(obs.WebhookBadSig, 1)
		return err
	}

	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return domain.Validationf("malformed webhook body: %v", err)
	}
	if event.ID == "" || event.Type == "" {
		return domain.Validationf("webhook event missing id or type")
	}

	hash := sha256.Sum256(body)
	err := st.Atomically(ctx, func(tx store.Store) error {
		if err := tx.Webhooks().Insert(ctx, &domain.WebhookEvent{
			ID:         uuid.New(),
			Provider:   ProviderName,
			ExternalID: event.ID,
			EventType:  event.Type,
			ReceivedAt: s.now(),
		}); err != nil {
			if domain.IsKind(err, domain.KindConflict) {
				return errDuplicate
			}
			return err
		}
		if err := tx.ProcessorEvents().Insert(ctx, &domain.ProcessorEvent{
			ID:          uuid.New(),
			Provider:    ProviderName,
			ExternalID:  event.ID,
			PayloadHash: hex.EncodeToString(hash[:]),
			Payload:     body,
			ReceivedAt:  s.now(),
		}); err != nil {
			if domain.IsKind(err, domain.KindConflict) {
				return errDuplicate
			}
			return err
		}
		return s.dispatch(ctx, tx, &event)
	})
	if errors.Is(err, errDuplicate) {
		log.Info(ctx, log.KV{K: "msg", V: "duplicate webhook ignored"},
			log.KV{K: "event_id", V: event.ID})
		return nil
	}
	return err
}

// dispatch routes one verified, fresh event by type. Unrecognized types
// are consumed successfully.
func (s *Service) dispatch(ctx context.Context, st store.Store, event *webhookEvent) error {
	switch event.Type {
	case "payment_intent.succeeded":
		return s.handlePaymentSucceeded(ctx, st, event)
	case "payment_intent.payment_failed":
		return s.handlePaymentFailed(ctx, st, event)
	case "checkout.session.completed":
		log.Info(ctx, log.KV{K: "msg", V: "checkout session completed"},
			log.KV{K: "session_id", V: event.Data.Object.ID})
		return nil
	default:
		log.Debug(ctx, log.KV{K: "msg", V: "ignoring webhook event type"},
			log.KV{K: "event_type", V: event.Type})
		return nil
	}
}

func (s *Service) handlePaymentSucceeded(ctx context.Context, st store.Store, event *webhookEvent) error {
	payment, err := s.resolvePayment(ctx, st, event)
	if err != nil {
		return err
	}
	if payment.Status == domain.PaymentSucceeded {
		return nil
	}

	now := s.now()
	payment.Status = domain.PaymentSucceeded
	payment.CapturedAt = &now
	payment.UpdatedAt = now
	if err := st.Payments().Update(ctx, payment); err != nil {
		return err
	}

	order, err := st.Orders().Get(ctx, payment.OrderID)
	if err != nil {
		return err
	}
	s.dispatcher.Send(ctx, st, order.UserID, notify.KindPaymentSuccess,
		notify.RenderPaymentSuccess(order, payment))

	if _, err := s.fulfillment.ProcessOrderFulfillment(ctx, st, payment.OrderID); err != nil {
		return err
	}
	return nil
}

func (s *Service) handlePaymentFailed(ctx context.Context, st store.Store, event *webhookEvent) error {
	payment, err := s.resolvePayment(ctx, st, event)
	if err != nil {
		return err
	}
	now := s.now()
	payment.Status = domain.PaymentFailed
	payment.FailureReason = event.Data.Object.FailureReason
	payment.UpdatedAt = now
	if err := st.Payments().Update(ctx, payment); err != nil {
		return err
	}

	order, err := st.Orders().Get(ctx, payment.OrderID)
	if err != nil {
		return err
	}
	if order.Status == domain.OrderCanceled || order.Status == domain.OrderCompleted {
		return nil
	}

	from := order.Status
	if s.machine.CanTransition(order.Status, domain.OrderOnHold) {
		if err := s.machine.Transition(ctx, st, order, domain.OrderOnHold, domain.ActorSystem, nil, "payment failed"); err != nil {
			return err
		}
		s.dispatcher.Send(ctx, st, order.UserID, notify.KindOrderStatusUpdate,
			notify.RenderOrderStatusUpdate(order, from, domain.OrderOnHold))
	}
	s.machine.RecordEvent(ctx, st, &domain.OrderStateEvent{
		OrderID:   order.ID,
		EventType: domain.EventNote,
		ActorType: domain.ActorSystem,
		Notes:     "payment failed: " + payment.FailureReason,
	})
	return nil
}

// resolvePayment finds the payment row for an event, falling back to the
// metadata order id when the intent was created outside CreateCheckoutSession.
func (s *Service) resolvePayment(ctx context.Context, st store.Store, event *webhookEvent) (*domain.Payment, error) {
	payment, err := st.Payments().GetByReference(ctx, event.Data.Object.ID)
	if err == nil {
		return payment, nil
	}
	if !domain.IsKind(err, domain.KindNotFound) {
		return nil, err
	}

	orderIDRaw := event.Data.Object.Metadata["order_id"]
	if orderIDRaw == "" {
		return nil, domain.Validationf("payment intent %s has no payment row and no order metadata", event.Data.Object.ID)
	}
	orderID, err := uuid.Parse(orderIDRaw)
	if err != nil {
		return nil, domain.Validationf("invalid order id in webhook metadata: %v", err)
	}
	now := s.now()
	payment = &domain.Payment{
		ID:                uuid.New(),
		OrderID:           orderID,
		Provider:          ProviderName,
		ProviderReference: event.Data.Object.ID,
		Status:            domain.PaymentPending,
		Amount:            decimal.New(event.Data.Object.Amount, -2),
		Currency:          event.Data.Object.Currency,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := st.Payments().Create(ctx, payment); err != nil {
		return nil, err
	}
	return payment, nil
}

// ReplayProcessorEvent re-drives a stored webhook payload through dispatch.
// The dedup ledger is untouched; handlers are idempotent so re-running a
// succeeded payment is a no-op. Replay bookkeeping is recorded on the
// processor-event row either way.
func (s *Service) ReplayProcessorEvent(ctx context.Context, st store.Store, externalID string) error {
	stored, err := st.ProcessorEvents().Get(ctx, ProviderName, externalID)
	if err != nil {
		return err
	}

	var event webhookEvent
	if err := json.Unmarshal(stored.Payload, &event); err != nil {
		return domain.Validationf("stored payload for %s is not decodable: %v", externalID, err)
	}

	dispatchErr := st.Atomically(ctx, func(tx store.Store) error {
		return s.dispatch(ctx, tx, &event)
	})

	stored.ReplayRequested = true
	stored.ReplayAttempts++
	if dispatchErr != nil {
		stored.LastReplayError = dispatchErr.Error()
	} else {
		stored.LastReplayError = ""
	}
	if err := st.ProcessorEvents().Update(ctx, stored); err != nil {
		return err
	}
	if dispatchErr != nil {
		return dispatchErr
	}
	log.Info(ctx, log.KV{K: "msg", V: "webhook event replayed"},
		log.KV{K: "event_id", V: externalID},
		log.KV{K: "attempts", V: stored.ReplayAttempts})
	return nil
}
