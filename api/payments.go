package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/socialboost/fulfillment/domain"
)

// maxWebhookBody bounds webhook request bodies.
const maxWebhookBody = 1 << 20

// checkoutRequest is the POST /payments/checkout body.
type checkoutRequest struct {
	OrderID uuid.UUID `json:"order_id"`
}

func (s *Server) createCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.OrderID == uuid.Nil {
		writeError(w, r, domain.Validationf("order_id required"))
		return
	}
	session, err := s.payments.CreateCheckoutSession(r.Context(), s.store, req.OrderID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respond(w, http.StatusCreated, session)
}

// ingestWebhook consumes one signed gateway delivery. KindAuth and
// KindValidation answer 400 so the gateway stops retrying; every other
// failure answers 500 so it retries.
func (s *Server) ingestWebhook(w http.ResponseWriter, r *http.Request) {
	sig := r.Header.Get("stripe-signature")
	if sig == "" {
		respond(w, http.StatusBadRequest, errorDetail{Detail: "missing stripe-signature header"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respond(w, http.StatusBadRequest, errorDetail{Detail: "unreadable body"})
		return
	}

	if err := s.payments.IngestWebhook(r.Context(), s.store, body, sig); err != nil {
		switch domain.KindOf(err) {
		case domain.KindAuth, domain.KindValidation:
			respond(w, http.StatusBadRequest, errorDetail{Detail: err.Error()})
		default:
			respond(w, http.StatusInternalServerError, errorDetail{Detail: err.Error()})
		}
		return
	}
	respond(w, http.StatusOK, map[string]bool{"received": true})
}

// replayWebhookEvent re-drives a stored webhook payload through dispatch.
func (s *Server) replayWebhookEvent(w http.ResponseWriter, r *http.Request) {
	externalID := chi.URLParam(r, "externalID")
	if externalID == "" {
		writeError(w, r, domain.Validationf("event id required"))
		return
	}
	if err := s.payments.ReplayProcessorEvent(r.Context(), s.store, externalID); err != nil {
		writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, map[string]bool{"replayed": true})
}
