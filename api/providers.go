package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/socialboost/fulfillment/domain"
	"github.com/socialboost/fulfillment/provider"
)

func (s *Server) automationSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.automation.Snapshot(r.Context(), s.store)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, snap)
}

// replayRequest is the replay endpoint body. RunAt is RFC 3339.
type replayRequest struct {
	Amount       *decimal.Decimal `json:"amount,omitempty"`
	RunAt        *string          `json:"runAt,omitempty"`
	ScheduleOnly bool             `json:"scheduleOnly"`
}

func (s *Server) replayProviderOrder(w http.ResponseWriter, r *http.Request) {
	providerID, err := uuid.Parse(chi.URLParam(r, "providerID"))
	if err != nil {
		writeError(w, r, domain.Validationf("invalid provider id"))
		return
	}
	poID, err := uuid.Parse(chi.URLParam(r, "providerOrderID"))
	if err != nil {
		writeError(w, r, domain.Validationf("invalid provider order id"))
		return
	}

	var req replayRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	replayReq := provider.ReplayRequest{Amount: req.Amount, ScheduleOnly: req.ScheduleOnly}
	if req.RunAt != nil {
		runAt, err := time.Parse(time.RFC3339, *req.RunAt)
		if err != nil {
			writeError(w, r, domain.Validationf("invalid runAt: %v", err))
			return
		}
		replayReq.RunAt = &runAt
	}

	po, err := s.store.ProviderOrders().Get(r.Context(), poID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if po.ProviderID != providerID {
		writeError(w, r, domain.NotFoundf("provider order %s does not belong to provider %s", poID, providerID))
		return
	}

	outcome, err := s.automation.Replay(r.Context(), s.store, poID, replayReq)
	if err != nil {
		writeError(w, r, err)
		return
	}
	respond(w, http.StatusOK, outcome)
}
