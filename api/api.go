// Package api serves the HTTP surface: order intake and inspection, payment
// checkout and webhooks, and provider automation telemetry. Routing is chi;
// handlers translate domain error kinds to HTTP statuses and always answer
// JSON.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"goa.design/clue/log"

	"github.com/socialboost/fulfillment/cron"
	"github.com/socialboost/fulfillment/domain"
	"github.com/socialboost/fulfillment/fulfillment"
	"github.com/socialboost/fulfillment/obs"
	"github.com/socialboost/fulfillment/payments"
	"github.com/socialboost/fulfillment/provider"
	"github.com/socialboost/fulfillment/store"
)

// HealthFunc reports cron scheduler health for the internal surface.
type HealthFunc func() cron.Health

// Server holds the handler dependencies.
type Server struct {
	store      store.Store
	payments   *payments.Service
	machine    *fulfillment.StateMachine
	automation *provider.Automation
	metrics    *obs.Store
	cronHealth HealthFunc
	apiKey     string
	now        func() time.Time
}

// Option customizes a Server.
type Option func(*Server)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithCronHealth exposes scheduler health on the internal surface.
func WithCronHealth(fn HealthFunc) Option {
	return func(s *Server) { s.cronHealth = fn }
}

// NewServer returns an API server.
func NewServer(st store.Store, pay *payments.Service, machine *fulfillment.StateMachine, automation *provider.Automation, metrics *obs.Store, apiKey string, opts ...Option) *Server {
	s := &Server{
		store:      st,
		payments:   pay,
		machine:    machine,
		automation: automation,
		metrics:    metrics,
		apiKey:     apiKey,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/orders", func(r chi.Router) {
		r.With(s.requireAPIKey).Post("/", s.createOrder)
		r.Get("/", s.listOrders)
		r.With(s.requireAPIKey).Get("/user/{userID}", s.listUserOrders)
		r.Get("/{id}", s.getOrder)
		r.With(s.requireAPIKey).Patch("/{id}/status", s.updateOrderStatus)
		r.Get("/{id}/progress", s.orderProgress)
		r.With(s.requireAPIKey).Get("/{id}/state-events", s.orderStateEvents)
	})

	r.Route("/payments", func(r chi.Router) {
		r.With(s.requireAPIKey).Post("/checkout", s.createCheckout)
		r.Post("/webhooks/stripe", s.ingestWebhook)
		r.With(s.requireAPIKey).Post("/webhooks/stripe/events/{externalID}/replay", s.replayWebhookEvent)
	})

	r.Route("/fulfillment/providers", func(r chi.Router) {
		r.Get("/automation/snapshot", s.automationSnapshot)
		r.With(s.requireAPIKey).Post("/{providerID}/orders/{providerOrderID}/replay", s.replayProviderOrder)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Get("/metrics", s.metricsSnapshot)
		r.Get("/cron/health", s.cronHealthHandler)
	})

	return r
}

// requireAPIKey admits requests carrying the configured X-API-Key header.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != s.apiKey {
			writeError(w, r, domain.Authf("missing or invalid API key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// respond writes v as JSON with the given status.
func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// errorDetail is the uniform error body.
type errorDetail struct {
	Detail string `json:"detail"`
}

// writeError maps a domain error kind to an HTTP status and writes the
// {detail} body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch domain.KindOf(err) {
	case domain.KindValidation:
		status = http.StatusBadRequest
	case domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindAuth:
		status = http.StatusUnauthorized
	case domain.KindConflict:
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		log.Error(r.Context(), err, log.KV{K: "msg", V: "request failed"},
			log.KV{K: "path", V: r.URL.Path})
	}
	respond(w, status, errorDetail{Detail: err.Error()})
}

// decodeJSON decodes the request body into v.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.Validationf("malformed JSON body: %v", err)
	}
	return nil
}

func (s *Server) metricsSnapshot(w http.ResponseWriter, r *http.Request) {
	respond(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) cronHealthHandler(w http.ResponseWriter, r *http.Request) {
	if s.cronHealth == nil {
		respond(w, http.StatusOK, cron.Health{})
		return
	}
	respond(w, http.StatusOK, s.cronHealth())
}
