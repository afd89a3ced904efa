package payments

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SessionRequest describes a hosted checkout session to create.
type SessionRequest struct {
	OrderID    uuid.UUID
	Amount     decimal.Decimal
	Currency   string
	SuccessURL string
	CancelURL  string
}

// Session is a created hosted checkout session. PaymentIntentID is the
// gateway reference later echoed in webhook events.
type Session struct {
	ID              string
	URL             string
	PaymentIntentID string
}

// Gateway abstracts the payment provider's session API. Production wires
// the real gateway client; tests use MemoryGateway.
type Gateway interface {
	CreateSession(ctx context.Context, req SessionRequest) (*Session, error)
}

// MemoryGateway is the in-memory Gateway double. It fabricates session and
// intent ids and records every request.
type MemoryGateway struct {
	mu       sync.Mutex
	requests []SessionRequest
	seq      int
}

// NewMemoryGateway returns an empty gateway double.
func NewMemoryGateway() *MemoryGateway { return &MemoryGateway{} }

// CreateSession fabricates a session.
func (g *MemoryGateway) CreateSession(_ context.Context, req SessionRequest) (*Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	g.requests = append(g.requests, req)
	return &Session{
		ID:              fmt.Sprintf("cs_test_%06d", g.seq),
		URL:             fmt.Sprintf("https://checkout.test/session/%06d", g.seq),
		PaymentIntentID: fmt.Sprintf("pi_test_%06d", g.seq),
	}, nil
}

// Requests returns a copy of the captured session requests.
func (g *MemoryGateway) Requests() []SessionRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]SessionRequest(nil), g.requests...)
}
