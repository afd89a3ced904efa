package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EndpointKind names one of the automation endpoints a provider exposes.
type EndpointKind string

const (
	EndpointOrder   EndpointKind = "order"
	EndpointRefill  EndpointKind = "refill"
	EndpointBalance EndpointKind = "balance"
	EndpointCancel  EndpointKind = "cancel"
)

// Endpoint describes one templated provider API call. URL, Headers and
// Payload may contain {{ path }} interpolation tokens rendered against the
// invocation context.
type Endpoint struct {
	Method          string            `json:"method,omitempty"`
	URL             string            `json:"url"`
	Headers         map[string]string `json:"headers,omitempty"`
	Payload         any               `json:"payload,omitempty"`
	Response        *ResponseSpec     `json:"response,omitempty"`
	TimeoutSeconds  int               `json:"timeoutSeconds,omitempty"`
	SuccessStatuses []int             `json:"successStatuses,omitempty"`
	// SuccessStatusMin/Max define an inclusive range checked when
	// SuccessStatuses is empty. Both zero means the default 2xx policy.
	SuccessStatusMin int `json:"successStatusMin,omitempty"`
	SuccessStatusMax int `json:"successStatusMax,omitempty"`
}

// ResponseSpec configures response parsing for an endpoint.
type ResponseSpec struct {
	// ProviderOrderIDPath is a dotted path into the JSON response body
	// locating the provider's order identifier.
	ProviderOrderIDPath string `json:"providerOrderIdPath,omitempty"`
}

// AutomationConfig is the automation block of a provider's metadata.
type AutomationConfig struct {
	Endpoints map[EndpointKind]*Endpoint `json:"endpoints"`
}

// FulfillmentProvider is a registered external fulfillment connector.
type FulfillmentProvider struct {
	ID        uuid.UUID      `json:"id" db:"id"`
	Name      string         `json:"name" db:"name"`
	Status    string         `json:"status" db:"status"`
	Metadata  map[string]any `json:"metadata,omitempty" db:"-"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" db:"updated_at"`
}

// Automation decodes the metadata automation block. Returns nil when the
// provider has no automation configured.
func (p *FulfillmentProvider) Automation() *AutomationConfig {
	if p.Metadata == nil {
		return nil
	}
	raw, ok := p.Metadata["automation"]
	if !ok {
		return nil
	}
	buf, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var cfg AutomationConfig
	if err := json.Unmarshal(buf, &cfg); err != nil {
		return nil
	}
	return &cfg
}

// GuardrailPolicy is a margin policy on a fulfillment service. Percent
// thresholds are expressed 0-100.
type GuardrailPolicy struct {
	MinimumMarginPercent  decimal.Decimal `json:"minimumMarginPercent"`
	WarningMarginPercent  decimal.Decimal `json:"warningMarginPercent"`
	MinimumMarginAbsolute decimal.Decimal `json:"minimumMarginAbsolute"`
}

// GuardrailClass is the classification a guardrail evaluation yields.
type GuardrailClass string

const (
	GuardrailPass GuardrailClass = "pass"
	GuardrailWarn GuardrailClass = "warn"
	GuardrailFail GuardrailClass = "fail"
	GuardrailIdle GuardrailClass = "idle"
)

// FulfillmentService is a purchasable service of a provider, carrying the
// cost model, guardrails and payload templates used at provider-order
// creation time.
type FulfillmentService struct {
	ID               uuid.UUID        `json:"id" db:"id"`
	ProviderID       uuid.UUID        `json:"provider_id" db:"provider_id"`
	Name             string           `json:"name" db:"name"`
	CostModel        map[string]any   `json:"cost_model,omitempty" db:"-"`
	Guardrails       *GuardrailPolicy `json:"guardrails,omitempty" db:"-"`
	PayloadTemplates []map[string]any `json:"payload_templates,omitempty" db:"-"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at" db:"updated_at"`
}

// RuleCondition is one predicate of a service rule.
type RuleCondition struct {
	Kind   string `json:"kind"`
	Values []string `json:"values,omitempty"`
	Value  string `json:"value,omitempty"`
	Min    *int   `json:"min,omitempty"`
}

// ServiceRule is a conditional override applied at provider-order creation.
// Rules are evaluated in Priority order (ascending); the first matching
// rule contributes its overrides and later rules never clobber keys already
// overridden.
type ServiceRule struct {
	ID          string          `json:"id"`
	Label       string          `json:"label,omitempty"`
	Description string          `json:"description,omitempty"`
	Priority    int             `json:"priority"`
	Conditions  []RuleCondition `json:"conditions,omitempty"`
	Overrides   map[string]any  `json:"overrides,omitempty"`
}

// ServiceRuleFromMap decodes a service rule from its JSON object form.
func ServiceRuleFromMap(m map[string]any) ServiceRule {
	buf, err := json.Marshal(m)
	if err != nil {
		return ServiceRule{}
	}
	var r ServiceRule
	_ = json.Unmarshal(buf, &r)
	return r
}

// ReplayStatus is the lifecycle state of a replay or scheduled-replay entry.
type ReplayStatus string

const (
	ReplayScheduled ReplayStatus = "scheduled"
	ReplayExecuted  ReplayStatus = "executed"
	ReplayFailed    ReplayStatus = "failed"
)

// Refill records one refill call against a provider order.
type Refill struct {
	ID          string          `json:"id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	PerformedAt time.Time       `json:"performedAt"`
	Response    any             `json:"response,omitempty"`
}

// Replay records one executed (or failed) replay of the provider order
// endpoint. RuleIDs and RuleMetadata snapshot the service-rule decision so
// dashboards can reconstruct it.
type Replay struct {
	ID              string           `json:"id"`
	RequestedAmount decimal.Decimal  `json:"requestedAmount"`
	Currency        string           `json:"currency"`
	PerformedAt     time.Time        `json:"performedAt"`
	Status          ReplayStatus     `json:"status"`
	Response        any              `json:"response,omitempty"`
	Error           string           `json:"error,omitempty"`
	RuleIDs         []string         `json:"ruleIds,omitempty"`
	RuleMetadata    []map[string]any `json:"ruleMetadata,omitempty"`
}

// ScheduledReplay is a replay queued for future execution. Status moves
// exactly once from "scheduled" to "executed" or "failed"; the transition is
// the idempotency fence for the drain worker.
type ScheduledReplay struct {
	ID              string           `json:"id"`
	RequestedAmount decimal.Decimal  `json:"requestedAmount"`
	Currency        string           `json:"currency"`
	ScheduledFor    time.Time        `json:"scheduledFor"`
	Status          ReplayStatus     `json:"status"`
	Response        any              `json:"response,omitempty"`
	Error           string           `json:"error,omitempty"`
	ExecutedAt      *time.Time       `json:"executedAt,omitempty"`
	RuleIDs         []string         `json:"ruleIds,omitempty"`
	RuleMetadata    []map[string]any `json:"ruleMetadata,omitempty"`
}

// GuardrailResult snapshots one guardrail evaluation.
type GuardrailResult struct {
	Class         GuardrailClass  `json:"class"`
	MarginValue   decimal.Decimal `json:"marginValue"`
	MarginPercent decimal.Decimal `json:"marginPercent"`
	EvaluatedAt   time.Time       `json:"evaluatedAt"`
}

// ProviderOrderPayload is the typed form of the provider-order payload bag.
// Serialized names stay wire-compatible with the dashboards that read the
// stored JSON.
type ProviderOrderPayload struct {
	ProviderOrderID  string            `json:"providerOrderId,omitempty"`
	ProviderResponse any               `json:"providerResponse,omitempty"`
	Refills          []Refill          `json:"refills,omitempty"`
	Replays          []Replay          `json:"replays,omitempty"`
	ScheduledReplays []ScheduledReplay `json:"scheduledReplays,omitempty"`
	Guardrails       *GuardrailResult  `json:"guardrails,omitempty"`
	ServiceRules     []ServiceRule     `json:"serviceRules,omitempty"`
	Context          map[string]any    `json:"context,omitempty"`
}

// FulfillmentProviderOrder is one add-on dispatched to a provider: the link
// between an order item and the provider's own order id, carrying the
// history of refills and replays in its payload.
type FulfillmentProviderOrder struct {
	ID            uuid.UUID            `json:"id" db:"id"`
	ProviderID    uuid.UUID            `json:"provider_id" db:"provider_id"`
	ServiceID     uuid.UUID            `json:"service_id" db:"service_id"`
	ServiceAction string               `json:"service_action" db:"service_action"`
	OrderID       uuid.UUID            `json:"order_id" db:"order_id"`
	OrderItemID   uuid.UUID            `json:"order_item_id" db:"order_item_id"`
	Amount        decimal.Decimal      `json:"amount" db:"amount"`
	Currency      string               `json:"currency" db:"currency"`
	Payload       ProviderOrderPayload `json:"payload" db:"-"`
	CreatedAt     time.Time            `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at" db:"updated_at"`
}

// ProviderBalance is a wallet-balance snapshot for a provider.
type ProviderBalance struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	ProviderID uuid.UUID       `json:"provider_id" db:"provider_id"`
	Balance    decimal.Decimal `json:"balance" db:"balance"`
	Currency   string          `json:"currency" db:"currency"`
	FetchedAt  time.Time       `json:"fetched_at" db:"fetched_at"`
}

// AutomationRunType labels a persisted automation run summary.
type AutomationRunType string

const (
	RunReplay AutomationRunType = "replay"
	RunAlert  AutomationRunType = "alert"
)

// ProviderAutomationRun is the persisted summary of one worker pass. The
// status surface is derived from these rows; no separate cache is stored.
type ProviderAutomationRun struct {
	ID               uuid.UUID         `json:"id" db:"id"`
	RunType          AutomationRunType `json:"run_type" db:"run_type"`
	Processed        int               `json:"processed" db:"processed"`
	Succeeded        int               `json:"succeeded" db:"succeeded"`
	Failed           int               `json:"failed" db:"failed"`
	ScheduledBacklog int               `json:"scheduled_backlog" db:"scheduled_backlog"`
	LastError        string            `json:"last_error,omitempty" db:"last_error"`
	StartedAt        time.Time         `json:"started_at" db:"started_at"`
	FinishedAt       time.Time         `json:"finished_at" db:"finished_at"`
}
