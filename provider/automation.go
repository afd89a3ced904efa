package provider

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"goa.design/clue/log"

	"github.com/socialboost/fulfillment/domain"
	"github.com/socialboost/fulfillment/store"
)

// Automation reconciles catalog rules with order metadata to produce
// provider-order records, and exposes refill, replay and snapshot
// operations. It holds no session: every method receives the scoped store
// of the current request or worker iteration.
type Automation struct {
	invoker *Invoker
	now     func() time.Time
}

// AutomationOption customizes the service.
type AutomationOption func(*Automation)

// WithClock overrides the time source (tests pin it).
func WithClock(now func() time.Time) AutomationOption {
	return func(a *Automation) { a.now = now }
}

// NewAutomation returns the automation service.
func NewAutomation(invoker *Invoker, opts ...AutomationOption) *Automation {
	a := &Automation{
		invoker: invoker,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Override is the normalized form of a serviceOverride add-on after rule
// resolution.
type Override struct {
	ServiceID       uuid.UUID
	ProviderID      uuid.UUID
	PricingAmount   decimal.Decimal
	Currency        string
	ProviderCost    decimal.Decimal
	FulfillmentMode string
	PayloadTemplate map[string]any
	PreviewQuantity int
	ServiceRules    []domain.ServiceRule
	// MatchedRules is the audit snapshot of the rules that contributed
	// overrides for this add-on.
	MatchedRules []domain.ServiceRule
}

// Overrides extracts the normalized overrides for every serviceOverride
// add-on of an item. Add-ons naming unknown services are skipped with a
// warning; a malformed catalog entry must not block the rest of the order.
func (a *Automation) Overrides(ctx context.Context, st store.Store, order *domain.Order, item *domain.OrderItem) ([]Override, error) {
	var out []Override
	for _, addOn := range item.AddOns() {
		if addOn.PricingMode != domain.PricingModeServiceOverride || addOn.ServiceID == "" {
			continue
		}
		serviceID, err := uuid.Parse(addOn.ServiceID)
		if err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "add-on names invalid service id"},
				log.KV{K: "service_id", V: addOn.ServiceID})
			continue
		}
		svc, err := st.Services().Get(ctx, serviceID)
		if err != nil {
			if domain.IsKind(err, domain.KindNotFound) {
				log.Warn(ctx, log.KV{K: "msg", V: "add-on names unknown service"},
					log.KV{K: "service_id", V: addOn.ServiceID})
				continue
			}
			return nil, err
		}

		ov := Override{
			ServiceID:       serviceID,
			ProviderID:      svc.ProviderID,
			PricingAmount:   addOn.PriceDelta,
			Currency:        order.Currency,
			ProviderCost:    addOn.ProviderCost,
			FulfillmentMode: "automation",
			PayloadTemplate: addOn.PayloadTemplate,
			PreviewQuantity: addOn.PreviewQuantity,
			ServiceRules:    addOn.ServiceRules,
		}
		if addOn.ServiceProviderID != "" {
			if pid, err := uuid.Parse(addOn.ServiceProviderID); err == nil {
				ov.ProviderID = pid
			}
		}

		resolved, matched := ResolveRules(addOn.ServiceRules, RuleInput{
			Channel:   ChannelFor(order.Source),
			Currency:  order.Currency,
			Quantity:  item.Quantity,
			ServiceID: addOn.ServiceID,
		})
		ov.MatchedRules = matched
		applyRuleOverrides(&ov, resolved)
		out = append(out, ov)
	}
	return out, nil
}

// applyRuleOverrides folds resolved rule overrides into the normalized
// override. Only the keys the rule vocabulary defines take effect.
func applyRuleOverrides(ov *Override, overrides map[string]any) {
	for key, v := range overrides {
		switch key {
		case "providerId":
			if s, ok := v.(string); ok {
				if pid, err := uuid.Parse(s); err == nil {
					ov.ProviderID = pid
				}
			}
		case "providerCostAmount":
			ov.ProviderCost = decimalFromAny(v, ov.ProviderCost)
		case "pricingAmount":
			ov.PricingAmount = decimalFromAny(v, ov.PricingAmount)
		case "fulfillmentMode":
			if s, ok := v.(string); ok {
				ov.FulfillmentMode = s
			}
		}
	}
}

func decimalFromAny(v any, fallback decimal.Decimal) decimal.Decimal {
	switch tv := v.(type) {
	case float64:
		return decimal.NewFromFloat(tv)
	case string:
		if d, err := decimal.NewFromString(tv); err == nil {
			return d
		}
	case int:
		return decimal.NewFromInt(int64(tv))
	}
	return fallback
}

// CreateProviderOrder dispatches one add-on to its provider's order
// endpoint and persists the resulting provider-order with the response,
// the extracted provider order id, the rule snapshot and the guardrail
// evaluation.
func (a *Automation) CreateProviderOrder(ctx context.Context, st store.Store, order *domain.Order, item *domain.OrderItem, ov Override) (*domain.FulfillmentProviderOrder, error) {
	prov, err := st.Providers().Get(ctx, ov.ProviderID)
	if err != nil {
		return nil, err
	}
	svc, err := st.Services().Get(ctx, ov.ServiceID)
	if err != nil {
		return nil, err
	}
	auto := prov.Automation()
	if auto == nil || auto.Endpoints[domain.EndpointOrder] == nil {
		return nil, domain.Validationf("provider %s has no order endpoint", prov.ID)
	}
	ep := auto.Endpoints[domain.EndpointOrder]
	if ov.PayloadTemplate != nil {
		custom := *ep
		custom.Payload = ov.PayloadTemplate
		ep = &custom
	}

	tmplCtx := a.invocationContext(prov, order, item, ov, "order")
	result, err := a.invoker.Invoke(ctx, ep, tmplCtx)
	if err != nil {
		return nil, err
	}

	now := a.now()
	po := &domain.FulfillmentProviderOrder{
		ID:            uuid.New(),
		ProviderID:    prov.ID,
		ServiceID:     ov.ServiceID,
		ServiceAction: "order",
		OrderID:       order.ID,
		OrderItemID:   item.ID,
		Amount:        ov.PricingAmount,
		Currency:      ov.Currency,
		CreatedAt:     now,
		UpdatedAt:     now,
		Payload: domain.ProviderOrderPayload{
			ProviderOrderID:  result.ProviderOrderID,
			ProviderResponse: result.Body,
			ServiceRules:     ov.MatchedRules,
			Context:          tmplCtx,
		},
	}
	guardrail := EvaluateGuardrail(ov.PricingAmount, ov.ProviderCost, svc.Guardrails, now)
	po.Payload.Guardrails = &guardrail

	if err := st.ProviderOrders().Create(ctx, po); err != nil {
		return nil, err
	}
	log.Info(ctx, log.KV{K: "msg", V: "provider order created"},
		log.KV{K: "provider_order_id", V: po.ID},
		log.KV{K: "external_id", V: result.ProviderOrderID},
		log.KV{K: "guardrail", V: guardrail.Class})
	return po, nil
}

// invocationContext builds the template context for provider endpoint
// calls: provider metadata, order/item identity, the requested amount and
// the add-on fields.
func (a *Automation) invocationContext(prov *domain.FulfillmentProvider, order *domain.Order, item *domain.OrderItem, ov Override, action string) map[string]any {
	amount, _ := ov.PricingAmount.Float64()
	cost, _ := ov.ProviderCost.Float64()
	return map[string]any{
		"provider":        prov.Metadata,
		"orderId":         order.ID.String(),
		"orderNumber":     order.OrderNumber,
		"orderItemId":     item.ID.String(),
		"serviceId":       ov.ServiceID.String(),
		"serviceAction":   action,
		"requestedAmount": amount,
		"currency":        ov.Currency,
		"quantity":        item.Quantity,
		"previewQuantity": ov.PreviewQuantity,
		"providerCost":    cost,
		"fulfillmentMode": ov.FulfillmentMode,
	}
}

// Refill invokes the provider's refill endpoint for an existing provider
// order and appends the refill entry to the payload. The provider order
// must already carry a provider order id.
func (a *Automation) Refill(ctx context.Context, st store.Store, poID uuid.UUID, amount *decimal.Decimal) (*domain.Refill, error) {
	po, err := st.ProviderOrders().Get(ctx, poID)
	if err != nil {
		return nil, err
	}
	if po.Payload.ProviderOrderID == "" {
		return nil, domain.Validationf("provider order %s has no provider order id", poID)
	}
	prov, err := st.Providers().Get(ctx, po.ProviderID)
	if err != nil {
		return nil, err
	}
	auto := prov.Automation()
	if auto == nil || auto.Endpoints[domain.EndpointRefill] == nil {
		return nil, domain.Validationf("provider %s has no refill endpoint", prov.ID)
	}

	refillAmount := po.Amount
	if amount != nil {
		refillAmount = *amount
	}
	tmplCtx := cloneContext(po.Payload.Context)
	tmplCtx["providerOrderId"] = po.Payload.ProviderOrderID
	amt, _ := refillAmount.Float64()
	tmplCtx["amount"] = amt
	tmplCtx["currency"] = po.Currency
	tmplCtx["serviceAction"] = "refill"

	result, err := a.invoker.Invoke(ctx, auto.Endpoints[domain.EndpointRefill], tmplCtx)
	if err != nil {
		return nil, err
	}

	entry := domain.Refill{
		ID:          uuid.NewString(),
		Amount:      refillAmount,
		Currency:    po.Currency,
		PerformedAt: a.now(),
		Response:    result.Body,
	}
	po.Payload.Refills = append(po.Payload.Refills, entry)
	po.UpdatedAt = a.now()
	if err := st.ProviderOrders().Update(ctx, po); err != nil {
		return nil, err
	}
	return &entry, nil
}

// ReplayRequest parameterizes a replay. RunAt in the future schedules the
// replay; ScheduleOnly forces scheduling even for a due RunAt. A RunAt at
// or before now without ScheduleOnly executes immediately.
type ReplayRequest struct {
	Amount       *decimal.Decimal
	RunAt        *time.Time
	ScheduleOnly bool
}

// ReplayOutcome is the entry a replay produced: exactly one of Executed or
// Scheduled is set.
type ReplayOutcome struct {
	Executed  *domain.Replay          `json:"executed,omitempty"`
	Scheduled *domain.ScheduledReplay `json:"scheduled,omitempty"`
}

// Replay re-executes (or schedules re-execution of) the provider order
// endpoint with the stored context.
func (a *Automation) Replay(ctx context.Context, st store.Store, poID uuid.UUID, req ReplayRequest) (*ReplayOutcome, error) {
	po, err := st.ProviderOrders().Get(ctx, poID)
	if err != nil {
		return nil, err
	}
	now := a.now()

	if req.ScheduleOnly || (req.RunAt != nil && req.RunAt.After(now)) {
		runAt := now
		if req.RunAt != nil {
			runAt = *req.RunAt
		}
		amount := po.Amount
		if req.Amount != nil {
			amount = *req.Amount
		}
		ids, meta := RuleMetadata(po.Payload.ServiceRules)
		entry := domain.ScheduledReplay{
			ID:              uuid.NewString(),
			RequestedAmount: amount,
			Currency:        po.Currency,
			ScheduledFor:    runAt.UTC(),
			Status:          domain.ReplayScheduled,
			RuleIDs:         ids,
			RuleMetadata:    meta,
		}
		po.Payload.ScheduledReplays = append(po.Payload.ScheduledReplays, entry)
		po.UpdatedAt = now
		if err := st.ProviderOrders().Update(ctx, po); err != nil {
			return nil, err
		}
		return &ReplayOutcome{Scheduled: &entry}, nil
	}

	entry, err := a.executeReplay(ctx, st, po, req.Amount)
	po.Payload.Replays = append(po.Payload.Replays, *entry)
	if err == nil {
		po.Payload.ProviderResponse = entry.Response
	}
	po.UpdatedAt = a.now()
	if updateErr := st.ProviderOrders().Update(ctx, po); updateErr != nil {
		return nil, updateErr
	}
	if err != nil {
		return nil, err
	}
	return &ReplayOutcome{Executed: entry}, nil
}

// executeReplay performs the provider order call with the stored context
// and returns the replay entry. On failure the entry carries status
// "failed" and the error preview, and the error is returned alongside.
func (a *Automation) executeReplay(ctx context.Context, st store.Store, po *domain.FulfillmentProviderOrder, amount *decimal.Decimal) (*domain.Replay, error) {
	requested := po.Amount
	if amount != nil {
		requested = *amount
	}
	ids, meta := RuleMetadata(po.Payload.ServiceRules)
	entry := &domain.Replay{
		ID:              uuid.NewString(),
		RequestedAmount: requested,
		Currency:        po.Currency,
		PerformedAt:     a.now(),
		RuleIDs:         ids,
		RuleMetadata:    meta,
	}

	prov, err := st.Providers().Get(ctx, po.ProviderID)
	if err == nil {
		auto := prov.Automation()
		if auto == nil || auto.Endpoints[domain.EndpointOrder] == nil {
			err = domain.Validationf("provider %s has no order endpoint", po.ProviderID)
		}
	}
	if err != nil {
		entry.Status = domain.ReplayFailed
		entry.Error = err.Error()
		return entry, err
	}
	ep := prov.Automation().Endpoints[domain.EndpointOrder]
	tmplCtx := cloneContext(po.Payload.Context)
	amt, _ := requested.Float64()
	tmplCtx["requestedAmount"] = amt
	tmplCtx["serviceAction"] = "order"

	result, err := a.invoker.Invoke(ctx, ep, tmplCtx)
	if err != nil {
		entry.Status = domain.ReplayFailed
		entry.Error = Truncate(err.Error(), previewLimit)
		return entry, err
	}
	entry.Status = domain.ReplayExecuted
	entry.Response = result.Body
	if result.ProviderOrderID != "" {
		po.Payload.ProviderOrderID = result.ProviderOrderID
	}
	return entry, nil
}

// ExecuteScheduled drains one scheduled replay entry: it re-reads the
// provider order, verifies the entry is still in "scheduled" state (the
// idempotency fence), executes the replay and writes the entry's terminal
// status exactly once. The executed replay is also appended to the replays
// history.
func (a *Automation) ExecuteScheduled(ctx context.Context, st store.Store, poID uuid.UUID, entryID string) error {
	// The terminal marking must commit even when the replay call failed, so
	// the execution error is carried out of the transaction separately.
	var execErr error
	err := st.Atomically(ctx, func(tx store.Store) error {
		po, err := tx.ProviderOrders().Get(ctx, poID)
		if err != nil {
			return err
		}
		idx := -1
		for i := range po.Payload.ScheduledReplays {
			if po.Payload.ScheduledReplays[i].ID == entryID {
				idx = i
				break
			}
		}
		if idx == -1 {
			return domain.NotFoundf("scheduled replay %s not found", entryID)
		}
		scheduled := &po.Payload.ScheduledReplays[idx]
		if scheduled.Status != domain.ReplayScheduled {
			// Already drained by a previous pass; nothing to do.
			return nil
		}

		var replay *domain.Replay
		replay, execErr = a.executeReplay(ctx, tx, po, &scheduled.RequestedAmount)
		now := a.now()
		scheduled.ExecutedAt = &now
		if execErr != nil {
			scheduled.Status = domain.ReplayFailed
			scheduled.Error = Truncate(execErr.Error(), previewLimit)
		} else {
			scheduled.Status = domain.ReplayExecuted
			scheduled.Response = replay.Response
			po.Payload.ProviderResponse = replay.Response
		}
		po.Payload.Replays = append(po.Payload.Replays, *replay)
		po.UpdatedAt = now
		return tx.ProviderOrders().Update(ctx, po)
	})
	if err != nil {
		return err
	}
	return execErr
}

// RefreshBalances invokes each provider's balance endpoint and records a
// wallet snapshot. Providers without a balance endpoint are skipped.
func (a *Automation) RefreshBalances(ctx context.Context, st store.Store) error {
	providers, err := st.Providers().List(ctx)
	if err != nil {
		return err
	}
	var firstErr error
	for _, prov := range providers {
		auto := prov.Automation()
		if auto == nil || auto.Endpoints[domain.EndpointBalance] == nil {
			continue
		}
		ep := auto.Endpoints[domain.EndpointBalance]
		if ep.TimeoutSeconds == 0 {
			custom := *ep
			custom.TimeoutSeconds = int(defaultBalanceTimeout / time.Second)
			ep = &custom
		}
		result, err := a.invoker.Invoke(ctx, ep, map[string]any{"provider": prov.Metadata})
		if err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "balance refresh failed"},
				log.KV{K: "provider_id", V: prov.ID})
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		balance, currency := parseBalance(result)
		snap := &domain.ProviderBalance{
			ID:         uuid.New(),
			ProviderID: prov.ID,
			Balance:    balance,
			Currency:   currency,
			FetchedAt:  a.now(),
		}
		if err := st.Balances().Insert(ctx, snap); err != nil {
			return err
		}
	}
	return firstErr
}

func parseBalance(result *Result) (decimal.Decimal, string) {
	body, ok := result.Body.(map[string]any)
	if !ok {
		return decimal.Zero, ""
	}
	balance := decimal.Zero
	if v, ok := body["balance"].(float64); ok {
		balance = decimal.NewFromFloat(v)
	} else if s, ok := body["balance"].(string); ok {
		if d, err := decimal.NewFromString(s); err == nil {
			balance = d
		}
	}
	currency, _ := body["currency"].(string)
	return balance, currency
}

func cloneContext(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx)+4)
	for k, v := range ctx {
		out[k] = v
	}
	return out
}
