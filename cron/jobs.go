package cron

import (
	"context"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/socialboost/fulfillment/domain"
	"github.com/socialboost/fulfillment/notify"
	"github.com/socialboost/fulfillment/provider"
	"github.com/socialboost/fulfillment/replay"
	"github.com/socialboost/fulfillment/store"
)

// Task names bound in the default registry. Schedule files reference jobs
// by these keys.
const (
	TaskProviderReplay = "providers.replay.drain"
	TaskBalanceRefresh = "providers.balance.refresh"
	TaskAlertsEvaluate = "providers.alerts.evaluate"
	TaskWeeklyDigest   = "notifications.digest.weekly"
)

// Deps collects the collaborators the built-in jobs need.
type Deps struct {
	Store      store.Store
	Automation *provider.Automation
	Replay     *replay.Worker
	Dispatcher *notify.Dispatcher
	Now        func() time.Time
}

// BuildRegistry returns the default job registry.
func BuildRegistry(deps Deps) Registry {
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	return Registry{
		TaskProviderReplay: func(ctx context.Context, _ map[string]any) error {
			_, err := deps.Replay.RunOnce(ctx)
			return err
		},
		TaskBalanceRefresh: func(ctx context.Context, _ map[string]any) error {
			return deps.Automation.RefreshBalances(ctx, deps.Store)
		},
		TaskAlertsEvaluate: func(ctx context.Context, _ map[string]any) error {
			return evaluateAlerts(ctx, deps)
		},
		TaskWeeklyDigest: func(ctx context.Context, _ map[string]any) error {
			return sendWeeklyDigest(ctx, deps)
		},
	}
}

// evaluateAlerts scans provider orders for failing guardrails, appends an
// automation_alert event per hit and persists the run summary.
func evaluateAlerts(ctx context.Context, deps Deps) error {
	started := deps.Now()
	run := &domain.ProviderAutomationRun{
		ID:        uuid.New(),
		RunType:   domain.RunAlert,
		StartedAt: started,
	}

	orders, err := deps.Store.ProviderOrders().List(ctx)
	if err != nil {
		return err
	}
	recorder := alertRecorder{deps: deps}
	for _, po := range orders {
		g := po.Payload.Guardrails
		if g == nil || g.Class != domain.GuardrailFail {
			continue
		}
		run.Processed++
		if err := recorder.record(ctx, po, g); err != nil {
			run.Failed++
			run.LastError = err.Error()
			continue
		}
		run.Succeeded++
	}
	run.FinishedAt = deps.Now()
	if err := deps.Store.AutomationRuns().Create(ctx, run); err != nil {
		return err
	}
	if run.Processed > 0 {
		log.Info(ctx, log.KV{K: "msg", V: "guardrail alerts evaluated"},
			log.KV{K: "hits", V: run.Processed})
	}
	return nil
}

type alertRecorder struct {
	deps Deps
}

func (a alertRecorder) record(ctx context.Context, po *domain.FulfillmentProviderOrder, g *domain.GuardrailResult) error {
	err := a.deps.Store.Events().Append(ctx, &domain.OrderStateEvent{
		ID:        uuid.New(),
		OrderID:   po.OrderID,
		EventType: domain.EventAutomationAlert,
		ActorType: domain.ActorSystem,
		Notes:     "guardrail margin below minimum",
		Metadata: map[string]any{
			"providerOrderId": po.ID.String(),
			"serviceId":       po.ServiceID.String(),
			"marginPercent":   g.MarginPercent.String(),
			"marginValue":     g.MarginValue.String(),
		},
		CreatedAt: a.deps.Now(),
	})
	if err != nil {
		return err
	}
	if a.deps.Dispatcher != nil {
		order, oerr := a.deps.Store.Orders().Get(ctx, po.OrderID)
		if oerr != nil {
			log.Error(ctx, oerr, log.KV{K: "msg", V: "alert order lookup failed"},
				log.KV{K: "order_id", V: po.OrderID})
			return nil
		}
		a.deps.Dispatcher.Send(ctx, a.deps.Store, order.UserID, notify.KindAutomationAlert,
			notify.RenderAutomationAlert(order, g.MarginPercent.String()))
	}
	return nil
}

// sendWeeklyDigest groups the week's orders by user and sends each user a
// digest, gated by the marketing preference.
func sendWeeklyDigest(ctx context.Context, deps Deps) error {
	since := deps.Now().Add(-7 * 24 * time.Hour)
	orders, err := deps.Store.Orders().ListSince(ctx, since)
	if err != nil {
		return err
	}
	byUser := make(map[uuid.UUID][]*domain.Order)
	for _, o := range orders {
		if o.UserID == nil {
			continue
		}
		byUser[*o.UserID] = append(byUser[*o.UserID], o)
	}
	for userID, userOrders := range byUser {
		uid := userID
		deps.Dispatcher.Send(ctx, deps.Store, &uid, notify.KindWeeklyDigest,
			notify.RenderWeeklyDigest(userOrders))
	}
	return nil
}
