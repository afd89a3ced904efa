package provider

import (
	"context"
	"time"

	"github.com/socialboost/fulfillment/domain"
	"github.com/socialboost/fulfillment/store"
)

// ReplayStats counts replay entries across provider orders.
type ReplayStats struct {
	Total     int `json:"total"`
	Executed  int `json:"executed"`
	Failed    int `json:"failed"`
	Scheduled int `json:"scheduled"`
}

// GuardrailStats counts guardrail evaluations by class.
type GuardrailStats struct {
	Evaluated int `json:"evaluated"`
	Pass      int `json:"pass"`
	Warn      int `json:"warn"`
	Fail      int `json:"fail"`
	Idle      int `json:"idle"`
}

// RuleUsage aggregates rule override activity for one service: override
// volume, per-rule hit counts and the matched rules' display labels.
type RuleUsage struct {
	TotalOverrides int               `json:"totalOverrides"`
	RuleFrequency  map[string]int    `json:"ruleFrequency"`
	RuleLabels     map[string]string `json:"ruleLabels"`
}

// ProviderStats aggregates per-provider activity.
type ProviderStats struct {
	TotalOrders int            `json:"totalOrders"`
	Replays     ReplayStats    `json:"replays"`
	Guardrails  GuardrailStats `json:"guardrails"`
}

// Snapshot is the full-scan telemetry view over all provider orders the
// dashboards render. It is computed on demand, never cached.
type Snapshot struct {
	TotalOrders            int                       `json:"totalOrders"`
	Replays                ReplayStats               `json:"replays"`
	Guardrails             GuardrailStats            `json:"guardrails"`
	GuardrailHitsByService map[string]int            `json:"guardrailHitsByService"`
	RuleOverridesByService map[string]*RuleUsage     `json:"ruleOverridesByService"`
	Providers              map[string]*ProviderStats `json:"providers"`
	ScheduledBacklog       int                       `json:"scheduledBacklog"`
	NextScheduledAt        *time.Time                `json:"nextScheduledAt,omitempty"`
}

// Backlog is the lightweight pending-work view the status endpoints and
// the replay worker report.
type Backlog struct {
	ScheduledBacklog int        `json:"scheduledBacklog"`
	NextScheduledAt  *time.Time `json:"nextScheduledAt,omitempty"`
}

// Snapshot aggregates all provider orders into the telemetry view.
func (a *Automation) Snapshot(ctx context.Context, st store.Store) (*Snapshot, error) {
	orders, err := st.ProviderOrders().List(ctx)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		GuardrailHitsByService: make(map[string]int),
		RuleOverridesByService: make(map[string]*RuleUsage),
		Providers:              make(map[string]*ProviderStats),
	}
	for _, po := range orders {
		snap.TotalOrders++
		prov := snap.Providers[po.ProviderID.String()]
		if prov == nil {
			prov = &ProviderStats{}
			snap.Providers[po.ProviderID.String()] = prov
		}
		prov.TotalOrders++

		countReplays(&snap.Replays, &prov.Replays, po)
		countGuardrails(snap, prov, po)
		countRuleOverrides(snap, po)

		for i := range po.Payload.ScheduledReplays {
			sr := &po.Payload.ScheduledReplays[i]
			if sr.Status != domain.ReplayScheduled {
				continue
			}
			snap.ScheduledBacklog++
			if snap.NextScheduledAt == nil || sr.ScheduledFor.Before(*snap.NextScheduledAt) {
				t := sr.ScheduledFor
				snap.NextScheduledAt = &t
			}
		}
	}
	return snap, nil
}

func countReplays(total, perProvider *ReplayStats, po *domain.FulfillmentProviderOrder) {
	for _, r := range po.Payload.Replays {
		for _, stats := range []*ReplayStats{total, perProvider} {
			stats.Total++
			switch r.Status {
			case domain.ReplayExecuted:
				stats.Executed++
			case domain.ReplayFailed:
				stats.Failed++
			}
		}
	}
	for _, sr := range po.Payload.ScheduledReplays {
		if sr.Status == domain.ReplayScheduled {
			total.Scheduled++
			perProvider.Scheduled++
		}
	}
}

func countGuardrails(snap *Snapshot, prov *ProviderStats, po *domain.FulfillmentProviderOrder) {
	g := po.Payload.Guardrails
	if g == nil {
		return
	}
	for _, stats := range []*GuardrailStats{&snap.Guardrails, &prov.Guardrails} {
		stats.Evaluated++
		switch g.Class {
		case domain.GuardrailPass:
			stats.Pass++
		case domain.GuardrailWarn:
			stats.Warn++
		case domain.GuardrailFail:
			stats.Fail++
		case domain.GuardrailIdle:
			stats.Idle++
		}
	}
	if g.Class == domain.GuardrailWarn || g.Class == domain.GuardrailFail {
		snap.GuardrailHitsByService[po.ServiceID.String()]++
	}
}

func countRuleOverrides(snap *Snapshot, po *domain.FulfillmentProviderOrder) {
	if len(po.Payload.ServiceRules) == 0 {
		return
	}
	key := po.ServiceID.String()
	usage := snap.RuleOverridesByService[key]
	if usage == nil {
		usage = &RuleUsage{
			RuleFrequency: make(map[string]int),
			RuleLabels:    make(map[string]string),
		}
		snap.RuleOverridesByService[key] = usage
	}
	usage.TotalOverrides++
	for _, r := range po.Payload.ServiceRules {
		usage.RuleFrequency[r.ID]++
		if r.Label != "" {
			usage.RuleLabels[r.ID] = r.Label
		}
	}
}

// Backlog computes the scheduled-replay backlog without the full snapshot
// scan.
func (a *Automation) Backlog(ctx context.Context, st store.Store) (Backlog, error) {
	orders, err := st.ProviderOrders().List(ctx)
	if err != nil {
		return Backlog{}, err
	}
	var b Backlog
	for _, po := range orders {
		for i := range po.Payload.ScheduledReplays {
			sr := &po.Payload.ScheduledReplays[i]
			if sr.Status != domain.ReplayScheduled {
				continue
			}
			b.ScheduledBacklog++
			if b.NextScheduledAt == nil || sr.ScheduledFor.Before(*b.NextScheduledAt) {
				t := sr.ScheduledFor
				b.NextScheduledAt = &t
			}
		}
	}
	return b, nil
}
