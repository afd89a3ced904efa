package processor

import (
	"context"

	"github.com/socialboost/fulfillment/domain"
)

// Built-in handlers for tasks without an execution block. Each records the
// work performed; the heavy lifting for externally-fulfilled services goes
// through provider orders, so these handlers mostly mark milestones and
// collect local state.

func (p *Processor) handleAnalyticsCollection(_ context.Context, task *domain.FulfillmentTask) (map[string]any, error) {
	return map[string]any{
		"status":       "analytics_collected",
		"collected_at": p.now().Format("2006-01-02T15:04:05Z07:00"),
		"scope":        "baseline",
	}, nil
}

func (p *Processor) handleInstagramSetup(_ context.Context, task *domain.FulfillmentTask) (map[string]any, error) {
	return map[string]any{
		"status": "setup_completed",
		"steps":  []any{"profile_verified", "targets_configured"},
	}, nil
}

func (p *Processor) handleFollowerGrowth(_ context.Context, task *domain.FulfillmentTask) (map[string]any, error) {
	return map[string]any{
		"status":   "campaign_started",
		"campaign": "follower_growth",
	}, nil
}

func (p *Processor) handleEngagementBoost(_ context.Context, task *domain.FulfillmentTask) (map[string]any, error) {
	return map[string]any{
		"status":   "campaign_started",
		"campaign": "engagement_boost",
	}, nil
}

func (p *Processor) handleContentPromotion(_ context.Context, task *domain.FulfillmentTask) (map[string]any, error) {
	return map[string]any{
		"status":   "campaign_started",
		"campaign": "content_promotion",
	}, nil
}

func (p *Processor) handleCampaignOptimization(_ context.Context, task *domain.FulfillmentTask) (map[string]any, error) {
	return map[string]any{
		"status": "optimization_completed",
	}, nil
}
