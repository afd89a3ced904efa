package provider

import (
	"strconv"
	"strings"

	"github.com/socialboost/fulfillment/domain"
)

// RuleInput is the fact set service-rule conditions evaluate against.
type RuleInput struct {
	// Channel is the order source ("storefront" for checkout orders,
	// "manual" otherwise).
	Channel string
	// Currency is the order currency code.
	Currency string
	// Quantity is the item quantity.
	Quantity int
	// ServiceID is the add-on's service identifier.
	ServiceID string
}

// ChannelFor maps an order source onto the channel name rules use.
func ChannelFor(source domain.OrderSource) string {
	if source == domain.SourceCheckout {
		return "storefront"
	}
	return string(source)
}

// ResolveRules evaluates a priority-ordered rule list against input. Every
// rule whose conditions all hold contributes its overrides, but a later
// rule never clobbers a key an earlier rule already overrode. Returns the
// merged overrides and the matched rules in evaluation order; the matched
// snapshot is persisted in the provider-order payload for audit.
func ResolveRules(rules []domain.ServiceRule, input RuleInput) (map[string]any, []domain.ServiceRule) {
	ordered := make([]domain.ServiceRule, len(rules))
	copy(ordered, rules)
	// Stable insertion sort by priority; rule lists are short.
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j].Priority < ordered[j-1].Priority; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}

	overrides := make(map[string]any)
	var matched []domain.ServiceRule
	for _, rule := range ordered {
		if !ruleMatches(rule, input) {
			continue
		}
		matched = append(matched, rule)
		for k, v := range rule.Overrides {
			if _, taken := overrides[k]; !taken {
				overrides[k] = v
			}
		}
	}
	return overrides, matched
}

func ruleMatches(rule domain.ServiceRule, input RuleInput) bool {
	for _, cond := range rule.Conditions {
		if !conditionHolds(cond, input) {
			return false
		}
	}
	return true
}

// conditionHolds evaluates one condition. Unknown kinds fail closed so a
// new rule vocabulary never silently matches everything.
func conditionHolds(cond domain.RuleCondition, input RuleInput) bool {
	switch cond.Kind {
	case "channel":
		return valueIn(input.Channel, cond)
	case "currency":
		return valueIn(strings.ToUpper(input.Currency), cond)
	case "service":
		return valueIn(input.ServiceID, cond)
	case "minQuantity":
		if cond.Min != nil {
			return input.Quantity >= *cond.Min
		}
		if cond.Value != "" {
			if n, err := strconv.Atoi(cond.Value); err == nil {
				return input.Quantity >= n
			}
		}
		return false
	default:
		return false
	}
}

func valueIn(v string, cond domain.RuleCondition) bool {
	if len(cond.Values) > 0 {
		for _, candidate := range cond.Values {
			if strings.EqualFold(candidate, v) {
				return true
			}
		}
		return false
	}
	return cond.Value != "" && strings.EqualFold(cond.Value, v)
}

// RuleMetadata flattens matched rules into the audit form stored in replay
// entries: id, label, description, priority, a shallow copy of conditions
// and the overrides.
func RuleMetadata(rules []domain.ServiceRule) (ids []string, meta []map[string]any) {
	for _, r := range rules {
		ids = append(ids, r.ID)
		conditions := make([]map[string]any, 0, len(r.Conditions))
		for _, c := range r.Conditions {
			cm := map[string]any{"kind": c.Kind}
			if len(c.Values) > 0 {
				cm["values"] = append([]string(nil), c.Values...)
			}
			if c.Value != "" {
				cm["value"] = c.Value
			}
			if c.Min != nil {
				cm["min"] = *c.Min
			}
			conditions = append(conditions, cm)
		}
		overrides := make(map[string]any, len(r.Overrides))
		for k, v := range r.Overrides {
			overrides[k] = v
		}
		meta = append(meta, map[string]any{
			"id":          r.ID,
			"label":       r.Label,
			"description": r.Description,
			"priority":    r.Priority,
			"conditions":  conditions,
			"overrides":   overrides,
		})
	}
	return ids, meta
}
