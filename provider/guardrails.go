package provider

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/socialboost/fulfillment/domain"
)

var hundred = decimal.NewFromInt(100)

// EvaluateGuardrail classifies the margin of a provider order against the
// service policy:
//
//	fail  margin value below the absolute floor, or margin percent below
//	      the minimum percent
//	warn  margin percent below the warning percent
//	pass  otherwise
//	idle  customer price is zero or negative (nothing to protect)
func EvaluateGuardrail(customerPrice, providerCost decimal.Decimal, policy *domain.GuardrailPolicy, now time.Time) domain.GuardrailResult {
	result := domain.GuardrailResult{EvaluatedAt: now}
	if customerPrice.Sign() <= 0 {
		result.Class = domain.GuardrailIdle
		return result
	}
	marginValue := customerPrice.Sub(providerCost)
	marginPercent := marginValue.Div(customerPrice).Mul(hundred)
	result.MarginValue = marginValue
	result.MarginPercent = marginPercent

	if policy == nil {
		result.Class = domain.GuardrailPass
		return result
	}
	switch {
	case marginValue.LessThan(policy.MinimumMarginAbsolute),
		marginPercent.LessThan(policy.MinimumMarginPercent):
		result.Class = domain.GuardrailFail
	case marginPercent.LessThan(policy.WarningMarginPercent):
		result.Class = domain.GuardrailWarn
	default:
		result.Class = domain.GuardrailPass
	}
	return result
}
