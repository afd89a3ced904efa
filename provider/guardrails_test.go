package provider

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/socialboost/fulfillment/domain"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestEvaluateGuardrail(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	policy := &domain.GuardrailPolicy{
		MinimumMarginPercent: d("20"),
		WarningMarginPercent: d("40"),
	}

	cases := []struct {
		name  string
		price string
		cost  string
		want  domain.GuardrailClass
	}{
		{"margin below warning threshold warns", "100", "72", domain.GuardrailWarn},
		{"margin below minimum fails", "100", "85", domain.GuardrailFail},
		{"comfortable margin passes", "100", "50", domain.GuardrailPass},
		{"margin exactly at warning passes", "100", "60", domain.GuardrailPass},
		{"margin exactly at minimum warns", "100", "80", domain.GuardrailWarn},
		{"zero price is idle", "0", "10", domain.GuardrailIdle},
		{"negative price is idle", "-5", "10", domain.GuardrailIdle},
		{"negative margin fails", "100", "120", domain.GuardrailFail},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := EvaluateGuardrail(d(tc.price), d(tc.cost), policy, now)
			assert.Equal(t, tc.want, got.Class)
			assert.Equal(t, now, got.EvaluatedAt)
		})
	}
}

func TestEvaluateGuardrailAbsoluteFloor(t *testing.T) {
	now := time.Now().UTC()
	policy := &domain.GuardrailPolicy{
		MinimumMarginPercent:  d("5"),
		WarningMarginPercent:  d("10"),
		MinimumMarginAbsolute: d("3"),
	}

	// 8% margin clears the percent floor but the absolute margin is only
	// 0.80, below the 3.00 floor.
	got := EvaluateGuardrail(d("10"), d("9.20"), policy, now)
	assert.Equal(t, domain.GuardrailFail, got.Class)
	assert.True(t, got.MarginValue.Equal(d("0.80")))

	got = EvaluateGuardrail(d("100"), d("88"), policy, now)
	assert.Equal(t, domain.GuardrailPass, got.Class)
	assert.True(t, got.MarginPercent.Equal(d("12")))
}

func TestEvaluateGuardrailNilPolicy(t *testing.T) {
	got := EvaluateGuardrail(d("100"), d("99"), nil, time.Now().UTC())
	assert.Equal(t, domain.GuardrailPass, got.Class)
	assert.True(t, got.MarginValue.Equal(d("1")))
}
