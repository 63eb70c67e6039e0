package service

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tenantbilling/internal/config"
	taxdomain "github.com/smallbiznis/tenantbilling/internal/tax/domain"
	"go.uber.org/fx"
)

type resolverParam struct {
	fx.In

	Policy *config.BillingPolicyHolder
}

type resolver struct {
	policy *config.BillingPolicyHolder
}

// NewResolver looks tenant rates up in the hot-reloaded billing policy,
// falling back to the default rate.
func NewResolver(p resolverParam) taxdomain.RateLookup {
	return &resolver{policy: p.Policy}
}

func (r *resolver) RateFor(ctx context.Context, tenantID string) (decimal.Decimal, error) {
	policy := r.policy.Get()

	raw := policy.DefaultTaxRate
	tenantID = strings.TrimSpace(tenantID)
	if override, ok := policy.TenantTaxRates[tenantID]; ok {
		raw = override
	} else if override, ok := policy.TenantTaxRates[strings.ToLower(tenantID)]; ok {
		// viper lower-cases map keys read from billing.yml
		raw = override
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}

	rate, err := decimal.NewFromString(raw)
	if err != nil || rate.IsNegative() {
		return decimal.Zero, taxdomain.ErrInvalidTaxRate
	}
	return rate, nil
}

// ComputeTaxExclusive calculates tax added on top of subtotal.
// Rounding happens only here to keep stored values integer-safe.
func ComputeTaxExclusive(subtotal int64, rate decimal.Decimal) int64 {
	if subtotal <= 0 || !rate.IsPositive() {
		return 0
	}
	return decimal.NewFromInt(subtotal).Mul(rate).Round(0).IntPart()
}
