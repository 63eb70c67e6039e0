package domain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var ErrInvalidTaxRate = errors.New("invalid_tax_rate")

// RateLookup returns the exclusive tax rate for a tenant as a fraction
// (0.2 for 20%). Jurisdiction rules live outside this service.
type RateLookup interface {
	RateFor(ctx context.Context, tenantID string) (decimal.Decimal, error)
}
