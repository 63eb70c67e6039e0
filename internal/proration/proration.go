// Package proration computes mid-cycle credit and charge amounts for plan changes.
package proration

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidPeriod  = errors.New("invalid_proration_period")
	ErrNegativeAmount = errors.New("negative_proration_amount")
)

// Input amounts are per-period prices in minor currency units.
type Input struct {
	OldAmount   int64
	NewAmount   int64
	PeriodStart time.Time
	PeriodEnd   time.Time
	Now         time.Time
}

type Result struct {
	RemainingFraction decimal.Decimal
	Credit            int64
	Charge            int64
	// Net is Charge minus Credit and is negative on a cheaper target.
	Net int64
	// Clamped is set when Net is negative; UnappliedCredit then holds -Net.
	Clamped         bool
	UnappliedCredit int64
}

// Calculate returns the unused share of the old price as a credit and the
// remaining share of the new price as a charge. Now is clamped into the
// period so the fraction stays within [0, 1]. Amounts are rounded half-up
// to the minor unit.
func Calculate(in Input) (Result, error) {
	if in.OldAmount < 0 || in.NewAmount < 0 {
		return Result{}, ErrNegativeAmount
	}
	if !in.PeriodEnd.After(in.PeriodStart) {
		return Result{}, ErrInvalidPeriod
	}

	now := in.Now
	if now.Before(in.PeriodStart) {
		now = in.PeriodStart
	}
	if now.After(in.PeriodEnd) {
		now = in.PeriodEnd
	}

	total := decimal.NewFromInt(in.PeriodEnd.Sub(in.PeriodStart).Nanoseconds())
	remaining := decimal.NewFromInt(in.PeriodEnd.Sub(now).Nanoseconds())

	credit := share(in.OldAmount, remaining, total)
	charge := share(in.NewAmount, remaining, total)

	res := Result{
		RemainingFraction: remaining.DivRound(total, 6),
		Credit:            credit,
		Charge:            charge,
		Net:               charge - credit,
	}
	if res.Net < 0 {
		res.Clamped = true
		res.UnappliedCredit = -res.Net
	}
	return res, nil
}

// share multiplies before dividing so exact ratios such as 20/30 of 3000 stay exact.
func share(amount int64, remaining, total decimal.Decimal) int64 {
	if amount == 0 || remaining.IsZero() {
		return 0
	}
	v := decimal.NewFromInt(amount).Mul(remaining).Div(total).Round(0)
	out := v.IntPart()
	if out > amount {
		return amount
	}
	return out
}
