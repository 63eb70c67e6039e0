package proration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var periodStart = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)

func TestCalculateUpgradeTenDaysIn(t *testing.T) {
	res, err := Calculate(Input{
		OldAmount:   1000,
		NewAmount:   3000,
		PeriodStart: periodStart,
		PeriodEnd:   periodStart.AddDate(0, 0, 30),
		Now:         periodStart.AddDate(0, 0, 10),
	})
	require.NoError(t, err)

	assert.Equal(t, int64(667), res.Credit)
	assert.Equal(t, int64(2000), res.Charge)
	assert.Equal(t, int64(1333), res.Net)
	assert.False(t, res.Clamped)
	assert.Equal(t, "0.666667", res.RemainingFraction.String())
}

func TestCalculateDowngradeClamps(t *testing.T) {
	res, err := Calculate(Input{
		OldAmount:   3000,
		NewAmount:   1000,
		PeriodStart: periodStart,
		PeriodEnd:   periodStart.AddDate(0, 0, 30),
		Now:         periodStart.AddDate(0, 0, 15),
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1500), res.Credit)
	assert.Equal(t, int64(500), res.Charge)
	assert.Equal(t, int64(-1000), res.Net)
	assert.True(t, res.Clamped)
	assert.Equal(t, int64(1000), res.UnappliedCredit)
}

func TestCalculateHalfUpRounding(t *testing.T) {
	// 1 / 2 of 999 = 499.5 rounds up.
	res, err := Calculate(Input{
		OldAmount:   999,
		NewAmount:   1,
		PeriodStart: periodStart,
		PeriodEnd:   periodStart.Add(2 * time.Hour),
		Now:         periodStart.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(500), res.Credit)
	assert.Equal(t, int64(1), res.Charge)
}

func TestCalculateBounds(t *testing.T) {
	end := periodStart.AddDate(0, 1, 0)
	amounts := []int64{0, 1, 7, 999, 1000, 2999, 123456789}
	offsets := []time.Duration{0, time.Second, time.Hour, 72 * time.Hour, 500 * time.Hour, end.Sub(periodStart)}

	for _, oldAmount := range amounts {
		for _, newAmount := range amounts {
			for _, offset := range offsets {
				res, err := Calculate(Input{
					OldAmount:   oldAmount,
					NewAmount:   newAmount,
					PeriodStart: periodStart,
					PeriodEnd:   end,
					Now:         periodStart.Add(offset),
				})
				require.NoError(t, err)
				assert.GreaterOrEqual(t, res.Credit, int64(0))
				assert.GreaterOrEqual(t, res.Charge, int64(0))
				assert.LessOrEqual(t, res.Credit, oldAmount)
				assert.LessOrEqual(t, res.Charge, newAmount)
				assert.Equal(t, res.Charge-res.Credit, res.Net)
			}
		}
	}
}

func TestCalculateEdgesOfPeriod(t *testing.T) {
	end := periodStart.AddDate(0, 0, 30)

	atStart, err := Calculate(Input{OldAmount: 1000, NewAmount: 3000, PeriodStart: periodStart, PeriodEnd: end, Now: periodStart})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), atStart.Credit)
	assert.Equal(t, int64(3000), atStart.Charge)

	atEnd, err := Calculate(Input{OldAmount: 1000, NewAmount: 3000, PeriodStart: periodStart, PeriodEnd: end, Now: end.Add(time.Hour)})
	require.NoError(t, err)
	assert.Zero(t, atEnd.Credit)
	assert.Zero(t, atEnd.Charge)
	assert.True(t, atEnd.RemainingFraction.IsZero())
}

func TestCalculateRejectsBadInput(t *testing.T) {
	_, err := Calculate(Input{OldAmount: 1, NewAmount: 1, PeriodStart: periodStart, PeriodEnd: periodStart, Now: periodStart})
	assert.ErrorIs(t, err, ErrInvalidPeriod)

	_, err = Calculate(Input{OldAmount: -1, NewAmount: 1, PeriodStart: periodStart, PeriodEnd: periodStart.Add(time.Hour), Now: periodStart})
	assert.ErrorIs(t, err, ErrNegativeAmount)
}
