package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/smallbiznis/tenantbilling/internal/clock"
	plandomain "github.com/smallbiznis/tenantbilling/internal/plan/domain"
	"github.com/smallbiznis/tenantbilling/internal/plan/repository"
	"github.com/smallbiznis/tenantbilling/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()
	db := dbtest.Open(t)
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	svc := NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: clk,
		Repo:  repository.Provide(),
	}).(*Service)
	return svc, db, clk
}

func basicPlan() plandomain.Plan {
	return plandomain.Plan{
		ID:           "Basic",
		Name:         "Basic",
		MonthlyPrice: 1000,
		YearlyPrice:  10000,
		Currency:     "usd",
		Features:     []string{"reports"},
		Limits:       plandomain.Limits{MaxLibraries: 1, MaxUsers: 3},
		TierRank:     1,
		Active:       true,
	}
}

func TestUpsertNormalizesAndGet(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	saved, err := svc.Upsert(ctx, basicPlan())
	require.NoError(t, err)
	assert.Equal(t, "basic", saved.ID)
	assert.Equal(t, "USD", saved.Currency)

	got, err := svc.Get(ctx, "basic")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.MonthlyPrice)
	assert.Equal(t, int64(3), got.Limit(plandomain.ResourceUsers))
	assert.Equal(t, []string{"reports"}, []string(got.Features))
}

func TestGetMissingPlan(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, plandomain.ErrPlanNotFound)
}

func TestUpsertRejectsInvalidPlan(t *testing.T) {
	svc, _, _ := newTestService(t)

	bad := basicPlan()
	bad.MonthlyPrice = -1
	_, err := svc.Upsert(context.Background(), bad)
	assert.ErrorIs(t, err, plandomain.ErrInvalidPlan)

	bad = basicPlan()
	bad.Currency = "dollars"
	_, err = svc.Upsert(context.Background(), bad)
	assert.ErrorIs(t, err, plandomain.ErrInvalidPlan)
}

func TestUpsertReferencedPlanKeepsTerms(t *testing.T) {
	svc, db, clk := newTestService(t)
	ctx := context.Background()

	_, err := svc.Upsert(ctx, basicPlan())
	require.NoError(t, err)

	now := clk.Now()
	require.NoError(t, db.Exec(
		`INSERT INTO subscriptions (id, tenant_id, plan_id, status, billing_interval,
			current_period_start, current_period_end, amount, currency, version, created_at, updated_at)
		 VALUES ('sub_1', 'tenant_1', 'basic', 'active', 'monthly', ?, ?, 1000, 'USD', 1, ?, ?)`,
		now, now.AddDate(0, 1, 0), now, now,
	).Error)

	repriced := basicPlan()
	repriced.MonthlyPrice = 1500
	_, err = svc.Upsert(ctx, repriced)
	assert.ErrorIs(t, err, plandomain.ErrPlanImmutable)

	renamed := basicPlan()
	renamed.Name = "Basic (legacy)"
	saved, err := svc.Upsert(ctx, renamed)
	require.NoError(t, err)
	assert.Equal(t, "Basic (legacy)", saved.Name)

	got, err := svc.Get(ctx, "basic")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), got.MonthlyPrice)
	assert.Equal(t, "Basic (legacy)", got.Name)
}

func TestSeedFromFile(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "plans.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
plans:
  - id: basic
    name: Basic
    monthlyPrice: 1000
    yearlyPrice: 10000
    currency: USD
    tierRank: 1
    limits:
      maxLibraries: 1
      maxUsers: 3
  - id: Pro
    name: Pro
    monthlyPrice: 3000
    yearlyPrice: 30000
    currency: USD
    tierRank: 2
    trialDays: 14
    features: [reports, api]
  - id: legacy
    name: Legacy
    monthlyPrice: 500
    yearlyPrice: 5000
    currency: USD
    tierRank: 0
    active: false
`), 0o600))

	n, err := svc.SeedFromFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	active, err := svc.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "basic", active[0].ID)
	assert.Equal(t, "pro", active[1].ID)
	assert.Equal(t, 14, active[1].TrialDays)
	assert.Equal(t, int64(3), active[0].MaxUsers)
}

func TestSeedFromFileRejectsDuplicates(t *testing.T) {
	svc, _, _ := newTestService(t)

	path := filepath.Join(t.TempDir(), "plans.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
plans:
  - {id: basic, name: Basic, monthlyPrice: 1, yearlyPrice: 1, currency: USD, tierRank: 1}
  - {id: BASIC, name: Basic2, monthlyPrice: 1, yearlyPrice: 1, currency: USD, tierRank: 1}
`), 0o600))

	_, err := svc.SeedFromFile(context.Background(), path)
	assert.ErrorIs(t, err, plandomain.ErrInvalidCatalog)
}
