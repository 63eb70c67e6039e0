package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tenantbilling/internal/clock"
	"github.com/smallbiznis/tenantbilling/internal/config"
	invoicedomain "github.com/smallbiznis/tenantbilling/internal/invoice/domain"
	invoicerepository "github.com/smallbiznis/tenantbilling/internal/invoice/repository"
	invoiceservice "github.com/smallbiznis/tenantbilling/internal/invoice/service"
	"github.com/smallbiznis/tenantbilling/internal/lock"
	plandomain "github.com/smallbiznis/tenantbilling/internal/plan/domain"
	planrepository "github.com/smallbiznis/tenantbilling/internal/plan/repository"
	subscriptiondomain "github.com/smallbiznis/tenantbilling/internal/subscription/domain"
	"github.com/smallbiznis/tenantbilling/internal/subscription/repository"
	"github.com/smallbiznis/tenantbilling/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// April has 30 days, which keeps proration fractions exact.
var testStart = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)

type zeroTax struct{}

func (zeroTax) RateFor(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type fixture struct {
	svc      *Service
	db       *gorm.DB
	clock    *clock.FakeClock
	invoices invoicedomain.Service
}

type fixtureOption func(*ServiceParam)

func withLocker(locker lock.Locker) fixtureOption {
	return func(p *ServiceParam) { p.Locker = locker }
}

func newFixture(t *testing.T, policy config.BillingPolicy, opts ...fixtureOption) *fixture {
	t.Helper()
	db := dbtest.Open(t)
	clk := clock.NewFakeClock(testStart)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	holder := config.NewStaticBillingPolicyHolder(policy)

	invoices := invoiceservice.NewService(invoiceservice.ServiceParam{
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  clk,
		Repo:   invoicerepository.Provide(),
		Tax:    zeroTax{},
		Policy: holder,
	})

	plans := planrepository.Provide()
	for _, plan := range []plandomain.Plan{
		{ID: "basic", Name: "Basic", MonthlyPrice: 1000, YearlyPrice: 10000, Currency: "USD", TierRank: 1, Active: true},
		{ID: "pro", Name: "Pro", MonthlyPrice: 3000, YearlyPrice: 30000, Currency: "USD", TierRank: 2, Active: true},
		{ID: "team", Name: "Team", MonthlyPrice: 2000, YearlyPrice: 20000, Currency: "USD", TierRank: 2, TrialDays: 14, Active: true},
		{ID: "legacy", Name: "Legacy", MonthlyPrice: 500, YearlyPrice: 5000, Currency: "USD", TierRank: 0, Active: false},
	} {
		plan := plan
		plan.CreatedAt = testStart
		plan.UpdatedAt = testStart
		require.NoError(t, plans.Upsert(context.Background(), db, &plan))
	}

	param := ServiceParam{
		DB:       db,
		Log:      zap.NewNop(),
		Clock:    clk,
		Policy:   holder,
		Repo:     repository.Provide(),
		Plans:    plans,
		Invoices: invoices,
	}
	for _, opt := range opts {
		opt(&param)
	}
	return &fixture{
		svc:      NewService(param).(*Service),
		db:       db,
		clock:    clk,
		invoices: invoices,
	}
}

func (f *fixture) create(t *testing.T, tenantID, planID string) *subscriptiondomain.CreateResult {
	t.Helper()
	result, err := f.svc.Create(context.Background(), subscriptiondomain.CreateRequest{
		TenantID:        tenantID,
		PlanID:          planID,
		BillingInterval: "monthly",
	})
	require.NoError(t, err)
	return result
}

// active creates a subscription and settles its first invoice.
func (f *fixture) active(t *testing.T, tenantID, planID string) *subscriptiondomain.Subscription {
	t.Helper()
	created := f.create(t, tenantID, planID)
	require.NotNil(t, created.Invoice)
	sub, err := f.svc.RecordPaymentOutcome(context.Background(), created.Invoice.ID, true)
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
	return sub
}

func (f *fixture) invoice(t *testing.T, id string) *invoicedomain.Invoice {
	t.Helper()
	invoice, err := f.invoices.Get(context.Background(), f.db, id)
	require.NoError(t, err)
	return invoice
}

func (f *fixture) invoiceCount(t *testing.T, subscriptionID string) int64 {
	return dbtest.Count(t, f.db, `SELECT COUNT(*) FROM invoices WHERE subscription_id = ?`, subscriptionID)
}

func TestCreateThenPayActivates(t *testing.T) {
	f := newFixture(t, config.DefaultBillingPolicy())
	ctx := context.Background()

	created := f.create(t, "tenant_x", "basic")
	assert.Equal(t, subscriptiondomain.SubscriptionStatusIncomplete, created.Subscription.Status)
	assert.True(t, created.RequiresConfirmation)
	require.NotNil(t, created.Invoice)
	assert.Equal(t, invoicedomain.InvoiceKindInitial, created.Invoice.Kind)
	assert.Equal(t, int64(1000), created.Invoice.Total)
	assert.True(t, created.Subscription.CurrentPeriodEnd.Equal(testStart.AddDate(0, 1, 0)))

	sub, err := f.svc.RecordPaymentOutcome(ctx, created.Invoice.ID, true)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, int64(2), sub.Version)

	invoice := f.invoice(t, created.Invoice.ID)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, invoice.Status)
	require.NotNil(t, invoice.PaidAt)

	// A duplicate success is absorbed without touching the subscription.
	again, err := f.svc.RecordPaymentOutcome(ctx, created.Invoice.ID, true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), again.Version)
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	f := newFixture(t, config.DefaultBillingPolicy())
	ctx := context.Background()

	_, err := f.svc.Create(ctx, subscriptiondomain.CreateRequest{PlanID: "basic", BillingInterval: "monthly"})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTenant)

	_, err = f.svc.Create(ctx, subscriptiondomain.CreateRequest{TenantID: "t", PlanID: "gold", BillingInterval: "monthly"})
	assert.ErrorIs(t, err, subscriptiondomain.ErrPlanNotFound)

	_, err = f.svc.Create(ctx, subscriptiondomain.CreateRequest{TenantID: "t", PlanID: "legacy", BillingInterval: "monthly"})
	assert.ErrorIs(t, err, subscriptiondomain.ErrPlanNotFound)

	_, err = f.svc.Create(ctx, subscriptiondomain.CreateRequest{TenantID: "t", PlanID: "basic", BillingInterval: "weekly"})
	assert.ErrorIs(t, err, plandomain.ErrInvalidInterval)

	assert.Zero(t, dbtest.Count(t, f.db, `SELECT COUNT(*) FROM subscriptions`))
}

func TestCreateEnforcesSingleLiveSubscription(t *testing.T) {
	f := newFixture(t, config.DefaultBillingPolicy())
	ctx := context.Background()

	sub := f.active(t, "tenant_1", "basic")

	_, err := f.svc.Create(ctx, subscriptiondomain.CreateRequest{TenantID: "tenant_1", PlanID: "pro", BillingInterval: "monthly"})
	var conflict *subscriptiondomain.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, sub.ID, conflict.SubscriptionID)

	_, err = f.svc.Cancel(ctx, subscriptiondomain.CancelRequest{SubscriptionID: sub.ID, ExpectedVersion: sub.Version, Immediate: true})
	require.NoError(t, err)

	next := f.create(t, "tenant_1", "pro")
	assert.NotEqual(t, sub.ID, next.Subscription.ID)
}

func TestUpgradeProratesRemainingPeriod(t *testing.T) {
	f := newFixture(t, config.DefaultBillingPolicy())
	sub := f.active(t, "tenant_1", "basic")
	f.clock.Advance(10 * 24 * time.Hour)

	result, err := f.svc.Upgrade(context.Background(), subscriptiondomain.ChangePlanRequest{
		SubscriptionID:  sub.ID,
		NewPlanID:       "pro",
		ExpectedVersion: sub.Version,
	})
	require.NoError(t, err)

	assert.Equal(t, "pro", result.Subscription.PlanID)
	assert.Equal(t, int64(3000), result.Subscription.Amount)
	assert.Equal(t, sub.Version+1, result.Subscription.Version)
	assert.True(t, result.Subscription.CurrentPeriodEnd.Equal(sub.CurrentPeriodEnd))

	require.NotNil(t, result.Invoice)
	assert.Equal(t, invoicedomain.InvoiceKindProration, result.Invoice.Kind)
	amounts := map[invoicedomain.LineKind]int64{}
	for _, item := range result.Invoice.Items {
		amounts[item.Kind] = item.Amount
	}
	assert.Equal(t, int64(-667), amounts[invoicedomain.LineKindProrationCredit])
	assert.Equal(t, int64(2000), amounts[invoicedomain.LineKindProrationCharge])
	assert.Equal(t, int64(1333), result.Invoice.Total)
	assert.Equal(t, invoicedomain.InvoiceStatusOpen, result.Invoice.Status)
}

func TestUpgradeRejectsLowerTierAndStaleVersion(t *testing.T) {
	f := newFixture(t, config.DefaultBillingPolicy())
	ctx := context.Background()
	sub := f.active(t, "tenant_1", "pro")

	_, err := f.svc.Upgrade(ctx, subscriptiondomain.ChangePlanRequest{SubscriptionID: sub.ID, NewPlanID: "basic", ExpectedVersion: sub.Version})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)

	_, err = f.svc.Downgrade(ctx, subscriptiondomain.ChangePlanRequest{SubscriptionID: sub.ID, NewPlanID: "basic", ExpectedVersion: sub.Version - 1})
	var conflict *subscriptiondomain.VersionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, sub.Version, conflict.Actual)

	_, err = f.svc.Upgrade(ctx, subscriptiondomain.ChangePlanRequest{SubscriptionID: sub.ID, NewPlanID: "pro", ExpectedVersion: 0})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidExpectedVersion)

	assert.Equal(t, int64(1), f.invoiceCount(t, sub.ID))
}

func TestUpgradeRejectsIncomplete(t *testing.T) {
	f := newFixture(t, config.DefaultBillingPolicy())
	created := f.create(t, "tenant_1", "basic")

	_, err := f.svc.Upgrade(context.Background(), subscriptiondomain.ChangePlanRequest{
		SubscriptionID:  created.Subscription.ID,
		NewPlanID:       "pro",
		ExpectedVersion: created.Subscription.Version,
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)
}

func TestConcurrentUpgradeOnlyOneWins(t *testing.T) {
	f := newFixture(t, config.DefaultBillingPolicy())
	sub := f.active(t, "tenant_1", "basic")
	f.clock.Advance(24 * time.Hour)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Upgrade(context.Background(), subscriptiondomain.ChangePlanRequest{
				SubscriptionID:  sub.ID,
				NewPlanID:       "pro",
				ExpectedVersion: sub.Version,
			})
		}(i)
	}
	wg.Wait()

	succeeded, conflicted := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case assert.ErrorIs(t, err, subscriptiondomain.ErrVersionConflict):
			conflicted++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, conflicted)
	assert.Equal(t, int64(1), dbtest.Count(t, f.db,
		`SELECT COUNT(*) FROM invoices WHERE subscription_id = ? AND kind = 'proration'`, sub.ID))

	current, err := f.svc.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.Version+1, current.Version)
}

func TestDowngradeAppliesAtRenewal(t *testing.T) {
	f := newFixture(t, config.DefaultBillingPolicy())
	ctx := context.Background()
	sub := f.active(t, "tenant_1", "pro")

	pending, err := f.svc.Downgrade(ctx, subscriptiondomain.ChangePlanRequest{SubscriptionID: sub.ID, NewPlanID: "Basic", ExpectedVersion: sub.Version})
	require.NoError(t, err)
	require.NotNil(t, pending.PendingPlanID)
	assert.Equal(t, "basic", *pending.PendingPlanID)
	assert.Equal(t, "pro", pending.PlanID)
	assert.Equal(t, int64(3000), pending.Amount)
	assert.Equal(t, int64(1), f.invoiceCount(t, sub.ID))

	f.clock.Set(sub.CurrentPeriodEnd)
	renewed, err := f.svc.Renew(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.RenewOutcomeRenewed, renewed.Outcome)
	assert.Equal(t, "basic", renewed.Subscription.PlanID)
	assert.Equal(t, int64(1000), renewed.Subscription.Amount)
	assert.Nil(t, renewed.Subscription.PendingPlanID)
	assert.True(t, renewed.Subscription.CurrentPeriodStart.Equal(sub.CurrentPeriodEnd))

	require.NotNil(t, renewed.Invoice)
	assert.Equal(t, invoicedomain.InvoiceKindRenewal, renewed.Invoice.Kind)
	assert.Equal(t, int64(1000), renewed.Invoice.Total)
	assert.Equal(t, invoicedomain.InvoiceStatusOpen, renewed.Invoice.Status)

	again, err := f.svc.Renew(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.RenewOutcomeSkipped, again.Outcome)
	assert.Equal(t, int64(2), f.invoiceCount(t, sub.ID))
}

func TestCancelAtPeriodEndThenRenew(t *testing.T) {
	f := newFixture(t, config.DefaultBillingPolicy())
	ctx := context.Background()
	sub := f.active(t, "tenant_1", "basic")

	result, err := f.svc.Cancel(ctx, subscriptiondomain.CancelRequest{SubscriptionID: sub.ID, ExpectedVersion: sub.Version})
	require.NoError(t, err)
	assert.True(t, result.Subscription.CancelAtPeriodEnd)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, result.Subscription.Status)

	f.clock.Set(sub.CurrentPeriodEnd.Add(time.Minute))
	renewed, err := f.svc.Renew(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.RenewOutcomeCanceled, renewed.Outcome)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCanceled, renewed.Subscription.Status)
	assert.Nil(t, renewed.Invoice)
	assert.Equal(t, int64(1), f.invoiceCount(t, sub.ID))

	_, err = f.svc.Renew(ctx, sub.ID)
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)
}

func TestImmediateCancelVoidsOpenInvoices(t *testing.T) {
	f := newFixture(t, config.DefaultBillingPolicy())
	created := f.create(t, "tenant_1", "basic")

	result, err := f.svc.Cancel(context.Background(), subscriptiondomain.CancelRequest{
		SubscriptionID:  created.Subscription.ID,
		ExpectedVersion: created.Subscription.Version,
		Immediate:       true,
	})
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCanceled, result.Subscription.Status)
	require.NotNil(t, result.Subscription.CanceledAt)
	require.NotNil(t, result.Subscription.EndedAt)
	assert.Nil(t, result.CreditNote)
	assert.Equal(t, invoicedomain.InvoiceStatusVoid, f.invoice(t, created.Invoice.ID).Status)
}

func TestImmediateCancelWithRefundIssuesCreditNote(t *testing.T) {
	policy := config.DefaultBillingPolicy()
	policy.RefundOnImmediateCancel = true
	f := newFixture(t, policy)
	sub := f.active(t, "tenant_1", "basic")
	f.clock.Advance(15 * 24 * time.Hour)

	result, err := f.svc.Cancel(context.Background(), subscriptiondomain.CancelRequest{
		SubscriptionID:  sub.ID,
		ExpectedVersion: sub.Version,
		Immediate:       true,
	})
	require.NoError(t, err)
	require.NotNil(t, result.CreditNote)
	assert.Equal(t, invoicedomain.InvoiceKindCancellation, result.CreditNote.Kind)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, result.CreditNote.Status)
	assert.Equal(t, int64(0), result.CreditNote.Total)
	assert.Equal(t, int64(500), result.CreditNote.UnappliedCredit)
}

func TestPaymentFailuresWalkGracePeriod(t *testing.T) {
	f := newFixture(t, config.DefaultBillingPolicy())
	ctx := context.Background()
	sub := f.active(t, "tenant_1", "basic")

	f.clock.Set(sub.CurrentPeriodEnd)
	renewed, err := f.svc.Renew(ctx, sub.ID)
	require.NoError(t, err)
	invoiceID := renewed.Invoice.ID

	after, err := f.svc.RecordPaymentOutcome(ctx, invoiceID, false)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusPastDue, after.Status)
	assert.Equal(t, 1, after.FailedPaymentCount)

	after, err = f.svc.RecordPaymentOutcome(ctx, invoiceID, false)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusPastDue, after.Status)
	assert.Equal(t, 2, after.FailedPaymentCount)

	after, err = f.svc.RecordPaymentOutcomeStrict(ctx, invoiceID, false)
	assert.ErrorIs(t, err, subscriptiondomain.ErrPaymentDeclined)
	require.NotNil(t, after)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCanceled, after.Status)
	assert.Equal(t, invoicedomain.InvoiceStatusUncollectible, f.invoice(t, invoiceID).Status)

	// Late success for a written-off invoice changes nothing.
	late, err := f.svc.RecordPaymentOutcome(ctx, invoiceID, true)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCanceled, late.Status)
}

func TestUnpaidRecoversOnSuccess(t *testing.T) {
	policy := config.DefaultBillingPolicy()
	policy.CancelWhenUnpaid = false
	policy.GracePeriodFailures = 2
	f := newFixture(t, policy)
	ctx := context.Background()
	sub := f.active(t, "tenant_1", "basic")

	f.clock.Set(sub.CurrentPeriodEnd)
	renewed, err := f.svc.Renew(ctx, sub.ID)
	require.NoError(t, err)
	invoiceID := renewed.Invoice.ID

	for i := 0; i < 2; i++ {
		_, err = f.svc.RecordPaymentOutcome(ctx, invoiceID, false)
		require.NoError(t, err)
	}
	unpaid, err := f.svc.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusUnpaid, unpaid.Status)
	assert.Equal(t, invoicedomain.InvoiceStatusOpen, f.invoice(t, invoiceID).Status)

	recovered, err := f.svc.RecordPaymentOutcome(ctx, invoiceID, true)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, recovered.Status)
	assert.Zero(t, recovered.FailedPaymentCount)
}

func TestTrialConvertsAfterFirstPayment(t *testing.T) {
	f := newFixture(t, config.DefaultBillingPolicy())
	ctx := context.Background()

	created := f.create(t, "tenant_1", "team")
	assert.Equal(t, subscriptiondomain.SubscriptionStatusTrialing, created.Subscription.Status)
	assert.Nil(t, created.Invoice)
	assert.False(t, created.RequiresConfirmation)
	trialEnd := testStart.AddDate(0, 0, 14)
	assert.True(t, created.Subscription.CurrentPeriodEnd.Equal(trialEnd))

	early, err := f.svc.Renew(ctx, created.Subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.RenewOutcomeSkipped, early.Outcome)

	f.clock.Set(trialEnd)
	renewed, err := f.svc.Renew(ctx, created.Subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.RenewOutcomeRenewed, renewed.Outcome)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusTrialing, renewed.Subscription.Status)
	require.NotNil(t, renewed.Invoice)
	assert.Equal(t, invoicedomain.InvoiceKindInitial, renewed.Invoice.Kind)
	assert.Equal(t, int64(2000), renewed.Invoice.Total)

	paid, err := f.svc.RecordPaymentOutcome(ctx, renewed.Invoice.ID, true)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, paid.Status)
}

func TestExpireIncomplete(t *testing.T) {
	f := newFixture(t, config.DefaultBillingPolicy())
	ctx := context.Background()
	created := f.create(t, "tenant_1", "basic")
	f.active(t, "tenant_2", "basic")

	n, err := f.svc.ExpireIncomplete(ctx, testStart.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.svc.ExpireIncomplete(ctx, testStart.Add(24*time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	expired, err := f.svc.Get(ctx, created.Subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusIncompleteExpired, expired.Status)
	require.NotNil(t, expired.EndedAt)
	assert.Equal(t, invoicedomain.InvoiceStatusVoid, f.invoice(t, created.Invoice.ID).Status)

	_, err = f.svc.GetLiveByTenant(ctx, "tenant_1")
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)
}

func TestRenewSkipsWhileLockHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := lock.NewRedisLocker(client)

	f := newFixture(t, config.DefaultBillingPolicy(), withLocker(locker))
	ctx := context.Background()
	sub := f.active(t, "tenant_1", "basic")
	f.clock.Set(sub.CurrentPeriodEnd)

	token, ok, err := locker.TryLock(ctx, lock.RenewalKey(sub.ID), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	locked, err := f.svc.Renew(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.RenewOutcomeLocked, locked.Outcome)
	assert.Equal(t, int64(1), f.invoiceCount(t, sub.ID))

	require.NoError(t, locker.Release(ctx, lock.RenewalKey(sub.ID), token))
	renewed, err := f.svc.Renew(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.RenewOutcomeRenewed, renewed.Outcome)
	assert.False(t, mr.Exists(lock.RenewalKey(sub.ID)))
}

func TestListInvoicesNewestFirst(t *testing.T) {
	f := newFixture(t, config.DefaultBillingPolicy())
	ctx := context.Background()
	sub := f.active(t, "tenant_1", "basic")
	f.clock.Set(sub.CurrentPeriodEnd)
	_, err := f.svc.Renew(ctx, sub.ID)
	require.NoError(t, err)

	invoices, err := f.svc.ListInvoices(ctx, sub.ID, 0)
	require.NoError(t, err)
	require.Len(t, invoices, 2)
	assert.Equal(t, invoicedomain.InvoiceKindRenewal, invoices[0].Kind)
	assert.Equal(t, invoicedomain.InvoiceKindInitial, invoices[1].Kind)

	due, err := f.svc.ListDueForRenewal(ctx, testStart.AddDate(0, 3, 0), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{sub.ID}, due)
}

// openUpgradeAndRenewal leaves an active subscription with an unpaid
// proration invoice and an unpaid renewal invoice.
func (f *fixture) openUpgradeAndRenewal(t *testing.T) (sub *subscriptiondomain.Subscription, proration, renewal string) {
	t.Helper()
	ctx := context.Background()
	sub = f.active(t, "tenant_1", "basic")

	f.clock.Advance(10 * 24 * time.Hour)
	upgraded, err := f.svc.Upgrade(ctx, subscriptiondomain.ChangePlanRequest{
		SubscriptionID:  sub.ID,
		NewPlanID:       "pro",
		ExpectedVersion: sub.Version,
	})
	require.NoError(t, err)
	require.NotNil(t, upgraded.Invoice)

	f.clock.Set(sub.CurrentPeriodEnd)
	renewed, err := f.svc.Renew(ctx, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, renewed.Invoice)
	return sub, upgraded.Invoice.ID, renewed.Invoice.ID
}

func TestCancelWhenUnpaidWritesOffEveryOpenInvoice(t *testing.T) {
	f := newFixture(t, config.DefaultBillingPolicy())
	ctx := context.Background()
	sub, proration, renewal := f.openUpgradeAndRenewal(t)

	for i := 0; i < 3; i++ {
		_, err := f.svc.RecordPaymentOutcome(ctx, renewal, false)
		require.NoError(t, err)
	}

	canceled, err := f.svc.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCanceled, canceled.Status)
	assert.Equal(t, invoicedomain.InvoiceStatusUncollectible, f.invoice(t, renewal).Status)
	assert.Equal(t, invoicedomain.InvoiceStatusUncollectible, f.invoice(t, proration).Status)

	open, err := f.invoices.CountOpenForSubscription(ctx, f.db, sub.ID)
	require.NoError(t, err)
	assert.Zero(t, open)
}

func TestPaymentReactivatesOnlyOnceNothingIsOwed(t *testing.T) {
	f := newFixture(t, config.DefaultBillingPolicy())
	ctx := context.Background()
	sub, proration, renewal := f.openUpgradeAndRenewal(t)

	failed, err := f.svc.RecordPaymentOutcome(ctx, renewal, false)
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.SubscriptionStatusPastDue, failed.Status)

	partial, err := f.svc.RecordPaymentOutcome(ctx, renewal, true)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusPastDue, partial.Status)
	assert.Equal(t, 1, partial.FailedPaymentCount)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, f.invoice(t, renewal).Status)

	settled, err := f.svc.RecordPaymentOutcome(ctx, proration, true)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, settled.ID)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, settled.Status)
	assert.Zero(t, settled.FailedPaymentCount)
}

func TestChargeOutcomeMustMatchInvoice(t *testing.T) {
	f := newFixture(t, config.DefaultBillingPolicy())
	ctx := context.Background()
	created := f.create(t, "tenant_1", "basic")
	invoice := created.Invoice
	require.NotNil(t, invoice)

	_, err := f.svc.RecordChargeOutcome(ctx, subscriptiondomain.ChargeOutcome{
		InvoiceID: invoice.ID,
		Succeeded: true,
		Amount:    invoice.Total - 1,
		Currency:  invoice.Currency,
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrAmountMismatch)

	_, err = f.svc.RecordChargeOutcome(ctx, subscriptiondomain.ChargeOutcome{
		InvoiceID: invoice.ID,
		Succeeded: true,
		Amount:    invoice.Total,
		Currency:  "jpy",
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrCurrencyMismatch)

	assert.Equal(t, invoicedomain.InvoiceStatusOpen, f.invoice(t, invoice.ID).Status)
	pending, err := f.svc.Get(ctx, created.Subscription.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusIncomplete, pending.Status)

	paid, err := f.svc.RecordChargeOutcome(ctx, subscriptiondomain.ChargeOutcome{
		InvoiceID: invoice.ID,
		Succeeded: true,
		Amount:    invoice.Total,
		Currency:  strings.ToUpper(invoice.Currency),
	})
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, paid.Status)
}

func TestRenewSkipsAlreadyInvoicedPeriod(t *testing.T) {
	f := newFixture(t, config.DefaultBillingPolicy())
	ctx := context.Background()
	sub := f.active(t, "tenant_1", "basic")

	f.clock.Set(sub.CurrentPeriodEnd)
	renewed, err := f.svc.Renew(ctx, sub.ID)
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.RenewOutcomeRenewed, renewed.Outcome)

	// Roll the period back as a stale replica would see it.
	require.NoError(t, f.db.Exec(
		`UPDATE subscriptions SET current_period_start = ?, current_period_end = ? WHERE id = ?`,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.ID,
	).Error)

	again, err := f.svc.Renew(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.RenewOutcomeSkipped, again.Outcome)
	require.NotNil(t, again.Invoice)
	assert.Equal(t, renewed.Invoice.ID, again.Invoice.ID)
	assert.Equal(t, int64(2), f.invoiceCount(t, sub.ID))
}
