package repository

import (
	"context"
	"time"

	subscriptiondomain "github.com/smallbiznis/tenantbilling/internal/subscription/domain"
	"gorm.io/gorm"
)

const subscriptionColumns = `id, tenant_id, plan_id, status, billing_interval,
	current_period_start, current_period_end, cancel_at_period_end, trial_start, trial_end,
	amount, currency, version, pending_plan_id, payment_method_id, failed_payment_count,
	canceled_at, ended_at, created_at, updated_at, billing_anchor_day`

var terminalStatuses = []subscriptiondomain.SubscriptionStatus{
	subscriptiondomain.SubscriptionStatusCanceled,
	subscriptiondomain.SubscriptionStatusIncompleteExpired,
}

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, s *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID,
		s.TenantID,
		s.PlanID,
		s.Status,
		s.BillingInterval,
		s.CurrentPeriodStart,
		s.CurrentPeriodEnd,
		s.CancelAtPeriodEnd,
		s.TrialStart,
		s.TrialEnd,
		s.Amount,
		s.Currency,
		s.Version,
		s.PendingPlanID,
		s.PaymentMethodID,
		s.FailedPaymentCount,
		s.CanceledAt,
		s.EndedAt,
		s.CreatedAt,
		s.UpdatedAt,
		s.BillingAnchorDay,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id string) (*subscriptiondomain.Subscription, error) {
	var item subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == "" {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindLiveByTenant(ctx context.Context, db *gorm.DB, tenantID string) (*subscriptiondomain.Subscription, error) {
	var item subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE tenant_id = ? AND status NOT IN ?
		 LIMIT 1`,
		tenantID,
		terminalStatuses,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == "" {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) UpdateVersioned(ctx context.Context, db *gorm.DB, s *subscriptiondomain.Subscription, expected int64) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET plan_id = ?,
		     status = ?,
		     billing_interval = ?,
		     current_period_start = ?,
		     current_period_end = ?,
		     cancel_at_period_end = ?,
		     trial_start = ?,
		     trial_end = ?,
		     amount = ?,
		     currency = ?,
		     version = ?,
		     pending_plan_id = ?,
		     payment_method_id = ?,
		     failed_payment_count = ?,
		     canceled_at = ?,
		     ended_at = ?,
		     updated_at = ?
		 WHERE id = ? AND version = ?`,
		s.PlanID,
		s.Status,
		s.BillingInterval,
		s.CurrentPeriodStart,
		s.CurrentPeriodEnd,
		s.CancelAtPeriodEnd,
		s.TrialStart,
		s.TrialEnd,
		s.Amount,
		s.Currency,
		expected+1,
		s.PendingPlanID,
		s.PaymentMethodID,
		s.FailedPaymentCount,
		s.CanceledAt,
		s.EndedAt,
		s.UpdatedAt,
		s.ID,
		expected,
	)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	s.Version = expected + 1
	return true, nil
}

// ListDueForRenewal returns live subscriptions whose period has ended, oldest first.
func (r *repo) ListDueForRenewal(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).Raw(
		`SELECT id
		 FROM subscriptions
		 WHERE status IN ? AND current_period_end <= ?
		 ORDER BY current_period_end ASC, id ASC
		 LIMIT ?`,
		[]subscriptiondomain.SubscriptionStatus{
			subscriptiondomain.SubscriptionStatusTrialing,
			subscriptiondomain.SubscriptionStatusActive,
			subscriptiondomain.SubscriptionStatusPastDue,
			subscriptiondomain.SubscriptionStatusUnpaid,
		},
		now,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repo) ListIncompleteCreatedBefore(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	var items []subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE status = ? AND created_at <= ?
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		subscriptiondomain.SubscriptionStatusIncomplete,
		cutoff,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
