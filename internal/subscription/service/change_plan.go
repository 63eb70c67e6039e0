package service

import (
	"context"
	"strings"

	"github.com/samber/lo"
	invoicedomain "github.com/smallbiznis/tenantbilling/internal/invoice/domain"
	plandomain "github.com/smallbiznis/tenantbilling/internal/plan/domain"
	"github.com/smallbiznis/tenantbilling/internal/proration"
	subscriptiondomain "github.com/smallbiznis/tenantbilling/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opUpgrade   = "upgrade"
	opDowngrade = "downgrade"
)

// Upgrade moves the subscription onto a higher tier immediately and bills the
// prorated difference for the rest of the current period.
func (s *Service) Upgrade(ctx context.Context, req subscriptiondomain.ChangePlanRequest) (*subscriptiondomain.ChangePlanResult, error) {
	var (
		result subscriptiondomain.ChangePlanResult
		from   subscriptiondomain.SubscriptionStatus
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, current, target, err := s.prepareChange(ctx, tx, req, opUpgrade)
		if err != nil {
			return err
		}
		if target.TierRank <= current.TierRank {
			return &subscriptiondomain.InvalidTransitionError{From: sub.Status, Op: opUpgrade, Reason: "target plan is not a higher tier"}
		}
		newAmount, err := target.PriceFor(sub.BillingInterval)
		if err != nil {
			return err
		}
		from = sub.Status
		now := s.clock.Now()

		var invoice *invoicedomain.Invoice
		if sub.Status != subscriptiondomain.SubscriptionStatusTrialing {
			prorated, err := proration.Calculate(proration.Input{
				OldAmount:   sub.Amount,
				NewAmount:   newAmount,
				PeriodStart: sub.CurrentPeriodStart,
				PeriodEnd:   sub.CurrentPeriodEnd,
				Now:         now,
			})
			if err != nil {
				return err
			}
			invoice, err = s.invoices.BuildProrationInvoice(ctx, tx, invoicedomain.ProrationRequest{
				SubscriptionID: sub.ID,
				TenantID:       sub.TenantID,
				Currency:       sub.Currency,
				OldPlanName:    current.Name,
				NewPlanName:    target.Name,
				Result:         prorated,
				PeriodEnd:      sub.CurrentPeriodEnd,
			})
			if err != nil {
				return err
			}
			if _, err := s.invoices.Insert(ctx, tx, invoice); err != nil {
				return err
			}
		}

		expected := sub.Version
		sub.PlanID = target.ID
		sub.Amount = newAmount
		sub.PendingPlanID = nil
		sub.UpdatedAt = now
		if err := s.save(ctx, tx, sub, expected); err != nil {
			return err
		}

		result = subscriptiondomain.ChangePlanResult{Subscription: *sub, Invoice: invoice}
		return nil
	})
	if err != nil {
		return nil, s.conflict(opUpgrade, err)
	}

	sub := result.Subscription
	s.metrics.IncTransition(opUpgrade, string(from), string(sub.Status))
	s.log.Info("subscription upgraded",
		zap.String("subscription_id", sub.ID),
		zap.String("plan_id", sub.PlanID),
		zap.Int64("amount", sub.Amount),
		zap.Int64("version", sub.Version),
	)
	s.notifyInvoice(ctx, sub, result.Invoice)
	return &result, nil
}

// Downgrade records a lower-tier plan to take effect at the next renewal.
func (s *Service) Downgrade(ctx context.Context, req subscriptiondomain.ChangePlanRequest) (*subscriptiondomain.Subscription, error) {
	var updated subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, current, target, err := s.prepareChange(ctx, tx, req, opDowngrade)
		if err != nil {
			return err
		}
		if target.TierRank >= current.TierRank {
			return &subscriptiondomain.InvalidTransitionError{From: sub.Status, Op: opDowngrade, Reason: "target plan is not a lower tier"}
		}
		if _, err := target.PriceFor(sub.BillingInterval); err != nil {
			return err
		}

		expected := sub.Version
		pending := target.ID
		sub.PendingPlanID = &pending
		sub.UpdatedAt = s.clock.Now()
		if err := s.save(ctx, tx, sub, expected); err != nil {
			return err
		}
		updated = *sub
		return nil
	})
	if err != nil {
		return nil, s.conflict(opDowngrade, err)
	}

	s.log.Info("subscription downgrade scheduled",
		zap.String("subscription_id", updated.ID),
		zap.String("pending_plan_id", lo.FromPtr(updated.PendingPlanID)),
		zap.Time("effective_at", updated.CurrentPeriodEnd),
	)
	return &updated, nil
}

// prepareChange loads the subscription with its current and target plans and
// rejects states where a plan change cannot apply.
func (s *Service) prepareChange(ctx context.Context, tx *gorm.DB, req subscriptiondomain.ChangePlanRequest, op string) (*subscriptiondomain.Subscription, *plandomain.Plan, *plandomain.Plan, error) {
	sub, err := s.loadForChange(ctx, tx, req.SubscriptionID, req.ExpectedVersion)
	if err != nil {
		return nil, nil, nil, err
	}
	if sub.Status.IsTerminal() || sub.Status == subscriptiondomain.SubscriptionStatusIncomplete {
		return nil, nil, nil, &subscriptiondomain.InvalidTransitionError{From: sub.Status, Op: op}
	}
	if sub.CancelAtPeriodEnd {
		return nil, nil, nil, &subscriptiondomain.InvalidTransitionError{From: sub.Status, Op: op, Reason: "cancellation is scheduled"}
	}

	targetID := plandomain.NormalizeID(req.NewPlanID)
	if targetID == sub.PlanID {
		return nil, nil, nil, &subscriptiondomain.InvalidTransitionError{From: sub.Status, Op: op, Reason: "already on plan"}
	}
	target, err := s.loadActivePlan(ctx, tx, targetID)
	if err != nil {
		return nil, nil, nil, err
	}
	current, err := s.plans.FindByID(ctx, tx, sub.PlanID)
	if err != nil {
		return nil, nil, nil, err
	}
	if current == nil {
		return nil, nil, nil, &subscriptiondomain.PlanNotFoundError{PlanID: sub.PlanID}
	}
	if !strings.EqualFold(target.Currency, sub.Currency) {
		return nil, nil, nil, &subscriptiondomain.InvalidTransitionError{From: sub.Status, Op: op, Reason: subscriptiondomain.ErrCurrencyMismatch.Error()}
	}
	return sub, current, target, nil
}
