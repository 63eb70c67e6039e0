package service

import (
	"context"
	"strings"

	invoicedomain "github.com/smallbiznis/tenantbilling/internal/invoice/domain"
	"github.com/smallbiznis/tenantbilling/internal/lock"
	"github.com/smallbiznis/tenantbilling/internal/observability/metrics"
	"github.com/smallbiznis/tenantbilling/internal/proration"
	subscriptiondomain "github.com/smallbiznis/tenantbilling/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opCancel = "cancel"
	opRenew  = "renew"
)

func (s *Service) Cancel(ctx context.Context, req subscriptiondomain.CancelRequest) (*subscriptiondomain.CancelResult, error) {
	var (
		result subscriptiondomain.CancelResult
		from   subscriptiondomain.SubscriptionStatus
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.loadForChange(ctx, tx, req.SubscriptionID, req.ExpectedVersion)
		if err != nil {
			return err
		}
		if sub.Status.IsTerminal() {
			return &subscriptiondomain.InvalidTransitionError{From: sub.Status, Op: opCancel}
		}
		from = sub.Status
		expected := sub.Version
		now := s.clock.Now()

		if !req.Immediate {
			sub.CancelAtPeriodEnd = true
			sub.UpdatedAt = now
			if err := s.save(ctx, tx, sub, expected); err != nil {
				return err
			}
			result.Subscription = *sub
			return nil
		}

		var creditNote *invoicedomain.Invoice
		if s.policy.Get().RefundOnImmediateCancel && sub.Status == subscriptiondomain.SubscriptionStatusActive {
			creditNote, err = s.buildCreditNote(ctx, tx, sub)
			if err != nil {
				return err
			}
		}

		if _, err := s.invoices.VoidOpenForSubscription(ctx, tx, sub.ID); err != nil {
			return err
		}
		if creditNote != nil {
			if _, err := s.invoices.Insert(ctx, tx, creditNote); err != nil {
				return err
			}
		}

		if err := moveTo(sub, opCancel, subscriptiondomain.SubscriptionStatusCanceled); err != nil {
			return err
		}
		sub.CanceledAt = &now
		sub.EndedAt = &now
		sub.PendingPlanID = nil
		sub.UpdatedAt = now
		if err := s.save(ctx, tx, sub, expected); err != nil {
			return err
		}
		result = subscriptiondomain.CancelResult{Subscription: *sub, CreditNote: creditNote}
		return nil
	})
	if err != nil {
		return nil, s.conflict(opCancel, err)
	}

	sub := result.Subscription
	if req.Immediate {
		s.recordTransition(ctx, opCancel, from, sub)
	} else {
		s.log.Info("subscription cancellation scheduled",
			zap.String("subscription_id", sub.ID),
			zap.Time("effective_at", sub.CurrentPeriodEnd),
		)
	}
	return &result, nil
}

// buildCreditNote credits the unused share of the current period price.
func (s *Service) buildCreditNote(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription) (*invoicedomain.Invoice, error) {
	prorated, err := proration.Calculate(proration.Input{
		OldAmount:   sub.Amount,
		NewAmount:   0,
		PeriodStart: sub.CurrentPeriodStart,
		PeriodEnd:   sub.CurrentPeriodEnd,
		Now:         s.clock.Now(),
	})
	if err != nil {
		return nil, err
	}
	if prorated.Credit == 0 {
		return nil, nil
	}
	planName := sub.PlanID
	if plan, err := s.plans.FindByID(ctx, tx, sub.PlanID); err != nil {
		return nil, err
	} else if plan != nil {
		planName = plan.Name
	}
	return s.invoices.BuildCancellationCredit(ctx, tx, invoicedomain.CancellationRequest{
		SubscriptionID: sub.ID,
		TenantID:       sub.TenantID,
		Currency:       sub.Currency,
		PlanName:       planName,
		Credit:         prorated.Credit,
		PeriodEnd:      sub.CurrentPeriodEnd,
	})
}

// Renew closes the current period of a due subscription. It either ends a
// scheduled cancellation or opens the next period with its invoice. Running
// it twice for the same period is a no-op.
func (s *Service) Renew(ctx context.Context, subscriptionID string) (*subscriptiondomain.RenewResult, error) {
	subscriptionID = strings.TrimSpace(subscriptionID)
	if subscriptionID == "" {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}

	if s.locker != nil {
		key := lock.RenewalKey(subscriptionID)
		token, ok, err := s.locker.TryLock(ctx, key, s.lockTTL)
		switch {
		case err != nil:
			// The version check still guards the write.
			s.log.Warn("renewal lock unavailable", zap.String("subscription_id", subscriptionID), zap.Error(err))
		case !ok:
			s.metrics.IncRenewal(metrics.RenewalResultLocked)
			return &subscriptiondomain.RenewResult{Outcome: subscriptiondomain.RenewOutcomeLocked}, nil
		default:
			defer func() {
				if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
					s.log.Warn("failed to release renewal lock", zap.String("subscription_id", subscriptionID), zap.Error(err))
				}
			}()
		}
	}

	var (
		result subscriptiondomain.RenewResult
		from   subscriptiondomain.SubscriptionStatus
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.FindByID(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if sub == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		if sub.Status.IsTerminal() || sub.Status == subscriptiondomain.SubscriptionStatusIncomplete {
			return &subscriptiondomain.InvalidTransitionError{From: sub.Status, Op: opRenew}
		}
		from = sub.Status
		now := s.clock.Now()
		if now.Before(sub.CurrentPeriodEnd) {
			result = subscriptiondomain.RenewResult{Outcome: subscriptiondomain.RenewOutcomeSkipped, Subscription: *sub}
			return nil
		}

		expected := sub.Version
		if sub.CancelAtPeriodEnd {
			if err := moveTo(sub, opRenew, subscriptiondomain.SubscriptionStatusCanceled); err != nil {
				return err
			}
			endedAt := sub.CurrentPeriodEnd
			sub.CanceledAt = &now
			sub.EndedAt = &endedAt
			sub.PendingPlanID = nil
			sub.UpdatedAt = now
			if err := s.save(ctx, tx, sub, expected); err != nil {
				return err
			}
			result = subscriptiondomain.RenewResult{Outcome: subscriptiondomain.RenewOutcomeCanceled, Subscription: *sub}
			return nil
		}

		planID := sub.PlanID
		if sub.PendingPlanID != nil {
			planID = *sub.PendingPlanID
		}
		plan, err := s.plans.FindByID(ctx, tx, planID)
		if err != nil {
			return err
		}
		if plan == nil {
			return &subscriptiondomain.PlanNotFoundError{PlanID: planID}
		}
		amount, err := plan.PriceFor(sub.BillingInterval)
		if err != nil {
			return err
		}

		kind := invoicedomain.InvoiceKindRenewal
		if sub.Status == subscriptiondomain.SubscriptionStatusTrialing {
			kind = invoicedomain.InvoiceKindInitial
		}
		periodStart := sub.CurrentPeriodEnd
		periodEnd := sub.BillingInterval.AdvanceAnchored(periodStart, sub.BillingAnchorDay)

		existing, err := s.invoices.FindPeriodInvoice(ctx, tx, sub.ID, periodStart)
		if err != nil {
			return err
		}
		if existing != nil {
			s.log.Warn("period already invoiced",
				zap.String("subscription_id", sub.ID),
				zap.String("invoice_id", existing.ID),
				zap.Time("period_start", periodStart),
			)
			result = subscriptiondomain.RenewResult{Outcome: subscriptiondomain.RenewOutcomeSkipped, Subscription: *sub, Invoice: existing}
			return nil
		}

		invoice, err := s.invoices.BuildPeriodInvoice(ctx, tx, invoicedomain.PeriodRequest{
			SubscriptionID: sub.ID,
			TenantID:       sub.TenantID,
			Kind:           kind,
			PlanName:       plan.Name,
			Amount:         amount,
			Currency:       sub.Currency,
			PeriodStart:    periodStart,
			PeriodEnd:      periodEnd,
		})
		if err != nil {
			return err
		}
		inserted, err := s.invoices.Insert(ctx, tx, invoice)
		if err != nil {
			return err
		}
		if !inserted {
			result = subscriptiondomain.RenewResult{Outcome: subscriptiondomain.RenewOutcomeSkipped, Subscription: *sub}
			return nil
		}

		sub.PlanID = plan.ID
		sub.Amount = amount
		sub.PendingPlanID = nil
		sub.CurrentPeriodStart = periodStart
		sub.CurrentPeriodEnd = periodEnd
		sub.UpdatedAt = now
		if sub.Status == subscriptiondomain.SubscriptionStatusTrialing && invoice.Status == invoicedomain.InvoiceStatusPaid {
			if err := moveTo(sub, opRenew, subscriptiondomain.SubscriptionStatusActive); err != nil {
				return err
			}
		}
		if err := s.save(ctx, tx, sub, expected); err != nil {
			return err
		}
		result = subscriptiondomain.RenewResult{Outcome: subscriptiondomain.RenewOutcomeRenewed, Subscription: *sub, Invoice: invoice}
		return nil
	})
	if err != nil {
		s.metrics.IncRenewal(metrics.RenewalResultError)
		return nil, s.conflict(opRenew, err)
	}

	s.metrics.IncRenewal(string(result.Outcome))
	switch result.Outcome {
	case subscriptiondomain.RenewOutcomeRenewed:
		s.log.Info("subscription renewed",
			zap.String("subscription_id", result.Subscription.ID),
			zap.Time("period_start", result.Subscription.CurrentPeriodStart),
			zap.Time("period_end", result.Subscription.CurrentPeriodEnd),
		)
		s.recordTransition(ctx, opRenew, from, result.Subscription)
		s.notifyInvoice(ctx, result.Subscription, result.Invoice)
	case subscriptiondomain.RenewOutcomeCanceled:
		s.recordTransition(ctx, opRenew, from, result.Subscription)
	}
	return &result, nil
}
