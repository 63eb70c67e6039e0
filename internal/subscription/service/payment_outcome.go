package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	invoicedomain "github.com/smallbiznis/tenantbilling/internal/invoice/domain"
	subscriptiondomain "github.com/smallbiznis/tenantbilling/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opPaymentSucceeded = "payment_succeeded"
	opPaymentFailed    = "payment_failed"
	opExpire           = "expire_incomplete"
)

func (s *Service) RecordPaymentOutcome(ctx context.Context, invoiceID string, succeeded bool) (*subscriptiondomain.Subscription, error) {
	return s.RecordChargeOutcome(ctx, subscriptiondomain.ChargeOutcome{InvoiceID: invoiceID, Succeeded: succeeded})
}

func (s *Service) RecordChargeOutcome(ctx context.Context, outcome subscriptiondomain.ChargeOutcome) (*subscriptiondomain.Subscription, error) {
	invoiceID := strings.TrimSpace(outcome.InvoiceID)
	if invoiceID == "" {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	op := opPaymentFailed
	if outcome.Succeeded {
		op = opPaymentSucceeded
	}

	var (
		updated subscriptiondomain.Subscription
		from    subscriptiondomain.SubscriptionStatus
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.invoices.Get(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		sub, err := s.repo.FindByID(ctx, tx, invoice.SubscriptionID)
		if err != nil {
			return err
		}
		if sub == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		from = sub.Status
		updated = *sub

		// Out-of-order deliveries: settled invoices absorb late events.
		if !invoice.Settleable() {
			s.log.Info("payment outcome ignored for settled invoice",
				zap.String("invoice_id", invoice.ID),
				zap.String("invoice_status", string(invoice.Status)),
				zap.Bool("succeeded", outcome.Succeeded),
			)
			return nil
		}

		if outcome.Succeeded {
			if err := matchCharge(invoice, outcome); err != nil {
				return err
			}
			if _, err := s.invoices.MarkPaid(ctx, tx, invoice.ID); err != nil {
				return err
			}
			if sub.Status.IsTerminal() {
				return nil
			}
			return s.applySuccess(ctx, tx, sub, &updated)
		}

		if sub.Status.IsTerminal() {
			return nil
		}
		return s.applyFailure(ctx, tx, sub, &updated)
	})
	if err != nil {
		return nil, s.conflict(op, err)
	}

	s.recordTransition(ctx, op, from, updated)
	return &updated, nil
}

func (s *Service) RecordPaymentOutcomeStrict(ctx context.Context, invoiceID string, succeeded bool) (*subscriptiondomain.Subscription, error) {
	sub, err := s.RecordPaymentOutcome(ctx, invoiceID, succeeded)
	if err != nil || succeeded {
		return sub, err
	}
	return sub, &subscriptiondomain.PaymentDeclinedError{
		InvoiceID:      strings.TrimSpace(invoiceID),
		SubscriptionID: sub.ID,
		Status:         sub.Status,
	}
}

func matchCharge(invoice *invoicedomain.Invoice, outcome subscriptiondomain.ChargeOutcome) error {
	if outcome.Currency != "" && !strings.EqualFold(strings.TrimSpace(outcome.Currency), invoice.Currency) {
		return fmt.Errorf("invoice %s in %s charged in %s: %w", invoice.ID, invoice.Currency, outcome.Currency, subscriptiondomain.ErrCurrencyMismatch)
	}
	if outcome.Amount != 0 && outcome.Amount != invoice.Total {
		return fmt.Errorf("invoice %s total %d charged %d: %w", invoice.ID, invoice.Total, outcome.Amount, subscriptiondomain.ErrAmountMismatch)
	}
	return nil
}

// applySuccess reactivates the subscription once nothing is left to collect.
// While other invoices stay open a delinquent subscription keeps its status.
func (s *Service) applySuccess(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, out *subscriptiondomain.Subscription) error {
	open, err := s.invoices.CountOpenForSubscription(ctx, tx, sub.ID)
	if err != nil {
		return err
	}
	if open > 0 {
		s.log.Info("subscription still has open invoices",
			zap.String("subscription_id", sub.ID),
			zap.String("status", string(sub.Status)),
			zap.Int64("open_invoices", open),
		)
		return nil
	}

	expected := sub.Version
	sub.FailedPaymentCount = 0
	switch sub.Status {
	case subscriptiondomain.SubscriptionStatusIncomplete,
		subscriptiondomain.SubscriptionStatusTrialing,
		subscriptiondomain.SubscriptionStatusPastDue,
		subscriptiondomain.SubscriptionStatusUnpaid:
		if err := moveTo(sub, opPaymentSucceeded, subscriptiondomain.SubscriptionStatusActive); err != nil {
			return err
		}
	}
	sub.UpdatedAt = s.clock.Now()
	if err := s.save(ctx, tx, sub, expected); err != nil {
		return err
	}
	*out = *sub
	return nil
}

// applyFailure counts a declined charge. Past the grace threshold the
// subscription becomes unpaid and, when policy says so, is canceled with all
// of its open invoices written off.
func (s *Service) applyFailure(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, out *subscriptiondomain.Subscription) error {
	policy := s.policy.Get()
	expected := sub.Version
	now := s.clock.Now()

	sub.FailedPaymentCount++
	switch sub.Status {
	case subscriptiondomain.SubscriptionStatusActive, subscriptiondomain.SubscriptionStatusTrialing:
		if err := moveTo(sub, opPaymentFailed, subscriptiondomain.SubscriptionStatusPastDue); err != nil {
			return err
		}
	}

	if sub.FailedPaymentCount >= policy.GracePeriodFailures && sub.Status == subscriptiondomain.SubscriptionStatusPastDue {
		if err := moveTo(sub, opPaymentFailed, subscriptiondomain.SubscriptionStatusUnpaid); err != nil {
			return err
		}
	}
	if sub.Status == subscriptiondomain.SubscriptionStatusUnpaid && policy.CancelWhenUnpaid {
		if _, err := s.invoices.WriteOffOpenForSubscription(ctx, tx, sub.ID); err != nil {
			return err
		}
		if err := moveTo(sub, opPaymentFailed, subscriptiondomain.SubscriptionStatusCanceled); err != nil {
			return err
		}
		sub.CanceledAt = &now
		sub.EndedAt = &now
		sub.PendingPlanID = nil
	}

	sub.UpdatedAt = now
	if err := s.save(ctx, tx, sub, expected); err != nil {
		return err
	}
	*out = *sub
	return nil
}

// ExpireIncomplete ends subscriptions whose first invoice stayed unpaid past
// the configured window. Each subscription is handled in its own transaction.
func (s *Service) ExpireIncomplete(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := now.Add(-s.policy.Get().IncompleteExpiry)
	candidates, err := s.repo.ListIncompleteCreatedBefore(ctx, s.db, cutoff, limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		sub, err := s.expireOne(ctx, candidate.ID, now)
		if err != nil {
			var conflict *subscriptiondomain.VersionConflictError
			if errors.As(err, &conflict) {
				s.metrics.IncVersionConflict(opExpire)
				s.log.Info("incomplete subscription changed concurrently", zap.String("subscription_id", candidate.ID))
				continue
			}
			return expired, err
		}
		if sub == nil {
			continue
		}
		expired++
		s.recordTransition(ctx, opExpire, subscriptiondomain.SubscriptionStatusIncomplete, *sub)
	}
	return expired, nil
}

func (s *Service) expireOne(ctx context.Context, id string, now time.Time) (*subscriptiondomain.Subscription, error) {
	var updated *subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if sub == nil || sub.Status != subscriptiondomain.SubscriptionStatusIncomplete {
			return nil
		}
		expected := sub.Version
		if _, err := s.invoices.VoidOpenForSubscription(ctx, tx, sub.ID); err != nil {
			return err
		}
		if err := moveTo(sub, opExpire, subscriptiondomain.SubscriptionStatusIncompleteExpired); err != nil {
			return err
		}
		sub.EndedAt = &now
		sub.UpdatedAt = now
		if err := s.save(ctx, tx, sub, expected); err != nil {
			return err
		}
		updated = sub
		return nil
	})
	return updated, err
}
