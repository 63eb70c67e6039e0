package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/tenantbilling/internal/clock"
	"github.com/smallbiznis/tenantbilling/internal/config"
	invoicedomain "github.com/smallbiznis/tenantbilling/internal/invoice/domain"
	"github.com/smallbiznis/tenantbilling/internal/lock"
	"github.com/smallbiznis/tenantbilling/internal/notify"
	"github.com/smallbiznis/tenantbilling/internal/observability/metrics"
	plandomain "github.com/smallbiznis/tenantbilling/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/tenantbilling/internal/subscription/domain"
	"github.com/smallbiznis/tenantbilling/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultRenewalLockTTL = time.Minute

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	Config   config.Config
	Policy   *config.BillingPolicyHolder
	Repo     subscriptiondomain.Repository
	Plans    plandomain.Repository
	Invoices invoicedomain.Service
	Locker   lock.Locker      `optional:"true"`
	Notifier notify.Notifier  `optional:"true"`
	Metrics  *metrics.Billing `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	clock    clock.Clock
	policy   *config.BillingPolicyHolder
	repo     subscriptiondomain.Repository
	plans    plandomain.Repository
	invoices invoicedomain.Service
	locker   lock.Locker
	notifier notify.Notifier
	metrics  *metrics.Billing
	lockTTL  time.Duration
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	lockTTL := p.Config.Renewal.LockTTL
	if lockTTL <= 0 {
		lockTTL = defaultRenewalLockTTL
	}
	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),

		clock:    p.Clock,
		policy:   p.Policy,
		repo:     p.Repo,
		plans:    p.Plans,
		invoices: p.Invoices,
		locker:   p.Locker,
		notifier: p.Notifier,
		metrics:  p.Metrics,
		lockTTL:  lockTTL,
	}
}

// Create starts a subscription. Plans with a trial begin trialing without an
// invoice; others start incomplete with an open invoice for the first period.
func (s *Service) Create(ctx context.Context, req subscriptiondomain.CreateRequest) (*subscriptiondomain.CreateResult, error) {
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		return nil, subscriptiondomain.ErrInvalidTenant
	}
	interval, err := plandomain.ParseInterval(req.BillingInterval)
	if err != nil {
		return nil, err
	}
	planID := plandomain.NormalizeID(req.PlanID)

	var result subscriptiondomain.CreateResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		plan, err := s.loadActivePlan(ctx, tx, planID)
		if err != nil {
			return err
		}
		existing, err := s.repo.FindLiveByTenant(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		if existing != nil {
			return &subscriptiondomain.ConflictError{TenantID: tenantID, SubscriptionID: existing.ID}
		}
		amount, err := plan.PriceFor(interval)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		sub := subscriptiondomain.Subscription{
			ID:                 uuid.NewString(),
			TenantID:           tenantID,
			PlanID:             plan.ID,
			BillingInterval:    interval,
			CurrentPeriodStart: now,
			Amount:             amount,
			Currency:           plan.Currency,
			Version:            1,
			PaymentMethodID:    trimmedPtr(req.PaymentMethodID),
			CreatedAt:          now,
			UpdatedAt:          now,
		}

		var invoice *invoicedomain.Invoice
		if plan.HasTrial() {
			trialEnd := now.AddDate(0, 0, plan.TrialDays)
			sub.Status = subscriptiondomain.SubscriptionStatusTrialing
			sub.TrialStart = &now
			sub.TrialEnd = &trialEnd
			sub.CurrentPeriodEnd = trialEnd
			sub.BillingAnchorDay = trialEnd.Day()
		} else {
			sub.Status = subscriptiondomain.SubscriptionStatusIncomplete
			sub.BillingAnchorDay = now.Day()
			sub.CurrentPeriodEnd = interval.AdvanceAnchored(now, sub.BillingAnchorDay)
			invoice, err = s.invoices.BuildPeriodInvoice(ctx, tx, invoicedomain.PeriodRequest{
				SubscriptionID: sub.ID,
				TenantID:       tenantID,
				Kind:           invoicedomain.InvoiceKindInitial,
				PlanName:       plan.Name,
				Amount:         amount,
				Currency:       plan.Currency,
				PeriodStart:    sub.CurrentPeriodStart,
				PeriodEnd:      sub.CurrentPeriodEnd,
			})
			if err != nil {
				return err
			}
			if invoice.Status == invoicedomain.InvoiceStatusPaid {
				// Free plans settle at issue.
				sub.Status = subscriptiondomain.SubscriptionStatusActive
			}
		}

		if err := s.repo.Insert(ctx, tx, &sub); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return &subscriptiondomain.ConflictError{TenantID: tenantID}
			}
			return err
		}
		if invoice != nil {
			if _, err := s.invoices.Insert(ctx, tx, invoice); err != nil {
				return err
			}
		}

		result = subscriptiondomain.CreateResult{
			Subscription:         sub,
			Invoice:              invoice,
			RequiresConfirmation: invoice != nil && invoice.Status == invoicedomain.InvoiceStatusOpen,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sub := result.Subscription
	s.metrics.IncTransition("create", "", string(sub.Status))
	s.log.Info("subscription created",
		zap.String("subscription_id", sub.ID),
		zap.String("tenant_id", sub.TenantID),
		zap.String("plan_id", sub.PlanID),
		zap.String("status", string(sub.Status)),
	)
	if result.Invoice != nil {
		s.notifyInvoice(ctx, sub, result.Invoice)
	}
	return &result, nil
}

func (s *Service) Get(ctx context.Context, id string) (*subscriptiondomain.Subscription, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	item, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return item, nil
}

func (s *Service) GetLiveByTenant(ctx context.Context, tenantID string) (*subscriptiondomain.Subscription, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, subscriptiondomain.ErrInvalidTenant
	}
	item, err := s.repo.FindLiveByTenant(ctx, s.db, tenantID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return item, nil
}

func (s *Service) ListInvoices(ctx context.Context, subscriptionID string, limit int) ([]invoicedomain.Invoice, error) {
	sub, err := s.Get(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	return s.invoices.ListBySubscription(ctx, s.db, sub.ID, limit)
}

func (s *Service) ListDueForRenewal(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.ListDueForRenewal(ctx, s.db, now, limit)
}

func (s *Service) loadActivePlan(ctx context.Context, tx *gorm.DB, planID string) (*plandomain.Plan, error) {
	if planID == "" {
		return nil, &subscriptiondomain.PlanNotFoundError{PlanID: planID}
	}
	plan, err := s.plans.FindByID(ctx, tx, planID)
	if err != nil {
		return nil, err
	}
	if plan == nil || !plan.Active {
		return nil, &subscriptiondomain.PlanNotFoundError{PlanID: planID}
	}
	return plan, nil
}

// loadForChange reads the subscription inside tx and checks the caller's version.
func (s *Service) loadForChange(ctx context.Context, tx *gorm.DB, id string, expected int64) (*subscriptiondomain.Subscription, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	if expected <= 0 {
		return nil, subscriptiondomain.ErrInvalidExpectedVersion
	}
	sub, err := s.repo.FindByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	if sub.Version != expected {
		return nil, &subscriptiondomain.VersionConflictError{SubscriptionID: id, Expected: expected, Actual: sub.Version}
	}
	return sub, nil
}

// save writes sub under compare-and-swap on expected.
func (s *Service) save(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, expected int64) error {
	ok, err := s.repo.UpdateVersioned(ctx, tx, sub, expected)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	actual := int64(0)
	if current, err := s.repo.FindByID(ctx, tx, sub.ID); err == nil && current != nil {
		actual = current.Version
	}
	return &subscriptiondomain.VersionConflictError{SubscriptionID: sub.ID, Expected: expected, Actual: actual}
}

// moveTo walks sub to target, checking each step against the transition table.
func moveTo(sub *subscriptiondomain.Subscription, op string, target subscriptiondomain.SubscriptionStatus) error {
	if !subscriptiondomain.CanTransition(sub.Status, target) {
		return &subscriptiondomain.InvalidTransitionError{From: sub.Status, Op: op}
	}
	sub.Status = target
	return nil
}

func (s *Service) recordTransition(ctx context.Context, op string, from subscriptiondomain.SubscriptionStatus, sub subscriptiondomain.Subscription) {
	if from == sub.Status {
		return
	}
	s.metrics.IncTransition(op, string(from), string(sub.Status))
	s.log.Info("subscription transitioned",
		zap.String("op", op),
		zap.String("subscription_id", sub.ID),
		zap.String("tenant_id", sub.TenantID),
		zap.String("from", string(from)),
		zap.String("to", string(sub.Status)),
		zap.Int64("version", sub.Version),
	)

	event := ""
	switch sub.Status {
	case subscriptiondomain.SubscriptionStatusActive:
		event = notify.EventSubscriptionActivated
	case subscriptiondomain.SubscriptionStatusPastDue:
		event = notify.EventSubscriptionPastDue
	case subscriptiondomain.SubscriptionStatusUnpaid:
		event = notify.EventSubscriptionUnpaid
	case subscriptiondomain.SubscriptionStatusCanceled:
		event = notify.EventSubscriptionCanceled
	case subscriptiondomain.SubscriptionStatusIncompleteExpired:
		event = notify.EventSubscriptionExpired
	}
	s.notify(ctx, notify.Event{
		Type:           event,
		TenantID:       sub.TenantID,
		SubscriptionID: sub.ID,
		Status:         string(sub.Status),
		At:             sub.UpdatedAt,
		Metadata:       map[string]any{"failed_payment_count": sub.FailedPaymentCount},
	})
}

func (s *Service) notifyInvoice(ctx context.Context, sub subscriptiondomain.Subscription, invoice *invoicedomain.Invoice) {
	if invoice == nil || invoice.Status != invoicedomain.InvoiceStatusOpen {
		return
	}
	s.notify(ctx, notify.Event{
		Type:           notify.EventInvoiceIssued,
		TenantID:       sub.TenantID,
		SubscriptionID: sub.ID,
		InvoiceID:      invoice.ID,
		Status:         string(invoice.Status),
		At:             invoice.IssuedAt,
		Metadata: map[string]any{
			"number":   invoice.Number,
			"total":    invoice.Total,
			"currency": invoice.Currency,
		},
	})
}

func (s *Service) notify(ctx context.Context, event notify.Event) {
	if s.notifier == nil || event.Type == "" {
		return
	}
	s.notifier.Notify(ctx, event)
}

func (s *Service) conflict(op string, err error) error {
	var conflict *subscriptiondomain.VersionConflictError
	if errors.As(err, &conflict) {
		s.metrics.IncVersionConflict(op)
	}
	return err
}

func trimmedPtr(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
