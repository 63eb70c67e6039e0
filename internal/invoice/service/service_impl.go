package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/smallbiznis/tenantbilling/internal/clock"
	"github.com/smallbiznis/tenantbilling/internal/config"
	invoicedomain "github.com/smallbiznis/tenantbilling/internal/invoice/domain"
	"github.com/smallbiznis/tenantbilling/internal/observability/metrics"
	taxdomain "github.com/smallbiznis/tenantbilling/internal/tax/domain"
	taxservice "github.com/smallbiznis/tenantbilling/internal/tax/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    invoicedomain.Repository
	Tax     taxdomain.RateLookup
	Policy  *config.BillingPolicyHolder
	Metrics *metrics.Billing `optional:"true"`
	Otel    *metrics.Metrics `optional:"true"`
}

type Service struct {
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    invoicedomain.Repository
	tax     taxdomain.RateLookup
	policy  *config.BillingPolicyHolder
	metrics *metrics.Billing
	otel    *metrics.Metrics
}

func NewService(p ServiceParam) invoicedomain.Service {
	return &Service{
		log:     p.Log.Named("invoice.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		tax:     p.Tax,
		policy:  p.Policy,
		metrics: p.Metrics,
		otel:    p.Otel,
	}
}

func (s *Service) BuildPeriodInvoice(ctx context.Context, tx *gorm.DB, req invoicedomain.PeriodRequest) (*invoicedomain.Invoice, error) {
	if !req.Kind.IsPeriod() || req.Amount < 0 || !req.PeriodEnd.After(req.PeriodStart) {
		return nil, invoicedomain.ErrInvalidInvoice
	}

	now := s.clock.Now()
	invoice := s.newInvoice(req.SubscriptionID, req.TenantID, req.Kind, req.Currency, req.PeriodStart, req.PeriodEnd, now)
	start, end := req.PeriodStart, req.PeriodEnd
	s.addLine(invoice, invoicedomain.InvoiceLineItem{
		Kind:        invoicedomain.LineKindPlan,
		Description: fmt.Sprintf("%s plan (%s - %s)", req.PlanName, start.Format(time.DateOnly), end.Format(time.DateOnly)),
		Quantity:    1,
		UnitPrice:   req.Amount,
		Amount:      req.Amount,
		PeriodStart: &start,
		PeriodEnd:   &end,
	})

	if err := s.applyCreditBalance(ctx, tx, invoice); err != nil {
		return nil, err
	}
	if err := s.finalize(ctx, invoice); err != nil {
		return nil, err
	}
	return invoice, nil
}

// BuildProrationInvoice charges the remaining share of the new plan against a
// credit for the unused share of the old one, covering now until period end.
func (s *Service) BuildProrationInvoice(ctx context.Context, tx *gorm.DB, req invoicedomain.ProrationRequest) (*invoicedomain.Invoice, error) {
	now := s.clock.Now()
	if !req.PeriodEnd.After(now) && req.Result.Charge > 0 {
		return nil, invoicedomain.ErrInvalidInvoice
	}

	periodEnd := req.PeriodEnd
	if periodEnd.Before(now) {
		periodEnd = now
	}
	invoice := s.newInvoice(req.SubscriptionID, req.TenantID, invoicedomain.InvoiceKindProration, req.Currency, now, periodEnd, now)
	if req.Result.Credit > 0 {
		s.addLine(invoice, invoicedomain.InvoiceLineItem{
			Kind:        invoicedomain.LineKindProrationCredit,
			Description: fmt.Sprintf("Unused time on %s plan", req.OldPlanName),
			Quantity:    1,
			UnitPrice:   -req.Result.Credit,
			Amount:      -req.Result.Credit,
			PeriodStart: &now,
			PeriodEnd:   &periodEnd,
		})
	}
	s.addLine(invoice, invoicedomain.InvoiceLineItem{
		Kind:        invoicedomain.LineKindProrationCharge,
		Description: fmt.Sprintf("Remaining time on %s plan", req.NewPlanName),
		Quantity:    1,
		UnitPrice:   req.Result.Charge,
		Amount:      req.Result.Charge,
		PeriodStart: &now,
		PeriodEnd:   &periodEnd,
	})

	if err := s.applyCreditBalance(ctx, tx, invoice); err != nil {
		return nil, err
	}
	if err := s.finalize(ctx, invoice); err != nil {
		return nil, err
	}
	return invoice, nil
}

// BuildCancellationCredit records unused time as a settled zero-total credit
// note whose value is kept as account credit.
func (s *Service) BuildCancellationCredit(ctx context.Context, tx *gorm.DB, req invoicedomain.CancellationRequest) (*invoicedomain.Invoice, error) {
	if req.Credit < 0 {
		return nil, invoicedomain.ErrInvalidInvoice
	}
	balance, err := s.carriedCredit(ctx, tx, req.SubscriptionID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	periodEnd := req.PeriodEnd
	if periodEnd.Before(now) {
		periodEnd = now
	}

	invoice := s.newInvoice(req.SubscriptionID, req.TenantID, invoicedomain.InvoiceKindCancellation, req.Currency, now, periodEnd, now)
	s.addLine(invoice, invoicedomain.InvoiceLineItem{
		Kind:        invoicedomain.LineKindProrationCredit,
		Description: fmt.Sprintf("Unused time on %s plan", req.PlanName),
		Quantity:    1,
		UnitPrice:   -req.Credit,
		Amount:      -req.Credit,
		PeriodStart: &now,
		PeriodEnd:   &periodEnd,
	})
	invoice.UnappliedCredit = balance
	if err := s.finalize(ctx, invoice); err != nil {
		return nil, err
	}
	return invoice, nil
}

func (s *Service) Insert(ctx context.Context, tx *gorm.DB, invoice *invoicedomain.Invoice) (bool, error) {
	if invoice == nil {
		return false, invoicedomain.ErrInvalidInvoice
	}
	if invoice.Total != invoice.ItemsTotal()+invoice.Tax || invoice.Total < 0 {
		return false, invoicedomain.ErrInvoiceTotalDrift
	}

	inserted, err := s.repo.Insert(ctx, tx, invoice)
	if err != nil {
		return false, err
	}
	if !inserted {
		s.log.Info("period invoice already exists",
			zap.String("subscription_id", invoice.SubscriptionID),
			zap.Time("period_start", invoice.PeriodStart),
		)
		return false, nil
	}
	if err := s.repo.InsertItems(ctx, tx, invoice.Items); err != nil {
		return false, err
	}

	s.metrics.IncInvoice(string(invoice.Kind), string(invoice.Status))
	s.otel.RecordInvoiceIssued(ctx, string(invoice.Kind), invoice.Currency, invoice.Total)
	s.log.Info("invoice issued",
		zap.String("invoice_id", invoice.ID),
		zap.String("number", invoice.Number),
		zap.String("subscription_id", invoice.SubscriptionID),
		zap.String("kind", string(invoice.Kind)),
		zap.Int64("total", invoice.Total),
		zap.String("currency", invoice.Currency),
	)
	return true, nil
}

func (s *Service) Get(ctx context.Context, db *gorm.DB, id string) (*invoicedomain.Invoice, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	invoice, err := s.repo.FindByID(ctx, db, id)
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	if err := s.attachItems(ctx, db, []*invoicedomain.Invoice{invoice}); err != nil {
		return nil, err
	}
	return invoice, nil
}

func (s *Service) FindPeriodInvoice(ctx context.Context, db *gorm.DB, subscriptionID string, periodStart time.Time) (*invoicedomain.Invoice, error) {
	return s.repo.FindPeriodInvoice(ctx, db, subscriptionID, periodStart)
}

// ListBySubscription returns newest invoices first. Limit defaults to 20 and is capped at 100.
func (s *Service) ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID string, limit int) ([]invoicedomain.Invoice, error) {
	if limit <= 0 {
		limit = invoicedomain.DefaultListLimit
	}
	if limit > invoicedomain.MaxListLimit {
		limit = invoicedomain.MaxListLimit
	}

	invoices, err := s.repo.ListBySubscription(ctx, db, subscriptionID, limit)
	if err != nil {
		return nil, err
	}
	refs := make([]*invoicedomain.Invoice, 0, len(invoices))
	for i := range invoices {
		refs = append(refs, &invoices[i])
	}
	if err := s.attachItems(ctx, db, refs); err != nil {
		return nil, err
	}
	return invoices, nil
}

func (s *Service) MarkPaid(ctx context.Context, tx *gorm.DB, id string) (*invoicedomain.Invoice, error) {
	return s.transition(ctx, tx, id, invoicedomain.InvoiceStatusPaid)
}

func (s *Service) MarkUncollectible(ctx context.Context, tx *gorm.DB, id string) (*invoicedomain.Invoice, error) {
	return s.transition(ctx, tx, id, invoicedomain.InvoiceStatusUncollectible)
}

func (s *Service) Void(ctx context.Context, tx *gorm.DB, id string) (*invoicedomain.Invoice, error) {
	return s.transition(ctx, tx, id, invoicedomain.InvoiceStatusVoid)
}

func (s *Service) VoidOpenForSubscription(ctx context.Context, tx *gorm.DB, subscriptionID string) (int64, error) {
	return s.closeOpen(ctx, tx, subscriptionID, invoicedomain.InvoiceStatusVoid)
}

func (s *Service) WriteOffOpenForSubscription(ctx context.Context, tx *gorm.DB, subscriptionID string) (int64, error) {
	return s.closeOpen(ctx, tx, subscriptionID, invoicedomain.InvoiceStatusUncollectible)
}

func (s *Service) CountOpenForSubscription(ctx context.Context, db *gorm.DB, subscriptionID string) (int64, error) {
	return s.repo.CountOpenForSubscription(ctx, db, subscriptionID)
}

func (s *Service) closeOpen(ctx context.Context, tx *gorm.DB, subscriptionID string, to invoicedomain.InvoiceStatus) (int64, error) {
	n, err := s.repo.CloseOpenForSubscription(ctx, tx, subscriptionID, to, s.clock.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("open invoices closed",
			zap.String("subscription_id", subscriptionID),
			zap.String("status", string(to)),
			zap.Int64("count", n),
		)
	}
	return n, nil
}

// transition settles an open invoice. Paid, void and uncollectible invoices are frozen.
func (s *Service) transition(ctx context.Context, tx *gorm.DB, id string, to invoicedomain.InvoiceStatus) (*invoicedomain.Invoice, error) {
	invoice, err := s.repo.FindByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	if !invoice.Settleable() {
		return nil, invoicedomain.ErrInvoiceImmutable
	}

	now := s.clock.Now()
	updated, err := s.repo.UpdateStatus(ctx, tx, id,
		[]invoicedomain.InvoiceStatus{invoicedomain.InvoiceStatusDraft, invoicedomain.InvoiceStatusOpen},
		to, now)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, invoicedomain.ErrInvoiceImmutable
	}

	invoice.Status = to
	invoice.UpdatedAt = now
	switch to {
	case invoicedomain.InvoiceStatusPaid:
		invoice.PaidAt = &now
	case invoicedomain.InvoiceStatusVoid:
		invoice.VoidedAt = &now
	}
	s.metrics.IncInvoice(string(invoice.Kind), string(to))
	return invoice, nil
}

func (s *Service) newInvoice(subscriptionID, tenantID string, kind invoicedomain.InvoiceKind, currency string, start, end, now time.Time) *invoicedomain.Invoice {
	return &invoicedomain.Invoice{
		ID:             uuid.NewString(),
		Number:         "INV-" + s.genID.Generate().String(),
		SubscriptionID: subscriptionID,
		TenantID:       tenantID,
		Kind:           kind,
		Status:         invoicedomain.InvoiceStatusOpen,
		Currency:       strings.ToUpper(currency),
		PeriodStart:    start,
		PeriodEnd:      end,
		IssuedAt:       now,
		DueAt:          now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (s *Service) addLine(invoice *invoicedomain.Invoice, item invoicedomain.InvoiceLineItem) {
	item.ID = uuid.NewString()
	item.InvoiceID = invoice.ID
	item.LineNo = len(invoice.Items) + 1
	item.CreatedAt = invoice.CreatedAt
	invoice.Items = append(invoice.Items, item)
}

// applyCreditBalance draws down account credit left by earlier invoices when
// the policy carries credit forward. Whatever the invoice cannot absorb stays
// on it as unapplied credit for the next one.
func (s *Service) applyCreditBalance(ctx context.Context, tx *gorm.DB, invoice *invoicedomain.Invoice) error {
	balance, err := s.carriedCredit(ctx, tx, invoice.SubscriptionID)
	if err != nil || balance <= 0 {
		return err
	}

	applied := min(balance, max(invoice.ItemsTotal(), 0))
	if applied > 0 {
		s.addLine(invoice, invoicedomain.InvoiceLineItem{
			Kind:        invoicedomain.LineKindAccountCredit,
			Description: "Account credit applied",
			Quantity:    1,
			UnitPrice:   -applied,
			Amount:      -applied,
		})
	}
	invoice.UnappliedCredit = balance - applied
	return nil
}

func (s *Service) carriedCredit(ctx context.Context, tx *gorm.DB, subscriptionID string) (int64, error) {
	if !s.policy.Get().CarryForwardCredit || tx == nil {
		return 0, nil
	}
	return s.repo.LatestCreditBalance(ctx, tx, subscriptionID)
}

// finalize computes tax and totals. A negative subtotal is clamped to a zero
// total by a balancing line, and the clamped amount is kept as unapplied
// credit, so total always equals items plus tax.
func (s *Service) finalize(ctx context.Context, invoice *invoicedomain.Invoice) error {
	subtotal := invoice.ItemsTotal()
	if subtotal < 0 {
		remainder := -subtotal
		s.addLine(invoice, invoicedomain.InvoiceLineItem{
			Kind:        invoicedomain.LineKindAccountCredit,
			Description: "Credit moved to account balance",
			Quantity:    1,
			UnitPrice:   remainder,
			Amount:      remainder,
		})
		invoice.UnappliedCredit += remainder
	}

	rate, err := s.tax.RateFor(ctx, invoice.TenantID)
	if err != nil {
		return err
	}

	invoice.Subtotal = invoice.ItemsTotal()
	invoice.TaxRate = rate.String()
	invoice.Tax = taxservice.ComputeTaxExclusive(invoice.Subtotal, rate)
	invoice.Total = invoice.Subtotal + invoice.Tax

	if invoice.Total == 0 {
		// Nothing to collect; settle at issue.
		paidAt := invoice.IssuedAt
		invoice.Status = invoicedomain.InvoiceStatusPaid
		invoice.PaidAt = &paidAt
	}
	return nil
}

func (s *Service) attachItems(ctx context.Context, db *gorm.DB, invoices []*invoicedomain.Invoice) error {
	if len(invoices) == 0 {
		return nil
	}
	ids := lo.Map(invoices, func(inv *invoicedomain.Invoice, _ int) string { return inv.ID })
	items, err := s.repo.ListItems(ctx, db, ids)
	if err != nil {
		return err
	}
	byInvoice := lo.GroupBy(items, func(item invoicedomain.InvoiceLineItem) string { return item.InvoiceID })
	for _, inv := range invoices {
		inv.Items = byInvoice[inv.ID]
		if inv.Items == nil {
			inv.Items = []invoicedomain.InvoiceLineItem{}
		}
	}
	return nil
}
