package domain

import (
	"context"
	"time"

	invoicedomain "github.com/smallbiznis/tenantbilling/internal/invoice/domain"
	"gorm.io/gorm"
)

type CreateRequest struct {
	TenantID        string  `json:"tenant_id"`
	PlanID          string  `json:"plan_id"`
	BillingInterval string  `json:"billing_interval"`
	PaymentMethodID *string `json:"payment_method_id,omitempty"`
}

type CreateResult struct {
	Subscription Subscription           `json:"subscription"`
	Invoice      *invoicedomain.Invoice `json:"invoice,omitempty"`
	// RequiresConfirmation is set while the first invoice awaits payment.
	RequiresConfirmation bool `json:"requires_confirmation"`
}

type ChangePlanRequest struct {
	SubscriptionID  string `json:"subscription_id"`
	NewPlanID       string `json:"new_plan_id"`
	ExpectedVersion int64  `json:"expected_version"`
}

type ChangePlanResult struct {
	Subscription Subscription           `json:"subscription"`
	Invoice      *invoicedomain.Invoice `json:"invoice,omitempty"`
}

type CancelRequest struct {
	SubscriptionID  string `json:"subscription_id"`
	ExpectedVersion int64  `json:"expected_version"`
	Immediate       bool   `json:"immediate"`
}

type CancelResult struct {
	Subscription Subscription           `json:"subscription"`
	CreditNote   *invoicedomain.Invoice `json:"credit_note,omitempty"`
}

type RenewOutcome string

const (
	RenewOutcomeRenewed  RenewOutcome = "renewed"
	RenewOutcomeCanceled RenewOutcome = "canceled"
	RenewOutcomeSkipped  RenewOutcome = "skipped"
	RenewOutcomeLocked   RenewOutcome = "locked"
)

type RenewResult struct {
	Outcome      RenewOutcome
	Subscription Subscription
	Invoice      *invoicedomain.Invoice
}

// ChargeOutcome is a settled charge as reported by the payment provider.
// Zero Amount or empty Currency skip the corresponding check.
type ChargeOutcome struct {
	InvoiceID string
	Succeeded bool
	Amount    int64
	Currency  string
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*CreateResult, error)
	Upgrade(ctx context.Context, req ChangePlanRequest) (*ChangePlanResult, error)
	Downgrade(ctx context.Context, req ChangePlanRequest) (*Subscription, error)
	Cancel(ctx context.Context, req CancelRequest) (*CancelResult, error)
	Renew(ctx context.Context, subscriptionID string) (*RenewResult, error)

	// RecordPaymentOutcome applies a settled charge. A decline is reported
	// through the resulting status rather than an error.
	RecordPaymentOutcome(ctx context.Context, invoiceID string, succeeded bool) (*Subscription, error)
	// RecordPaymentOutcomeStrict behaves like RecordPaymentOutcome but returns
	// a PaymentDeclinedError alongside the subscription when the charge failed.
	RecordPaymentOutcomeStrict(ctx context.Context, invoiceID string, succeeded bool) (*Subscription, error)
	// RecordChargeOutcome is RecordPaymentOutcome with the charged amount and
	// currency checked against the invoice before a success is applied.
	RecordChargeOutcome(ctx context.Context, outcome ChargeOutcome) (*Subscription, error)
	ExpireIncomplete(ctx context.Context, now time.Time, limit int) (int, error)

	Get(ctx context.Context, id string) (*Subscription, error)
	GetLiveByTenant(ctx context.Context, tenantID string) (*Subscription, error)
	ListInvoices(ctx context.Context, subscriptionID string, limit int) ([]invoicedomain.Invoice, error)
	ListDueForRenewal(ctx context.Context, now time.Time, limit int) ([]string, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id string) (*Subscription, error)
	FindLiveByTenant(ctx context.Context, db *gorm.DB, tenantID string) (*Subscription, error)
	// UpdateVersioned writes every mutable column when the stored version still
	// equals expected, bumping it by one. It reports false on a stale version.
	UpdateVersioned(ctx context.Context, db *gorm.DB, subscription *Subscription, expected int64) (bool, error)
	ListDueForRenewal(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]string, error)
	ListIncompleteCreatedBefore(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]Subscription, error)
}
