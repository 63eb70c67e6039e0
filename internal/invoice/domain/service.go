package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/tenantbilling/internal/proration"
	"gorm.io/gorm"
)

// PeriodRequest describes a full-period plan charge issued at creation or renewal.
type PeriodRequest struct {
	SubscriptionID string
	TenantID       string
	Kind           InvoiceKind
	PlanName       string
	Amount         int64
	Currency       string
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

// ProrationRequest describes an immediate plan change inside the current period.
type ProrationRequest struct {
	SubscriptionID string
	TenantID       string
	Currency       string
	OldPlanName    string
	NewPlanName    string
	Result         proration.Result
	PeriodEnd      time.Time
}

// CancellationRequest describes a credit note for unused time on immediate cancel.
type CancellationRequest struct {
	SubscriptionID string
	TenantID       string
	Currency       string
	PlanName       string
	Credit         int64
	PeriodEnd      time.Time
}

// Service builds invoices and moves them through their lifecycle. Builders
// return unsaved invoices; every method taking a *gorm.DB runs on the caller's
// transaction so invoice writes commit together with the subscription change.
type Service interface {
	BuildPeriodInvoice(ctx context.Context, tx *gorm.DB, req PeriodRequest) (*Invoice, error)
	BuildProrationInvoice(ctx context.Context, tx *gorm.DB, req ProrationRequest) (*Invoice, error)
	BuildCancellationCredit(ctx context.Context, tx *gorm.DB, req CancellationRequest) (*Invoice, error)

	// Insert persists the invoice and its items. It reports false when a period
	// invoice for the same subscription and period start already exists.
	Insert(ctx context.Context, tx *gorm.DB, invoice *Invoice) (bool, error)
	Get(ctx context.Context, db *gorm.DB, id string) (*Invoice, error)
	FindPeriodInvoice(ctx context.Context, db *gorm.DB, subscriptionID string, periodStart time.Time) (*Invoice, error)
	ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID string, limit int) ([]Invoice, error)

	MarkPaid(ctx context.Context, tx *gorm.DB, id string) (*Invoice, error)
	MarkUncollectible(ctx context.Context, tx *gorm.DB, id string) (*Invoice, error)
	Void(ctx context.Context, tx *gorm.DB, id string) (*Invoice, error)
	VoidOpenForSubscription(ctx context.Context, tx *gorm.DB, subscriptionID string) (int64, error)
	// WriteOffOpenForSubscription marks every unsettled invoice uncollectible.
	WriteOffOpenForSubscription(ctx context.Context, tx *gorm.DB, subscriptionID string) (int64, error)
	CountOpenForSubscription(ctx context.Context, db *gorm.DB, subscriptionID string) (int64, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, invoice *Invoice) (bool, error)
	InsertItems(ctx context.Context, db *gorm.DB, items []InvoiceLineItem) error
	FindByID(ctx context.Context, db *gorm.DB, id string) (*Invoice, error)
	FindPeriodInvoice(ctx context.Context, db *gorm.DB, subscriptionID string, periodStart time.Time) (*Invoice, error)
	ListItems(ctx context.Context, db *gorm.DB, invoiceIDs []string) ([]InvoiceLineItem, error)
	ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID string, limit int) ([]Invoice, error)
	LatestCreditBalance(ctx context.Context, db *gorm.DB, subscriptionID string) (int64, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, id string, from []InvoiceStatus, to InvoiceStatus, at time.Time) (bool, error)
	CloseOpenForSubscription(ctx context.Context, db *gorm.DB, subscriptionID string, to InvoiceStatus, at time.Time) (int64, error)
	CountOpenForSubscription(ctx context.Context, db *gorm.DB, subscriptionID string) (int64, error)
}

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

var (
	ErrInvoiceNotFound   = errors.New("invoice_not_found")
	ErrInvoiceImmutable  = errors.New("invoice_immutable")
	ErrInvalidInvoice    = errors.New("invalid_invoice")
	ErrInvoiceTotalDrift = errors.New("invoice_total_drift")
)
