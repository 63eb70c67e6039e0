// Package domain contains persistence models for invoicing.
package domain

import (
	"time"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusDraft         InvoiceStatus = "draft"
	InvoiceStatusOpen          InvoiceStatus = "open"
	InvoiceStatusPaid          InvoiceStatus = "paid"
	InvoiceStatusVoid          InvoiceStatus = "void"
	InvoiceStatusUncollectible InvoiceStatus = "uncollectible"
)

// InvoiceKind records which lifecycle event produced the invoice.
type InvoiceKind string

const (
	InvoiceKindInitial      InvoiceKind = "initial"
	InvoiceKindRenewal      InvoiceKind = "renewal"
	InvoiceKindProration    InvoiceKind = "proration"
	InvoiceKindCancellation InvoiceKind = "cancellation"
)

// IsPeriod reports whether at most one invoice of this kind may exist per period start.
func (k InvoiceKind) IsPeriod() bool {
	return k == InvoiceKindInitial || k == InvoiceKindRenewal
}

type LineKind string

const (
	LineKindPlan            LineKind = "plan"
	LineKindProrationCredit LineKind = "proration_credit"
	LineKindProrationCharge LineKind = "proration_charge"
	LineKindAccountCredit   LineKind = "account_credit"
)

// Invoice represents a generated invoice. Amounts are minor units of Currency.
// Total always equals the sum of item amounts plus Tax.
type Invoice struct {
	ID              string        `gorm:"primaryKey;type:text" json:"id"`
	Number          string        `gorm:"type:text;not null;uniqueIndex" json:"number"`
	SubscriptionID  string        `gorm:"type:text;not null;index" json:"subscription_id"`
	TenantID        string        `gorm:"type:text;not null" json:"tenant_id"`
	Kind            InvoiceKind   `gorm:"type:text;not null" json:"kind"`
	Status          InvoiceStatus `gorm:"type:text;not null" json:"status"`
	Currency        string        `gorm:"type:text;not null" json:"currency"`
	Subtotal        int64         `gorm:"not null" json:"subtotal"`
	TaxRate         string        `gorm:"type:text;not null" json:"tax_rate"`
	Tax             int64         `gorm:"not null" json:"tax"`
	Total           int64         `gorm:"not null" json:"total"`
	UnappliedCredit int64         `gorm:"not null" json:"unapplied_credit"`
	PeriodStart     time.Time     `gorm:"not null" json:"period_start"`
	PeriodEnd       time.Time     `gorm:"not null" json:"period_end"`
	IssuedAt        time.Time     `gorm:"not null" json:"issued_at"`
	DueAt           time.Time     `gorm:"not null" json:"due_at"`
	PaidAt          *time.Time    `json:"paid_at,omitempty"`
	VoidedAt        *time.Time    `json:"voided_at,omitempty"`
	CreatedAt       time.Time     `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time     `gorm:"not null" json:"updated_at"`

	Items []InvoiceLineItem `gorm:"-" json:"items"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// Settleable reports whether a payment outcome may still change the invoice.
func (i Invoice) Settleable() bool {
	return i.Status == InvoiceStatusDraft || i.Status == InvoiceStatusOpen
}

// ItemsTotal sums line item amounts.
func (i Invoice) ItemsTotal() int64 {
	var sum int64
	for _, item := range i.Items {
		sum += item.Amount
	}
	return sum
}

// InvoiceLineItem represents a line on an invoice. Credits carry negative amounts.
type InvoiceLineItem struct {
	ID          string     `gorm:"primaryKey;type:text" json:"id"`
	InvoiceID   string     `gorm:"type:text;not null;index" json:"invoice_id"`
	LineNo      int        `gorm:"column:line_no;not null" json:"line_no"`
	Kind        LineKind   `gorm:"type:text;not null" json:"kind"`
	Description string     `gorm:"type:text;not null" json:"description"`
	Quantity    int64      `gorm:"not null" json:"quantity"`
	UnitPrice   int64      `gorm:"not null" json:"unit_price"`
	Amount      int64      `gorm:"not null" json:"amount"`
	PeriodStart *time.Time `json:"period_start,omitempty"`
	PeriodEnd   *time.Time `json:"period_end,omitempty"`
	CreatedAt   time.Time  `gorm:"not null" json:"created_at"`
}

// TableName sets the database table name.
func (InvoiceLineItem) TableName() string { return "invoice_line_items" }
