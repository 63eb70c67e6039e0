package repository

import (
	"context"
	"time"

	invoicedomain "github.com/smallbiznis/tenantbilling/internal/invoice/domain"
	"gorm.io/gorm"
)

const invoiceColumns = `id, number, subscription_id, tenant_id, kind, status, currency,
	subtotal, tax_rate, tax, total, unapplied_credit, period_start, period_end,
	issued_at, due_at, paid_at, voided_at, created_at, updated_at`

type repo struct{}

func Provide() invoicedomain.Repository {
	return &repo{}
}

// Insert ignores a conflicting period invoice so duplicate renewals become no-ops.
func (r *repo) Insert(ctx context.Context, db *gorm.DB, invoice *invoicedomain.Invoice) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO invoices (`+invoiceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		invoice.ID,
		invoice.Number,
		invoice.SubscriptionID,
		invoice.TenantID,
		invoice.Kind,
		invoice.Status,
		invoice.Currency,
		invoice.Subtotal,
		invoice.TaxRate,
		invoice.Tax,
		invoice.Total,
		invoice.UnappliedCredit,
		invoice.PeriodStart,
		invoice.PeriodEnd,
		invoice.IssuedAt,
		invoice.DueAt,
		invoice.PaidAt,
		invoice.VoidedAt,
		invoice.CreatedAt,
		invoice.UpdatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) InsertItems(ctx context.Context, db *gorm.DB, items []invoicedomain.InvoiceLineItem) error {
	for _, item := range items {
		if err := db.WithContext(ctx).Exec(
			`INSERT INTO invoice_line_items (
				id, invoice_id, line_no, kind, description, quantity, unit_price, amount,
				period_start, period_end, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID,
			item.InvoiceID,
			item.LineNo,
			item.Kind,
			item.Description,
			item.Quantity,
			item.UnitPrice,
			item.Amount,
			item.PeriodStart,
			item.PeriodEnd,
			item.CreatedAt,
		).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id string) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+`
		 FROM invoices
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&invoice).Error
	if err != nil {
		return nil, err
	}
	if invoice.ID == "" {
		return nil, nil
	}
	return &invoice, nil
}

func (r *repo) FindPeriodInvoice(ctx context.Context, db *gorm.DB, subscriptionID string, periodStart time.Time) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+`
		 FROM invoices
		 WHERE subscription_id = ? AND period_start = ? AND kind IN (?, ?)
		 LIMIT 1`,
		subscriptionID,
		periodStart,
		invoicedomain.InvoiceKindInitial,
		invoicedomain.InvoiceKindRenewal,
	).Scan(&invoice).Error
	if err != nil {
		return nil, err
	}
	if invoice.ID == "" {
		return nil, nil
	}
	return &invoice, nil
}

func (r *repo) ListItems(ctx context.Context, db *gorm.DB, invoiceIDs []string) ([]invoicedomain.InvoiceLineItem, error) {
	if len(invoiceIDs) == 0 {
		return nil, nil
	}
	var items []invoicedomain.InvoiceLineItem
	err := db.WithContext(ctx).Raw(
		`SELECT id, invoice_id, line_no, kind, description, quantity, unit_price, amount,
		        period_start, period_end, created_at
		 FROM invoice_line_items
		 WHERE invoice_id IN ?
		 ORDER BY invoice_id, line_no`,
		invoiceIDs,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID string, limit int) ([]invoicedomain.Invoice, error) {
	var invoices []invoicedomain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+`
		 FROM invoices
		 WHERE subscription_id = ?
		 ORDER BY issued_at DESC, number DESC
		 LIMIT ?`,
		subscriptionID,
		limit,
	).Scan(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

// LatestCreditBalance returns the credit carried by the newest non-void invoice.
// Each invoice absorbs the balance it was issued against, so only the newest counts.
func (r *repo) LatestCreditBalance(ctx context.Context, db *gorm.DB, subscriptionID string) (int64, error) {
	var balances []int64
	err := db.WithContext(ctx).Raw(
		`SELECT unapplied_credit
		 FROM invoices
		 WHERE subscription_id = ? AND status <> ?
		 ORDER BY issued_at DESC, number DESC
		 LIMIT 1`,
		subscriptionID,
		invoicedomain.InvoiceStatusVoid,
	).Scan(&balances).Error
	if err != nil {
		return 0, err
	}
	if len(balances) == 0 {
		return 0, nil
	}
	return balances[0], nil
}

// UpdateStatus moves an invoice to status only while it is in one of the from
// states. It reports false when the invoice was not in an allowed state.
func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id string, from []invoicedomain.InvoiceStatus, to invoicedomain.InvoiceStatus, at time.Time) (bool, error) {
	var paidAt, voidedAt *time.Time
	switch to {
	case invoicedomain.InvoiceStatusPaid:
		paidAt = &at
	case invoicedomain.InvoiceStatusVoid:
		voidedAt = &at
	}

	result := db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET status = ?,
		     paid_at = COALESCE(?, paid_at),
		     voided_at = COALESCE(?, voided_at),
		     updated_at = ?
		 WHERE id = ? AND status IN ?`,
		to,
		paidAt,
		voidedAt,
		at,
		id,
		from,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// CloseOpenForSubscription moves every draft or open invoice of the
// subscription to status in one statement.
func (r *repo) CloseOpenForSubscription(ctx context.Context, db *gorm.DB, subscriptionID string, to invoicedomain.InvoiceStatus, at time.Time) (int64, error) {
	var voidedAt *time.Time
	if to == invoicedomain.InvoiceStatusVoid {
		voidedAt = &at
	}
	result := db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET status = ?, voided_at = COALESCE(?, voided_at), updated_at = ?
		 WHERE subscription_id = ? AND status IN (?, ?)`,
		to,
		voidedAt,
		at,
		subscriptionID,
		invoicedomain.InvoiceStatusDraft,
		invoicedomain.InvoiceStatusOpen,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) CountOpenForSubscription(ctx context.Context, db *gorm.DB, subscriptionID string) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1)
		 FROM invoices
		 WHERE subscription_id = ? AND status IN (?, ?)`,
		subscriptionID,
		invoicedomain.InvoiceStatusDraft,
		invoicedomain.InvoiceStatusOpen,
	).Scan(&count).Error
	return count, err
}
