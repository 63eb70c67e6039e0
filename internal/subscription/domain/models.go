// Package domain contains the subscription lifecycle model.
package domain

import (
	"time"

	plandomain "github.com/smallbiznis/tenantbilling/internal/plan/domain"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubscriptionStatusTrialing          SubscriptionStatus = "trialing"
	SubscriptionStatusActive            SubscriptionStatus = "active"
	SubscriptionStatusPastDue           SubscriptionStatus = "past_due"
	SubscriptionStatusUnpaid            SubscriptionStatus = "unpaid"
	SubscriptionStatusCanceled          SubscriptionStatus = "canceled"
)

// IsTerminal reports whether no further transition is possible.
func (s SubscriptionStatus) IsTerminal() bool {
	return s == SubscriptionStatusCanceled || s == SubscriptionStatusIncompleteExpired
}

// Entitled reports whether the status grants plan limits.
func (s SubscriptionStatus) Entitled() bool {
	switch s {
	case SubscriptionStatusActive, SubscriptionStatusTrialing, SubscriptionStatusPastDue:
		return true
	default:
		return false
	}
}

var transitions = map[SubscriptionStatus][]SubscriptionStatus{
	SubscriptionStatusIncomplete: {
		SubscriptionStatusActive,
		SubscriptionStatusTrialing,
		SubscriptionStatusIncompleteExpired,
		SubscriptionStatusCanceled,
	},
	SubscriptionStatusTrialing: {
		SubscriptionStatusActive,
		SubscriptionStatusPastDue,
		SubscriptionStatusCanceled,
	},
	SubscriptionStatusActive: {
		SubscriptionStatusPastDue,
		SubscriptionStatusCanceled,
	},
	SubscriptionStatusPastDue: {
		SubscriptionStatusActive,
		SubscriptionStatusUnpaid,
		SubscriptionStatusCanceled,
	},
	SubscriptionStatusUnpaid: {
		SubscriptionStatusActive,
		SubscriptionStatusCanceled,
	},
}

// CanTransition reports whether from may move to to. Staying put is always allowed.
func CanTransition(from, to SubscriptionStatus) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Subscription is one tenant's billing agreement. Rows are never deleted;
// terminal states keep history. Amount is the per-period price of PlanID.
type Subscription struct {
	ID                 string              `gorm:"primaryKey;type:text" json:"id"`
	TenantID           string              `gorm:"type:text;not null" json:"tenant_id"`
	PlanID             string              `gorm:"type:text;not null" json:"plan_id"`
	Status             SubscriptionStatus  `gorm:"type:text;not null" json:"status"`
	BillingInterval    plandomain.Interval `gorm:"type:text;not null" json:"billing_interval"`
	CurrentPeriodStart time.Time           `gorm:"not null" json:"current_period_start"`
	CurrentPeriodEnd   time.Time           `gorm:"not null" json:"current_period_end"`
	BillingAnchorDay   int                 `gorm:"not null" json:"billing_anchor_day"`
	CancelAtPeriodEnd  bool                `gorm:"not null" json:"cancel_at_period_end"`
	TrialStart         *time.Time          `json:"trial_start,omitempty"`
	TrialEnd           *time.Time          `json:"trial_end,omitempty"`
	Amount             int64               `gorm:"not null" json:"amount"`
	Currency           string              `gorm:"type:text;not null" json:"currency"`
	Version            int64               `gorm:"not null" json:"version"`
	PendingPlanID      *string             `gorm:"type:text" json:"pending_plan_id,omitempty"`
	PaymentMethodID    *string             `gorm:"type:text" json:"payment_method_id,omitempty"`
	FailedPaymentCount int                 `gorm:"not null" json:"failed_payment_count"`
	CanceledAt         *time.Time          `json:"canceled_at,omitempty"`
	EndedAt            *time.Time          `json:"ended_at,omitempty"`
	CreatedAt          time.Time           `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time           `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// InTrial reports whether the subscription has not yet been billed for a paid period.
func (s Subscription) InTrial() bool {
	return s.Status == SubscriptionStatusTrialing
}
