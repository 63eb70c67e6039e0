package domain

import (
	"errors"
	"fmt"
)

var (
	ErrSubscriptionNotFound   = errors.New("subscription_not_found")
	ErrInvalidTenant          = errors.New("invalid_tenant")
	ErrInvalidSubscription    = errors.New("invalid_subscription")
	ErrConflict               = errors.New("subscription_conflict")
	ErrInvalidTransition      = errors.New("invalid_transition")
	ErrVersionConflict        = errors.New("version_conflict")
	ErrPlanNotFound           = errors.New("plan_not_found")
	ErrPaymentDeclined        = errors.New("payment_declined")
	ErrDuplicateEvent         = errors.New("duplicate_event")
	ErrCurrencyMismatch       = errors.New("currency_mismatch")
	ErrAmountMismatch         = errors.New("amount_mismatch")
	ErrInvalidExpectedVersion = errors.New("invalid_expected_version")
)

// ConflictError is returned when a tenant already holds a live subscription.
type ConflictError struct {
	TenantID       string
	SubscriptionID string
}

func (e *ConflictError) Error() string {
	if e.SubscriptionID == "" {
		return fmt.Sprintf("tenant %s already has a live subscription", e.TenantID)
	}
	return fmt.Sprintf("tenant %s already has live subscription %s", e.TenantID, e.SubscriptionID)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// InvalidTransitionError names the operation that is illegal from the current status.
type InvalidTransitionError struct {
	From   SubscriptionStatus
	Op     string
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s not allowed from %s: %s", e.Op, e.From, e.Reason)
	}
	return fmt.Sprintf("%s not allowed from %s", e.Op, e.From)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// VersionConflictError reports a stale expected version. Callers reload and retry.
type VersionConflictError struct {
	SubscriptionID string
	Expected       int64
	Actual         int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("subscription %s: expected version %d, found %d", e.SubscriptionID, e.Expected, e.Actual)
}

func (e *VersionConflictError) Is(target error) bool { return target == ErrVersionConflict }

// VersionConflict lets job error classification recognise the error without importing this package.
func (e *VersionConflictError) VersionConflict() bool { return true }

type PlanNotFoundError struct {
	PlanID string
}

func (e *PlanNotFoundError) Error() string {
	return fmt.Sprintf("plan %q not found", e.PlanID)
}

func (e *PlanNotFoundError) Is(target error) bool { return target == ErrPlanNotFound }

// PaymentDeclinedError is only surfaced by strict payment outcome recording.
type PaymentDeclinedError struct {
	InvoiceID      string
	SubscriptionID string
	Status         SubscriptionStatus
}

func (e *PaymentDeclinedError) Error() string {
	return fmt.Sprintf("payment for invoice %s declined, subscription now %s", e.InvoiceID, e.Status)
}

func (e *PaymentDeclinedError) Is(target error) bool { return target == ErrPaymentDeclined }

// DuplicateEventError marks a gateway event that is already processed, or
// claimed by a concurrent delivery when InFlight is set. It never leaves the processor.
type DuplicateEventError struct {
	EventID  string
	InFlight bool
}

func (e *DuplicateEventError) Error() string {
	if e.InFlight {
		return fmt.Sprintf("payment event %s is being processed", e.EventID)
	}
	return fmt.Sprintf("payment event %s already processed", e.EventID)
}

func (e *DuplicateEventError) Is(target error) bool { return target == ErrDuplicateEvent }
