package domain

import (
	"time"

	"gorm.io/datatypes"
)

// EventRecord is the stored form of a provider event. Provider and the
// provider's event id form the primary key, which makes redelivery detectable.
type EventRecord struct {
	Provider       string         `json:"provider" gorm:"primaryKey;type:text"`
	ID             string         `json:"id" gorm:"primaryKey;type:text"`
	EventType      string         `json:"event_type" gorm:"type:text;not null"`
	SubscriptionID *string        `json:"subscription_id,omitempty" gorm:"type:text"`
	InvoiceID      *string        `json:"invoice_id,omitempty" gorm:"type:text"`
	Payload        datatypes.JSON `json:"payload" gorm:"type:jsonb"`
	ReceivedAt     time.Time      `json:"received_at" gorm:"not null"`
	Processed      bool           `json:"processed" gorm:"not null"`
	ProcessedAt    *time.Time     `json:"processed_at,omitempty"`
	ClaimedAt      *time.Time     `json:"claimed_at,omitempty"`
	Attempts       int            `json:"attempts" gorm:"not null"`
	LastError      *string        `json:"last_error,omitempty" gorm:"type:text"`
}

func (EventRecord) TableName() string { return "payment_events" }

const (
	EventTypeChargeSucceeded = "charge.succeeded"
	EventTypeChargeFailed    = "charge.failed"
	EventTypeChargeRefunded  = "charge.refunded"
	EventTypeDisputeCreated  = "charge.dispute.created"
)

// PaymentEvent is the canonical payment event parsed by adapters.
type PaymentEvent struct {
	ID             string
	Provider       string
	Type           string
	SubscriptionID string
	InvoiceID      string
	Amount         int64
	Currency       string
	OccurredAt     time.Time
	RawPayload     []byte
}

type IngestOutcome string

const (
	OutcomeProcessed IngestOutcome = "processed"
	OutcomeDuplicate IngestOutcome = "duplicate"
	OutcomeIgnored   IngestOutcome = "ignored"
	OutcomeRejected  IngestOutcome = "rejected"
)
