package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	subscriptiondomain "github.com/smallbiznis/tenantbilling/internal/subscription/domain"
	"gorm.io/gorm"
)

// Service ingests canonical payment events exactly once.
type Service interface {
	Ingest(ctx context.Context, event *PaymentEvent) (IngestOutcome, error)
}

// WebhookService verifies and parses raw provider deliveries before ingesting them.
type WebhookService interface {
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (IngestOutcome, error)
}

// OutcomeRecorder applies a settled charge to the owning subscription.
type OutcomeRecorder interface {
	RecordChargeOutcome(ctx context.Context, outcome subscriptiondomain.ChargeOutcome) (*subscriptiondomain.Subscription, error)
}

type Repository interface {
	FindEvent(ctx context.Context, db *gorm.DB, provider, id string) (*EventRecord, error)
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	// Claim takes the event for processing. It reports false when the event
	// is processed or another delivery holds a claim newer than staleBefore.
	Claim(ctx context.Context, db *gorm.DB, provider, id string, now, staleBefore time.Time) (bool, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, provider, id string, processedAt time.Time, note *string) error
	RecordFailure(ctx context.Context, db *gorm.DB, provider, id string, lastError string) error
}

type AdapterConfig struct {
	Provider  string
	Secret    string
	Tolerance time.Duration
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (PaymentAdapter, error)
}

type PaymentAdapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*PaymentEvent, error)
}

var (
	ErrInvalidProvider  = errors.New("invalid_provider")
	ErrProviderNotFound = errors.New("provider_not_found")
	ErrInvalidConfig    = errors.New("invalid_config")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrInvalidEvent     = errors.New("invalid_event")
	ErrMissingInvoice   = errors.New("missing_invoice_reference")
)
