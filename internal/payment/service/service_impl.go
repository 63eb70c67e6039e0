package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/tenantbilling/internal/clock"
	obsmetrics "github.com/smallbiznis/tenantbilling/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/tenantbilling/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/tenantbilling/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	maxErrorLength = 1024
	// claimLease bounds how long a crashed delivery can block redelivery.
	claimLease = 5 * time.Minute
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Repo       paymentdomain.Repository
	Outcomes   paymentdomain.OutcomeRecorder
	Metrics    *obsmetrics.Billing `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	repo       paymentdomain.Repository
	outcomes   paymentdomain.OutcomeRecorder
	metrics    *obsmetrics.Billing
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.service"),
		clock:      p.Clock,
		repo:       p.Repo,
		outcomes:   p.Outcomes,
		metrics:    p.Metrics,
		obsMetrics: p.ObsMetrics,
	}
}

// Ingest records the event and applies it to the subscription state machine.
// Only the delivery holding the claim on the event applies it; redelivery of
// a processed or in-flight event is acknowledged without side effects. A
// failed application releases the claim so the provider retries.
func (s *Service) Ingest(ctx context.Context, event *paymentdomain.PaymentEvent) (paymentdomain.IngestOutcome, error) {
	if err := validateEvent(event); err != nil {
		return "", err
	}

	err := s.claim(ctx, event)
	var duplicate *subscriptiondomain.DuplicateEventError
	if errors.As(err, &duplicate) {
		s.metrics.IncPaymentEvent(event.Type, obsmetrics.EventOutcomeDuplicate)
		s.log.Info("payment event already taken",
			zap.String("event_id", event.ID),
			zap.String("provider", event.Provider),
			zap.Bool("in_flight", duplicate.InFlight),
		)
		return paymentdomain.OutcomeDuplicate, nil
	}
	if err != nil {
		return "", err
	}

	outcome, err := s.apply(ctx, event)
	if isChargeMismatch(err) {
		// Redelivery cannot fix a charge that does not match its invoice.
		note := truncate(err.Error())
		s.log.Warn("payment event rejected",
			zap.String("event_id", event.ID),
			zap.String("invoice_id", event.InvoiceID),
			zap.Int64("amount", event.Amount),
			zap.String("currency", event.Currency),
			zap.Error(err),
		)
		if err := s.repo.MarkProcessed(ctx, s.db, event.Provider, event.ID, s.clock.Now(), &note); err != nil {
			return "", err
		}
		s.metrics.IncPaymentEvent(event.Type, string(paymentdomain.OutcomeRejected))
		return paymentdomain.OutcomeRejected, nil
	}
	if err != nil {
		s.metrics.IncPaymentEvent(event.Type, obsmetrics.EventOutcomeFailed)
		s.log.Warn("payment event failed",
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
			zap.String("invoice_id", event.InvoiceID),
			zap.Error(err),
		)
		if recordErr := s.repo.RecordFailure(ctx, s.db, event.Provider, event.ID, truncate(err.Error())); recordErr != nil {
			s.log.Error("failed to record payment event failure", zap.String("event_id", event.ID), zap.Error(recordErr))
		}
		return "", err
	}

	if err := s.repo.MarkProcessed(ctx, s.db, event.Provider, event.ID, s.clock.Now(), nil); err != nil {
		return "", err
	}
	s.metrics.IncPaymentEvent(event.Type, string(outcome))
	s.obsMetrics.RecordPaymentEvent(ctx, event.Provider, event.Type)
	s.log.Info("payment event processed",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.String("outcome", string(outcome)),
	)
	return outcome, nil
}

// claim stores the event if it is new and takes it for processing. It
// reports a DuplicateEventError when the event is processed or claimed by a
// concurrent delivery.
func (s *Service) claim(ctx context.Context, event *paymentdomain.PaymentEvent) error {
	payload := event.RawPayload
	if len(payload) == 0 || !json.Valid(payload) {
		payload = []byte("{}")
	}
	now := s.clock.Now()
	record := paymentdomain.EventRecord{
		Provider:       event.Provider,
		ID:             event.ID,
		EventType:      event.Type,
		SubscriptionID: optional(event.SubscriptionID),
		InvoiceID:      optional(event.InvoiceID),
		Payload:        datatypes.JSON(payload),
		ReceivedAt:     now,
	}
	if _, err := s.repo.InsertEvent(ctx, s.db, &record); err != nil {
		return err
	}

	claimed, err := s.repo.Claim(ctx, s.db, event.Provider, event.ID, now, now.Add(-claimLease))
	if err != nil {
		return err
	}
	if claimed {
		return nil
	}
	existing, err := s.repo.FindEvent(ctx, s.db, event.Provider, event.ID)
	if err != nil {
		return err
	}
	return &subscriptiondomain.DuplicateEventError{
		EventID:  event.ID,
		InFlight: existing != nil && !existing.Processed,
	}
}

func (s *Service) apply(ctx context.Context, event *paymentdomain.PaymentEvent) (paymentdomain.IngestOutcome, error) {
	var succeeded bool
	switch event.Type {
	case paymentdomain.EventTypeChargeSucceeded:
		succeeded = true
	case paymentdomain.EventTypeChargeFailed, paymentdomain.EventTypeDisputeCreated:
		succeeded = false
	case paymentdomain.EventTypeChargeRefunded:
		// Refunds settle in the external ledger.
		return paymentdomain.OutcomeIgnored, nil
	default:
		return paymentdomain.OutcomeIgnored, nil
	}

	if event.InvoiceID == "" {
		return "", paymentdomain.ErrMissingInvoice
	}
	sub, err := s.outcomes.RecordChargeOutcome(ctx, subscriptiondomain.ChargeOutcome{
		InvoiceID: event.InvoiceID,
		Succeeded: succeeded,
		Amount:    event.Amount,
		Currency:  event.Currency,
	})
	if err != nil {
		return "", err
	}
	s.log.Debug("payment outcome applied",
		zap.String("event_id", event.ID),
		zap.String("subscription_id", sub.ID),
		zap.String("status", string(sub.Status)),
	)
	return paymentdomain.OutcomeProcessed, nil
}

func isChargeMismatch(err error) bool {
	return errors.Is(err, subscriptiondomain.ErrAmountMismatch) || errors.Is(err, subscriptiondomain.ErrCurrencyMismatch)
}

func validateEvent(event *paymentdomain.PaymentEvent) error {
	if event == nil {
		return paymentdomain.ErrInvalidEvent
	}
	event.ID = strings.TrimSpace(event.ID)
	if event.ID == "" {
		return paymentdomain.ErrInvalidEvent
	}
	event.Type = strings.ToLower(strings.TrimSpace(event.Type))
	if event.Type == "" {
		return paymentdomain.ErrInvalidEvent
	}
	event.Provider = strings.ToLower(strings.TrimSpace(event.Provider))
	if event.Provider == "" {
		return paymentdomain.ErrInvalidProvider
	}
	event.InvoiceID = strings.TrimSpace(event.InvoiceID)
	event.SubscriptionID = strings.TrimSpace(event.SubscriptionID)
	return nil
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func truncate(msg string) string {
	if len(msg) <= maxErrorLength {
		return msg
	}
	return msg[:maxErrorLength]
}
