package stripe

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	stripeapi "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	paymentdomain "github.com/smallbiznis/tenantbilling/internal/payment/domain"
)

const providerName = "stripe"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return providerName
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Adapter{webhookSecret: secret, tolerance: tolerance}, nil
}

// Adapter maps Stripe webhook deliveries onto canonical payment events. The
// charge or payment intent must carry invoice_id (and optionally
// subscription_id) in its metadata.
type Adapter struct {
	webhookSecret string
	tolerance     time.Duration
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}
	_, err := webhook.ConstructEventWithOptions(payload, sigHeader, a.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                a.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var event stripeapi.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	var object stripeObject
	if event.Data != nil && len(event.Data.Raw) > 0 {
		if err := json.Unmarshal(event.Data.Raw, &object); err != nil {
			return nil, paymentdomain.ErrInvalidPayload
		}
	}

	amount := object.Amount
	if object.AmountReceived > 0 {
		amount = object.AmountReceived
	}
	return &paymentdomain.PaymentEvent{
		ID:             event.ID,
		Provider:       providerName,
		Type:           canonicalType(string(event.Type)),
		SubscriptionID: strings.TrimSpace(object.Metadata["subscription_id"]),
		InvoiceID:      strings.TrimSpace(object.Metadata["invoice_id"]),
		Amount:         amount,
		Currency:       strings.ToUpper(strings.TrimSpace(object.Currency)),
		OccurredAt:     timestamp(object.Created, event.Created),
		RawPayload:     payload,
	}, nil
}

type stripeObject struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"`
	AmountReceived int64             `json:"amount_received"`
	Currency       string            `json:"currency"`
	Created        int64             `json:"created"`
	Metadata       map[string]string `json:"metadata"`
}

// canonicalType folds payment intent events onto their charge equivalents.
// Unlisted types pass through and are recorded without effect.
func canonicalType(raw string) string {
	switch strings.TrimSpace(raw) {
	case "charge.succeeded", "payment_intent.succeeded":
		return paymentdomain.EventTypeChargeSucceeded
	case "charge.failed", "payment_intent.payment_failed":
		return paymentdomain.EventTypeChargeFailed
	case "charge.refunded":
		return paymentdomain.EventTypeChargeRefunded
	case "charge.dispute.created":
		return paymentdomain.EventTypeDisputeCreated
	default:
		return strings.TrimSpace(raw)
	}
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}
