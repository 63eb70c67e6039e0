// Package hmac accepts a provider-neutral JSON envelope signed with a shared
// secret in the X-Signature header as "sha256=<hex>".
package hmac

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	paymentdomain "github.com/smallbiznis/tenantbilling/internal/payment/domain"
)

const (
	providerName    = "hmac"
	SignatureHeader = "X-Signature"
	signaturePrefix = "sha256="
)

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
	return &Adapter{secret: []byte(secret)}, nil
}

type Adapter struct {
	secret []byte
}

type envelope struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	SubscriptionID string    `json:"subscription_id"`
	InvoiceID      string    `json:"invoice_id"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Sign returns the header value for payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	header := strings.TrimSpace(headers.Get(SignatureHeader))
	if !strings.HasPrefix(header, signaturePrefix) {
		return paymentdomain.ErrInvalidSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, a.secret)
	_, _ = mac.Write(payload)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(env.ID) == "" || strings.TrimSpace(env.Type) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}
	occurredAt := env.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	return &paymentdomain.PaymentEvent{
		ID:             strings.TrimSpace(env.ID),
		Provider:       providerName,
		Type:           strings.ToLower(strings.TrimSpace(env.Type)),
		SubscriptionID: strings.TrimSpace(env.SubscriptionID),
		InvoiceID:      strings.TrimSpace(env.InvoiceID),
		Amount:         env.Amount,
		Currency:       strings.ToUpper(strings.TrimSpace(env.Currency)),
		OccurredAt:     occurredAt.UTC(),
		RawPayload:     payload,
	}, nil
}
