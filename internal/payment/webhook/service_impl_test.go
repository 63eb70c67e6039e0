package webhook

import (
	"context"
	"net/http"
	"testing"

	"github.com/smallbiznis/tenantbilling/internal/config"
	"github.com/smallbiznis/tenantbilling/internal/payment/adapters"
	"github.com/smallbiznis/tenantbilling/internal/payment/adapters/hmac"
	"github.com/smallbiznis/tenantbilling/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/tenantbilling/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type capturingIngester struct {
	events []*paymentdomain.PaymentEvent
}

func (c *capturingIngester) Ingest(ctx context.Context, event *paymentdomain.PaymentEvent) (paymentdomain.IngestOutcome, error) {
	c.events = append(c.events, event)
	return paymentdomain.OutcomeProcessed, nil
}

func newWebhookService(t *testing.T, cfg config.PaymentConfig) (paymentdomain.WebhookService, *capturingIngester) {
	t.Helper()
	ingester := &capturingIngester{}
	svc := NewService(Params{
		Log:        zap.NewNop(),
		PaymentSvc: ingester,
		Adapters:   adapters.NewRegistry(stripe.NewFactory(), hmac.NewFactory()),
		Cfg:        config.Config{Payment: cfg},
	})
	return svc, ingester
}

func TestIngestWebhookVerifiesBeforeIngesting(t *testing.T) {
	svc, ingester := newWebhookService(t, config.PaymentConfig{DefaultProvider: "hmac", HMACWebhookSecret: "shared"})
	ctx := context.Background()
	payload := []byte(`{"id":"evt_1","type":"charge.succeeded","invoice_id":"inv_1"}`)

	bad := http.Header{}
	bad.Set(hmac.SignatureHeader, hmac.Sign("wrong", payload))
	_, err := svc.IngestWebhook(ctx, "hmac", payload, bad)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)
	assert.Empty(t, ingester.events)

	good := http.Header{}
	good.Set(hmac.SignatureHeader, hmac.Sign("shared", payload))
	outcome, err := svc.IngestWebhook(ctx, "", payload, good)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.OutcomeProcessed, outcome)
	require.Len(t, ingester.events, 1)
	assert.Equal(t, "hmac", ingester.events[0].Provider)
	assert.Equal(t, "inv_1", ingester.events[0].InvoiceID)
}

func TestIngestWebhookRejectsUnconfiguredProvider(t *testing.T) {
	svc, _ := newWebhookService(t, config.PaymentConfig{DefaultProvider: "stripe"})
	ctx := context.Background()

	_, err := svc.IngestWebhook(ctx, "stripe", []byte(`{}`), http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrProviderNotFound)

	_, err = svc.IngestWebhook(ctx, "paypal", []byte(`{}`), http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrProviderNotFound)
}

func TestIngestWebhookRejectsInvalidJSON(t *testing.T) {
	svc, _ := newWebhookService(t, config.PaymentConfig{HMACWebhookSecret: "shared"})
	_, err := svc.IngestWebhook(context.Background(), "hmac", []byte(`{`), http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidPayload)
}
