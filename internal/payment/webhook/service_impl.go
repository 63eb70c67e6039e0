package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/smallbiznis/tenantbilling/internal/config"
	"github.com/smallbiznis/tenantbilling/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/tenantbilling/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	PaymentSvc paymentdomain.Service
	Adapters   *adapters.Registry
	Cfg        config.Config
}

type Service struct {
	log             *zap.Logger
	paymentSvc      paymentdomain.Service
	defaultProvider string
	adapters        map[string]paymentdomain.PaymentAdapter
}

// NewService builds one adapter per provider that has a configured secret.
// Providers without a secret reject every delivery.
func NewService(p Params) paymentdomain.WebhookService {
	log := p.Log.Named("payment.webhook")
	configured := map[string]paymentdomain.AdapterConfig{
		"stripe": {Provider: "stripe", Secret: p.Cfg.Payment.StripeWebhookSecret, Tolerance: p.Cfg.Payment.StripeTolerance},
		"hmac":   {Provider: "hmac", Secret: p.Cfg.Payment.HMACWebhookSecret},
	}

	built := map[string]paymentdomain.PaymentAdapter{}
	for provider, cfg := range configured {
		if strings.TrimSpace(cfg.Secret) == "" || !p.Adapters.ProviderExists(provider) {
			continue
		}
		adapter, err := p.Adapters.NewAdapter(provider, cfg)
		if err != nil {
			log.Warn("payment adapter disabled", zap.String("provider", provider), zap.Error(err))
			continue
		}
		built[provider] = adapter
	}

	return &Service{
		log:             log,
		paymentSvc:      p.PaymentSvc,
		defaultProvider: strings.ToLower(strings.TrimSpace(p.Cfg.Payment.DefaultProvider)),
		adapters:        built,
	}
}

func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (paymentdomain.IngestOutcome, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		provider = s.defaultProvider
	}
	if provider == "" {
		return "", paymentdomain.ErrInvalidProvider
	}
	adapter, ok := s.adapters[provider]
	if !ok {
		return "", paymentdomain.ErrProviderNotFound
	}
	if !json.Valid(payload) {
		return "", paymentdomain.ErrInvalidPayload
	}

	if err := adapter.Verify(ctx, payload, headers); err != nil {
		if errors.Is(err, paymentdomain.ErrInvalidSignature) {
			s.log.Warn("payment webhook signature rejected", zap.String("provider", provider))
		}
		return "", err
	}

	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		return "", err
	}
	event.Provider = provider
	if event.RawPayload == nil {
		event.RawPayload = payload
	}
	return s.paymentSvc.Ingest(ctx, event)
}
