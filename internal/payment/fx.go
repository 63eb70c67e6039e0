package payment

import (
	"github.com/smallbiznis/tenantbilling/internal/payment/adapters"
	"github.com/smallbiznis/tenantbilling/internal/payment/adapters/hmac"
	"github.com/smallbiznis/tenantbilling/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/tenantbilling/internal/payment/domain"
	"github.com/smallbiznis/tenantbilling/internal/payment/repository"
	paymentservice "github.com/smallbiznis/tenantbilling/internal/payment/service"
	"github.com/smallbiznis/tenantbilling/internal/payment/webhook"
	subscriptiondomain "github.com/smallbiznis/tenantbilling/internal/subscription/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(
			stripe.NewFactory(),
			hmac.NewFactory(),
		)
	}),
	fx.Provide(func(subscriptions subscriptiondomain.Service) paymentdomain.OutcomeRecorder {
		return subscriptions
	}),
	fx.Provide(paymentservice.NewService),
	fx.Provide(webhook.NewService),
)
