package payment

import (
	"github.com/melodex/melodex/internal/payment/adapters"
	"github.com/melodex/melodex/internal/payment/adapters/paypal"
	"github.com/melodex/melodex/internal/payment/adapters/razorpay"
	"github.com/melodex/melodex/internal/payment/adapters/stripe"
	"github.com/melodex/melodex/internal/payment/repository"
	"github.com/melodex/melodex/internal/payment/service"
	"github.com/melodex/melodex/internal/payment/webhook"
	"go.uber.org/fx"
)

func newRegistry() *adapters.Registry {
	return adapters.NewRegistry(
		stripe.NewFactory(),
		razorpay.NewFactory(),
		paypal.NewFactory(),
	)
}

var Module = fx.Module("payment.service",
	fx.Provide(newRegistry),
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(webhook.NewService),
)
