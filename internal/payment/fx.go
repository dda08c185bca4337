package payment

import (
	"github.com/smallbiznis/settlement/internal/clock"
	"github.com/smallbiznis/settlement/internal/config"
	"github.com/smallbiznis/settlement/internal/payment/adapters"
	"github.com/smallbiznis/settlement/internal/payment/adapters/bridge"
	"github.com/smallbiznis/settlement/internal/payment/adapters/stripe"
	"github.com/smallbiznis/settlement/internal/payment/repository"
	paymentservice "github.com/smallbiznis/settlement/internal/payment/service"
	"github.com/smallbiznis/settlement/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(NewRegistry),
	fx.Provide(paymentservice.NewService),
	fx.Provide(webhook.NewService),
)

// NewRegistry builds the adapters for the configured providers. Secrets are
// checked on delivery, so a disabled provider still answers with a clear
// error instead of a 404.
func NewRegistry(cfg config.Config, clk clock.Clock) (*adapters.Registry, error) {
	bridgeAdapter, err := bridge.NewAdapter(cfg.Bridge.WebhookPublicKey, clk)
	if err != nil {
		return nil, err
	}
	return adapters.NewRegistry(
		stripe.NewAdapter(cfg.Stripe.WebhookSecret, clk),
		bridgeAdapter,
	), nil
}
