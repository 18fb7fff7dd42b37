package payment

import (
	"github.com/smallbiznis/meterbill/internal/config"
	"github.com/smallbiznis/meterbill/internal/payment/adapters"
	"github.com/smallbiznis/meterbill/internal/payment/adapters/sandbox"
	"github.com/smallbiznis/meterbill/internal/payment/adapters/stripe"
	"github.com/smallbiznis/meterbill/internal/payment/domain"
	"github.com/smallbiznis/meterbill/internal/payment/repository"
	paymentservice "github.com/smallbiznis/meterbill/internal/payment/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// sandboxSecret signs sandbox webhooks outside production when none is configured.
const sandboxSecret = "whsec_sandbox_local"

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(
			sandbox.NewFactory(),
			stripe.NewFactory(),
		)
	}),
	fx.Provide(ProvideGateway),
	fx.Provide(paymentservice.NewService),
)

// ProvideGateway builds the configured gateway from the registry.
func ProvideGateway(cfg config.Config, registry *adapters.Registry, log *zap.Logger) (domain.Gateway, error) {
	gwCfg := domain.GatewayConfig{
		Name:          cfg.Gateway.Name,
		WebhookSecret: cfg.Gateway.WebhookSecret,
		Options: map[string]string{
			"outcome":  cfg.Gateway.SandboxOutcome,
			"api_key":  cfg.Gateway.APIKey,
			"api_base": cfg.Gateway.APIBase,
		},
	}
	if gwCfg.WebhookSecret == "" && gwCfg.Name == sandbox.Provider && !cfg.IsProduction() {
		log.Named("payment").Warn("sandbox gateway without webhook secret, using local default")
		gwCfg.WebhookSecret = sandboxSecret
	}
	gateway, err := registry.NewGateway(gwCfg)
	if err != nil {
		return nil, err
	}
	log.Named("payment").Info("payment gateway ready", zap.String("gateway", gateway.Name()))
	return gateway, nil
}
