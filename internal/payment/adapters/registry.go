package adapters

import (
	"strings"

	"github.com/smallbiznis/meterbill/internal/payment/domain"
)

// Registry maps gateway names to their factories.
type Registry struct {
	factories map[string]domain.GatewayFactory
}

func NewRegistry(factories ...domain.GatewayFactory) *Registry {
	registry := &Registry{factories: map[string]domain.GatewayFactory{}}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		provider := normalize(factory.Provider())
		if provider == "" {
			continue
		}
		registry.factories[provider] = factory
	}
	return registry
}

func (r *Registry) ProviderExists(provider string) bool {
	if r == nil {
		return false
	}
	_, ok := r.factories[normalize(provider)]
	return ok
}

func (r *Registry) NewGateway(cfg domain.GatewayConfig) (domain.Gateway, error) {
	if r == nil {
		return nil, domain.ErrGatewayNotFound
	}
	factory, ok := r.factories[normalize(cfg.Name)]
	if !ok {
		return nil, domain.ErrGatewayNotFound
	}
	return factory.NewGateway(cfg)
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
