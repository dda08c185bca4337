package adapters

import (
	"strings"

	"github.com/smallbiznis/settlement/internal/payment/domain"
)

type Registry struct {
	adapters map[string]domain.Adapter
}

func NewRegistry(adapters ...domain.Adapter) *Registry {
	registry := &Registry{adapters: map[string]domain.Adapter{}}
	for _, adapter := range adapters {
		if adapter == nil {
			continue
		}
		provider := normalize(adapter.Provider())
		if provider == "" {
			continue
		}
		registry.adapters[provider] = adapter
	}
	return registry
}

func (r *Registry) ProviderExists(provider string) bool {
	_, err := r.Adapter(provider)
	return err == nil
}

func (r *Registry) Adapter(provider string) (domain.Adapter, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	adapter, ok := r.adapters[normalize(provider)]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return adapter, nil
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
