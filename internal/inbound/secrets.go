package inbound

import (
	"context"
	"errors"

	"relay/internal/store"
)

// SecretSource resolves a tenant's signing secret for a provider.
type SecretSource interface {
	Secret(ctx context.Context, tenantID, provider string) (string, error)
}

// TenantProvider keys a configured secret.
type TenantProvider struct {
	Tenant   string
	Provider string
}

// StoreSecrets reads per-tenant secrets from the store, then from secrets pinned
// per tenant in configuration. There is no provider-wide fallback: a tenant
// without its own secret cannot be verified.
type StoreSecrets struct {
	Store      store.Inbound
	Configured map[TenantProvider]string
}

func (s StoreSecrets) Secret(ctx context.Context, tenantID, provider string) (string, error) {
	if s.Store != nil {
		sec, err := s.Store.InboundSecret(ctx, tenantID, provider)
		if err == nil && sec != "" {
			return sec, nil
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
	}
	if sec := s.Configured[TenantProvider{Tenant: tenantID, Provider: provider}]; sec != "" {
		return sec, nil
	}
	return "", store.ErrNotFound
}
