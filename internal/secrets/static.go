package secrets

import (
	"context"
	"fmt"
	"sync"
)

// StaticProvider resolves references from an in-memory map. It backs
// per-request credentials (tokens handed to the executor by the API
// layer) and test fixtures. Reference format: the bare key name.
type StaticProvider struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewStaticProvider creates a map-backed secret provider.
func NewStaticProvider(values map[string]string) *StaticProvider {
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return &StaticProvider{values: copied}
}

func (p *StaticProvider) Name() string { return "static" }

func (p *StaticProvider) Resolve(_ context.Context, credentialRef string) (string, error) {
	p.mu.RLock()
	value, ok := p.values[credentialRef]
	p.mu.RUnlock()
	if !ok || value == "" {
		return "", fmt.Errorf("%w: no static value for %q", ErrSecretNotFound, credentialRef)
	}
	return value, nil
}

// Set adds or replaces a static value.
func (p *StaticProvider) Set(key, value string) {
	p.mu.Lock()
	p.values[key] = value
	p.mu.Unlock()
}

// Chain tries each provider in order; the first successful resolution wins.
type Chain struct {
	providers []Provider
}

// NewChain creates a provider that delegates to the given providers in order.
func NewChain(providers ...Provider) *Chain {
	return &Chain{providers: providers}
}

func (c *Chain) Name() string { return "chain" }

func (c *Chain) Resolve(ctx context.Context, credentialRef string) (string, error) {
	var lastErr error
	for _, provider := range c.providers {
		value, err := provider.Resolve(ctx, credentialRef)
		if err == nil {
			return value, nil
		}
		lastErr = err
	}
	if lastErr != nil {
		return "", lastErr
	}
	return "", fmt.Errorf("%w: no provider could resolve %q", ErrSecretNotFound, credentialRef)
}
