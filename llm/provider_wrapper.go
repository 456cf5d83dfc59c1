package llm

import (
	"context"
	"fmt"
	"sync"
)

// ProviderWrapper wraps a Provider with a per-instance API key and base
// URL.
type ProviderWrapper struct {
	baseProvider Provider
	apiKey       string
	baseURL      string
}

// NewProviderWrapper builds the wrapper.
func NewProviderWrapper(baseProvider Provider, apiKey, baseURL string) *ProviderWrapper {
	return &ProviderWrapper{
		baseProvider: baseProvider,
		apiKey:       apiKey,
		baseURL:      baseURL,
	}
}

// Completion implements Provider.
func (w *ProviderWrapper) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	// The override travels through the context; how it is applied is up
	// to the underlying provider.
	return w.baseProvider.Completion(ctx, req)
}

// Stream implements Provider.
func (w *ProviderWrapper) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	return w.baseProvider.Stream(ctx, req)
}

// HealthCheck implements Provider.
func (w *ProviderWrapper) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	return w.baseProvider.HealthCheck(ctx)
}

// Name implements Provider.
func (w *ProviderWrapper) Name() string {
	return w.baseProvider.Name()
}

// SupportsNativeFunctionCalling implements Provider.
func (w *ProviderWrapper) SupportsNativeFunctionCalling() bool {
	return w.baseProvider.SupportsNativeFunctionCalling()
}

// ListModels implements Provider.
func (w *ProviderWrapper) ListModels(ctx context.Context) ([]Model, error) {
	return w.baseProvider.ListModels(ctx)
}

// GetAPIKey returns the wrapped key.
func (w *ProviderWrapper) GetAPIKey() string {
	return w.apiKey
}

// GetBaseURL returns the wrapped base URL.
func (w *ProviderWrapper) GetBaseURL() string {
	return w.baseURL
}

// ProviderFactory creates provider instances from a key and base URL.
type ProviderFactory interface {
	CreateProvider(providerCode string, apiKey string, baseURL string) (Provider, error)
}

// DefaultProviderFactory is the registry-backed implementation.
type DefaultProviderFactory struct {
	mu           sync.RWMutex
	constructors map[string]func(apiKey, baseURL string) (Provider, error)
}

// NewDefaultProviderFactory builds an empty factory.
func NewDefaultProviderFactory() *DefaultProviderFactory {
	return &DefaultProviderFactory{
		constructors: make(map[string]func(apiKey, baseURL string) (Provider, error)),
	}
}

// RegisterProvider registers a constructor under code.
func (f *DefaultProviderFactory) RegisterProvider(code string, constructor func(apiKey, baseURL string) (Provider, error)) {
	f.mu.Lock()
	f.constructors[code] = constructor
	f.mu.Unlock()
}

// CreateProvider builds a provider by code.
func (f *DefaultProviderFactory) CreateProvider(providerCode string, apiKey string, baseURL string) (Provider, error) {
	f.mu.RLock()
	constructor, exists := f.constructors[providerCode]
	f.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("provider %s not registered", providerCode)
	}

	return constructor(apiKey, baseURL)
}
