package provider

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"coursechat/internal/config"
	"coursechat/internal/domain"
)

// FailoverName selects the provider chain configured in general.failoverChain.
const FailoverName = "failover"

// ProviderConstructor is a function that creates a provider from a config entry.
type ProviderConstructor func(pc config.ProviderConfig, logger *slog.Logger) domain.Provider

// Factory creates and caches LLM providers from config.
type Factory struct {
	cfg          *config.Config
	logger       *slog.Logger
	constructors map[string]ProviderConstructor
	aliases      map[string]string
	cache        map[string]domain.Provider
	mu           sync.RWMutex
}

// NewFactory creates a provider factory with the built-in constructors registered.
func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	f := &Factory{
		cfg:          cfg,
		logger:       logger,
		constructors: make(map[string]ProviderConstructor),
		aliases:      map[string]string{"anthropic": "claude", "azure": "openai"},
		cache:        make(map[string]domain.Provider),
	}
	f.registerDefaults()
	return f
}

// RegisterConstructor adds (or replaces) a provider constructor by name.
func (f *Factory) RegisterConstructor(name string, ctor ProviderConstructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[name] = ctor
}

// registerDefaults registers all built-in provider constructors.
func (f *Factory) registerDefaults() {
	client := SharedHTTPClient(0)

	f.constructors["ollama"] = func(pc config.ProviderConfig, logger *slog.Logger) domain.Provider {
		return NewOllama(OllamaConfig{APIBase: pc.APIBase, DefaultModel: pc.DefaultModel, Models: pc.Models, Client: client, Logger: logger})
	}

	f.constructors["openai"] = func(pc config.ProviderConfig, logger *slog.Logger) domain.Provider {
		return NewOpenAI(OpenAIConfig{APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel, Models: pc.Models, Client: client, Logger: logger})
	}

	f.constructors["claude"] = func(pc config.ProviderConfig, logger *slog.Logger) domain.Provider {
		return NewClaude(ClaudeConfig{APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel, Logger: logger})
	}
}

// Get returns the provider with the given name, or the default if name is empty.
// Created providers are cached so the same instance is reused across calls.
func (f *Factory) Get(name string) (domain.Provider, error) {
	if name == "" {
		name = f.cfg.General.DefaultProvider
	}
	if alias, ok := f.aliases[name]; ok {
		if _, configured := f.cfg.Providers[name]; !configured {
			name = alias
		}
	}

	// Fast path: read lock.
	f.mu.RLock()
	if cached, ok := f.cache[name]; ok {
		f.mu.RUnlock()
		return cached, nil
	}
	f.mu.RUnlock()

	if name == FailoverName {
		return f.failover()
	}

	// Slow path: write lock with double-check.
	f.mu.Lock()
	defer f.mu.Unlock()

	if cached, ok := f.cache[name]; ok {
		return cached, nil
	}

	p, err := f.build(name)
	if err != nil {
		return nil, err
	}
	f.cache[name] = p
	return p, nil
}

// build must be called with f.mu held.
func (f *Factory) build(name string) (domain.Provider, error) {
	pc, ok := f.cfg.Providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	if !pc.Enabled {
		return nil, fmt.Errorf("provider %s is disabled", name)
	}

	if ctor, found := f.constructors[name]; found {
		return ctor(pc, f.logger), nil
	}
	if pc.APIBase != "" {
		// Fallback: treat unknown providers as OpenAI-compatible.
		return NewOpenAI(OpenAIConfig{Name: name, APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.DefaultModel, Models: pc.Models, Logger: f.logger}), nil
	}
	return nil, fmt.Errorf("provider %s: no constructor registered and no API base configured", name)
}

func (f *Factory) failover() (domain.Provider, error) {
	chain := f.cfg.General.FailoverChain
	if len(chain) == 0 {
		return nil, fmt.Errorf("provider %s: general.failoverChain is empty", FailoverName)
	}
	providers := make([]domain.Provider, 0, len(chain))
	for _, name := range chain {
		p, err := f.Get(name)
		if err != nil {
			f.logger.Warn("failover: skipping provider", "provider", name, "err", err)
			continue
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("provider %s: no usable provider in chain", FailoverName)
	}
	fp := NewFailoverProvider(providers, f.logger)

	f.mu.Lock()
	defer f.mu.Unlock()
	if cached, ok := f.cache[FailoverName]; ok {
		return cached, nil
	}
	f.cache[FailoverName] = fp
	return fp, nil
}

// DefaultProvider returns the configured default provider.
func (f *Factory) DefaultProvider() (domain.Provider, error) {
	return f.Get("")
}

// Names lists the enabled providers in a stable order.
func (f *Factory) Names() []string {
	var names []string
	for name, pc := range f.cfg.Providers {
		if pc.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// HealthyProvider returns the first provider that passes a health check, or nil.
func (f *Factory) HealthyProvider(ctx context.Context) domain.Provider {
	for _, name := range f.Names() {
		p, err := f.Get(name)
		if err != nil || p == nil {
			continue
		}
		if p.Healthy(ctx) == nil {
			return p
		}
	}
	return nil
}
