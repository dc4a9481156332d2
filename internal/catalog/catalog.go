// Package catalog holds the embedded model catalog: per-model context
// windows, pricing, typical latency, and capability scores. The dynamic
// router scores candidates against this data.
package catalog

import (
	"embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed config/*.yaml
var configFiles embed.FS

var providerFiles = []string{"anthropic", "openai", "lorem"}

// Registry holds the loaded catalog, keyed by provider then model.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*ProviderCatalog
}

// NewRegistry loads the embedded YAML catalog files.
func NewRegistry() (*Registry, error) {
	r := &Registry{providers: make(map[string]*ProviderCatalog)}
	for _, provider := range providerFiles {
		if err := r.loadProviderFile(provider); err != nil {
			return nil, fmt.Errorf("load %s catalog: %w", provider, err)
		}
	}
	return r, nil
}

func (r *Registry) loadProviderFile(provider string) error {
	filename := fmt.Sprintf("config/%s.yaml", provider)
	data, err := configFiles.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read %s: %w", filename, err)
	}

	var cat ProviderCatalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return fmt.Errorf("unmarshal %s: %w", filename, err)
	}
	for id, model := range cat.Models {
		model.ID = id
	}

	r.mu.Lock()
	r.providers[provider] = &cat
	r.mu.Unlock()
	return nil
}

// Model returns the catalog entry for provider/model.
func (r *Registry) Model(provider, model string) (*ModelInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cat, ok := r.providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %q not in catalog", provider)
	}
	info, ok := cat.Models[model]
	if !ok {
		return nil, fmt.Errorf("model %q not in %s catalog", model, provider)
	}
	return info, nil
}

// Models returns all catalog entries for a provider.
func (r *Registry) Models(provider string) []*ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cat, ok := r.providers[provider]
	if !ok {
		return nil
	}
	out := make([]*ModelInfo, 0, len(cat.Models))
	for _, info := range cat.Models {
		out = append(out, info)
	}
	return out
}

// Providers returns provider names present in the catalog.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
