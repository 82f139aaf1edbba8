package capabilities

import (
	"embed"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"tollgate/internal/domain/models/llm"
)

//go:embed config/*.yaml
var configFiles embed.FS

// Registry holds the embedded model catalog
type Registry struct {
	mu     sync.RWMutex
	models []ModelInfo
	byID   map[string]int
}

// NewRegistry loads the embedded catalog
func NewRegistry() (*Registry, error) {
	data, err := configFiles.ReadFile("config/models.yaml")
	if err != nil {
		return nil, fmt.Errorf("read model catalog: %w", err)
	}
	return NewRegistryFromYAML(data)
}

// NewRegistryFromYAML builds a registry from catalog YAML
func NewRegistryFromYAML(data []byte) (*Registry, error) {
	var provider ProviderModels
	if err := yaml.Unmarshal(data, &provider); err != nil {
		return nil, fmt.Errorf("unmarshal model catalog: %w", err)
	}

	r := &Registry{byID: make(map[string]int, len(provider.Models))}
	for _, m := range provider.Models {
		if _, err := parsePrice(m.PromptPer1K); err != nil {
			return nil, fmt.Errorf("model %s: prompt_per_1k: %w", m.ID, err)
		}
		if _, err := parsePrice(m.CompletionPer1K); err != nil {
			return nil, fmt.Errorf("model %s: completion_per_1k: %w", m.ID, err)
		}
		r.byID[m.ID] = len(r.models)
		r.models = append(r.models, m)
	}
	return r, nil
}

// GetModel returns the catalog entry for a model
func (r *Registry) GetModel(model string) (*ModelInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i, ok := r.byID[model]
	if !ok {
		return nil, false
	}
	m := r.models[i]
	return &m, true
}

// ListModels returns all models in catalog order
func (r *Registry) ListModels() []ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]ModelInfo(nil), r.models...)
}

// FallbackPrice returns the catalog price of a model
func (r *Registry) FallbackPrice(model string) (llm.ModelPrice, bool) {
	m, ok := r.GetModel(model)
	if !ok {
		return llm.ModelPrice{}, false
	}
	// Validated in NewRegistryFromYAML
	prompt, _ := parsePrice(m.PromptPer1K)
	completion, _ := parsePrice(m.CompletionPer1K)
	return llm.ModelPrice{
		Model:           m.ID,
		PromptPer1K:     prompt,
		CompletionPer1K: completion,
		ContextLength:   m.ContextWindow,
	}, true
}

func parsePrice(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative price %s", s)
	}
	return d, nil
}
