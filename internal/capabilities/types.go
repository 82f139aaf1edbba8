package capabilities

import (
	"gopkg.in/yaml.v3"
)

// ModelInfo is the static metadata kept for a model
type ModelInfo struct {
	// Model identifier (set during YAML unmarshaling)
	ID string `yaml:"-" json:"id"`

	DisplayName string `yaml:"display_name" json:"display_name"`

	// Limits
	ContextWindow int `yaml:"context_window" json:"context_window"`
	MaxOutput     int `yaml:"max_output" json:"max_output"`

	// Fallback pricing, USD per 1K tokens, kept as decimal strings
	PromptPer1K     string `yaml:"prompt_per_1k" json:"prompt_per_1k"`
	CompletionPer1K string `yaml:"completion_per_1k" json:"completion_per_1k"`
}

// ProviderModels represents all models for a provider
type ProviderModels struct {
	Provider string      `yaml:"provider" json:"provider"`
	Models   []ModelInfo `yaml:"-" json:"models"` // Ordered slice, populated by custom unmarshaler
}

// UnmarshalYAML preserves model order from the YAML mapping
func (p *ProviderModels) UnmarshalYAML(node *yaml.Node) error {
	type modelsOnly struct {
		Provider string               `yaml:"provider"`
		Models   map[string]ModelInfo `yaml:"models"`
	}
	var m modelsOnly
	if err := node.Decode(&m); err != nil {
		return err
	}
	p.Provider = m.Provider

	// node.Content alternates key, value
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value != "models" {
			continue
		}
		modelsNode := node.Content[i+1]
		for j := 0; j+1 < len(modelsNode.Content); j += 2 {
			id := modelsNode.Content[j].Value
			if model, ok := m.Models[id]; ok {
				model.ID = id
				p.Models = append(p.Models, model)
			}
		}
		break
	}

	return nil
}
