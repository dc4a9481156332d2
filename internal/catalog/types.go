package catalog

// ModelInfo is the routing-relevant metadata for one model.
type ModelInfo struct {
	// Model identifier (set during YAML unmarshaling from the map key)
	ID string `yaml:"-" json:"id"`

	DisplayName string `yaml:"display_name" json:"display_name"`

	// ContextWindow is the maximum input size in tokens. Candidates that
	// cannot fit a request's estimated input are filtered by the router.
	ContextWindow int `yaml:"context_window" json:"context_window"`

	// TypicalTTFTMs is the model's typical time-to-first-token, used as
	// the latency signal in route scoring.
	TypicalTTFTMs int `yaml:"typical_ttft_ms" json:"typical_ttft_ms"`

	// Prices are USD per million tokens.
	InputPrice  float64 `yaml:"input_price" json:"input_price"`
	OutputPrice float64 `yaml:"output_price" json:"output_price"`

	// Capabilities maps task type to a 0..1 fitness score. Task types
	// absent from the map fall back to the generic_chat entry.
	Capabilities map[string]float64 `yaml:"capabilities" json:"capabilities"`
}

// CapabilityFor returns the model's fitness for a task type, falling
// back to generic_chat and then a neutral 0.5.
func (m *ModelInfo) CapabilityFor(taskType string) float64 {
	if score, ok := m.Capabilities[taskType]; ok {
		return score
	}
	if score, ok := m.Capabilities["generic_chat"]; ok {
		return score
	}
	return 0.5
}

// ProviderCatalog is one provider's model list as stored in YAML.
type ProviderCatalog struct {
	Models map[string]*ModelInfo `yaml:"models"`
}
