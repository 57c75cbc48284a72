package config

// ModelsConfig carries per-model request tuning from models.yaml.
type ModelsConfig struct {
	Models map[string]ModelOptions `yaml:"models"`
}

type ModelOptions struct {
	// ReasoningEffort is sent to the responses protocol: none, minimal, low, medium, high or xhigh.
	ReasoningEffort string `yaml:"reasoning_effort"`
}

const defaultReasoningEffort = "high"

// ReasoningEffort returns the configured effort for a model, defaulting to high.
func (m *ModelsConfig) ReasoningEffort(model string) string {
	if m == nil {
		return defaultReasoningEffort
	}
	if opts, ok := m.Models[model]; ok && opts.ReasoningEffort != "" {
		return opts.ReasoningEffort
	}
	return defaultReasoningEffort
}
