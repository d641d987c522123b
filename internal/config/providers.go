package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Provider kinds supported by the gateway. The set is closed: the adapter
// for a provider is selected at configuration-load time, never at runtime.
const (
	ProviderKindOpenAI    = "openai"
	ProviderKindAnthropic = "anthropic"
)

// ProviderConfig describes one upstream LLM provider.
type ProviderConfig struct {
	// Name identifies the provider in logs and errors.
	Name string `yaml:"name"`
	// Kind selects the wire format: "openai" or "anthropic".
	Kind string `yaml:"kind"`
	// BaseURL is the provider API base, e.g. "https://api.openai.com/v1".
	BaseURL string `yaml:"base_url"`
	// APIKeyEnv names the environment variable holding the provider secret.
	// The secret is resolved at load time; a missing secret makes the whole
	// configuration invalid rather than failing per-request.
	APIKeyEnv string `yaml:"api_key_env"`
	// Models lists the model identifiers served by this provider.
	Models []string `yaml:"models"`
	// Extra is merged into every outbound payload after the caller fields,
	// so configured values override what the caller sent.
	Extra map[string]any `yaml:"extra,omitempty"`
	// DeltaOnly enables the stricter normalization used for upstreams that
	// emit bare delta choices: frames are collapsed to a single
	// {index: 0, delta} choice and unrecognized frames are suppressed.
	DeltaOnly bool `yaml:"delta_only,omitempty"`
}

// providerFile is the on-disk shape of the provider configuration.
type providerFile struct {
	Providers []ProviderConfig `yaml:"providers"`
}

// LoadProviders reads the provider configuration file. Registration order in
// the file is preserved; model resolution is first-registered-wins.
func LoadProviders(path string) ([]ProviderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider config: %w", err)
	}

	var file providerFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse provider config: %w", err)
	}

	if len(file.Providers) == 0 {
		return nil, fmt.Errorf("provider config %s defines no providers", path)
	}

	for i := range file.Providers {
		if err := validateProvider(&file.Providers[i]); err != nil {
			return nil, err
		}
	}

	return file.Providers, nil
}

func validateProvider(p *ProviderConfig) error {
	if p.Name == "" {
		return fmt.Errorf("provider with base URL %q has no name", p.BaseURL)
	}
	switch p.Kind {
	case ProviderKindOpenAI, ProviderKindAnthropic:
	case "":
		// Kind defaults to the OpenAI-compatible pass-through.
		p.Kind = ProviderKindOpenAI
	default:
		return fmt.Errorf("provider %s has unknown kind %q", p.Name, p.Kind)
	}
	if p.BaseURL == "" {
		return fmt.Errorf("provider %s has no base URL", p.Name)
	}
	if p.APIKeyEnv == "" {
		return fmt.Errorf("provider %s has no api_key_env", p.Name)
	}
	if len(p.Models) == 0 {
		return fmt.Errorf("provider %s declares no models", p.Name)
	}
	return nil
}
