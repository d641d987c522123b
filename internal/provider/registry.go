package provider

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/modelgate/modelgate/internal/config"
)

// ErrModelNotSupported is returned when no configured provider serves the
// requested model. It is a client error, not a retryable condition.
var ErrModelNotSupported = errors.New("model not supported")

// Registry is the immutable set of configured providers. It is constructed
// once at startup and passed by handle to the router; there is no ambient
// global, so tests can build isolated registries.
type Registry struct {
	providers []Provider
}

// NewRegistry creates a registry. Registration order is preserved and never
// reordered at runtime.
func NewRegistry(providers ...Provider) *Registry {
	return &Registry{providers: providers}
}

// Resolve returns the first registered provider whose model set contains
// the requested model. There is no fallback and no fuzzy matching; when
// several providers serve the same model, first-registered wins.
func (r *Registry) Resolve(model string) (Provider, error) {
	for _, p := range r.providers {
		for _, m := range p.Models() {
			if m == model {
				return p, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrModelNotSupported, model)
}

// Providers returns the registered providers in registration order.
func (r *Registry) Providers() []Provider {
	out := make([]Provider, len(r.providers))
	copy(out, r.providers)
	return out
}

// NewRegistryFromConfig builds the registry from the provider configuration.
// Every provider's secret is resolved here, at load time: a missing API key
// makes startup fail rather than surfacing per-request.
func NewRegistryFromConfig(cfgs []config.ProviderConfig, client *http.Client) (*Registry, error) {
	providers := make([]Provider, 0, len(cfgs))

	for _, cfg := range cfgs {
		apiKey := os.Getenv(cfg.APIKeyEnv)
		if apiKey == "" {
			return nil, fmt.Errorf("provider %s: API key environment variable %s is not set; "+
				"provide the key or remove the provider from the configuration", cfg.Name, cfg.APIKeyEnv)
		}

		opts := Options{
			Name:      cfg.Name,
			BaseURL:   cfg.BaseURL,
			APIKey:    apiKey,
			Models:    cfg.Models,
			Extra:     cfg.Extra,
			DeltaOnly: cfg.DeltaOnly,
			Client:    client,
		}

		switch cfg.Kind {
		case config.ProviderKindAnthropic:
			providers = append(providers, NewAnthropic(opts))
		default:
			providers = append(providers, NewOpenAICompat(opts))
		}
	}

	return NewRegistry(providers...), nil
}
