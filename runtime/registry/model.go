package registry

import (
	"fmt"

	"github.com/Kaboomtastic/tensorzero/runtime/gateway"
)

// ProviderBinding is one entry in a model's ordered provider list. Iteration
// order IS the failover order.
type ProviderBinding struct {
	Provider gateway.ProviderTag
	// ProviderName is the provider-config name used for credential lookup
	// and error attribution (may differ from Provider when a deployment
	// runs multiple bindings against the same provider tag, e.g. two
	// differently-configured OpenAI-compatible endpoints).
	ProviderName string
	Client       gateway.Client
}

// Model resolves to an ordered list of provider bindings.
type Model struct {
	Name     string
	Bindings []ProviderBinding
}

// ModelRegistry maps a model name to its ordered provider bindings. It is
// immutable after NewModelRegistry returns.
type ModelRegistry struct {
	models map[string]*Model
}

// NewModelRegistry builds an immutable registry from the given models, keyed
// by name.
func NewModelRegistry(models ...*Model) (*ModelRegistry, error) {
	m := make(map[string]*Model, len(models))
	for _, model := range models {
		if model == nil {
			continue
		}
		if model.Name == "" {
			return nil, fmt.Errorf("registry: model name is required")
		}
		if len(model.Bindings) == 0 {
			return nil, fmt.Errorf("registry: model %q must have at least one provider binding", model.Name)
		}
		if _, exists := m[model.Name]; exists {
			return nil, fmt.Errorf("registry: duplicate model name %q", model.Name)
		}
		m[model.Name] = model
	}
	return &ModelRegistry{models: m}, nil
}

// Resolve looks up a model's ordered provider bindings by name.
func (r *ModelRegistry) Resolve(name string) (*Model, error) {
	m, ok := r.models[name]
	if !ok {
		return nil, fmt.Errorf("registry: unknown model %q", name)
	}
	return m, nil
}
