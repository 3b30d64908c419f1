package registry

import (
	"testing"

	"github.com/Kaboomtastic/tensorzero/runtime/gateway"
)

func TestNewModelRegistry_RequiresAtLeastOneBinding(t *testing.T) {
	_, err := NewModelRegistry(&Model{Name: "gpt-4o"})
	if err == nil {
		t.Fatal("expected an error for a model with no provider bindings")
	}
}

func TestNewModelRegistry_RejectsDuplicateNames(t *testing.T) {
	binding := ProviderBinding{Provider: gateway.ProviderOpenAI, ProviderName: "openai"}
	m1 := &Model{Name: "gpt-4o", Bindings: []ProviderBinding{binding}}
	m2 := &Model{Name: "gpt-4o", Bindings: []ProviderBinding{binding}}
	if _, err := NewModelRegistry(m1, m2); err == nil {
		t.Fatal("expected an error for a duplicate model name")
	}
}

func TestModelRegistry_ResolvePreservesBindingOrder(t *testing.T) {
	m := &Model{
		Name: "gpt-4o",
		Bindings: []ProviderBinding{
			{Provider: gateway.ProviderOpenAI, ProviderName: "openai-primary"},
			{Provider: gateway.ProviderTogether, ProviderName: "together-fallback"},
		},
	}
	reg, err := NewModelRegistry(m)
	if err != nil {
		t.Fatalf("NewModelRegistry: %v", err)
	}
	resolved, err := reg.Resolve("gpt-4o")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(resolved.Bindings) != 2 || resolved.Bindings[0].ProviderName != "openai-primary" {
		t.Fatalf("expected binding order preserved, got %+v", resolved.Bindings)
	}
}

func TestModelRegistry_ResolveUnknownModel(t *testing.T) {
	reg, err := NewModelRegistry()
	if err != nil {
		t.Fatalf("NewModelRegistry: %v", err)
	}
	if _, err := reg.Resolve("missing"); err == nil {
		t.Fatal("expected an error resolving an unknown model")
	}
}
