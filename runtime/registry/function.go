// Package registry holds the immutable, build-once Function/Variant and
// Model registries the dispatcher resolves against. Both form a DAG
// (function -> variants -> model -> providers); entries are looked up by
// name at use and never hold back-pointers.
package registry

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/Kaboomtastic/tensorzero/runtime/gateway"
)

type (
	// GenerationParams carries the optional generation parameters a Variant
	// binds. All fields are optional; a nil pointer means "let the provider
	// default apply".
	GenerationParams struct {
		Temperature      *float32
		MaxTokens        *int
		Seed             *int
		TopP             *float32
		PresencePenalty  *float32
		FrequencyPenalty *float32
	}

	// Variant binds a Function to a concrete model, a prompt template, and
	// generation parameters.
	Variant struct {
		Name   string
		Model  string
		Params GenerationParams
		// Weight is this variant's non-negative sampling weight.
		Weight float64
		// JSONMode requests structured output when the underlying model
		// supports it.
		JSONMode bool
		// SystemTemplate and UserTemplate are Go text/template sources
		// rendered against the validated function input to build the
		// request transcript.
		SystemTemplate string
		UserTemplate   string
	}

	// Function is a named logical task: an input schema, an optional output
	// schema (for Json functions), a static tool set, and one or more named
	// variants.
	Function struct {
		Name         string
		Type         gateway.FunctionType
		InputSchema  json.RawMessage
		OutputSchema json.RawMessage
		Tools        []gateway.Tool
		Variants     map[string]*Variant

		compiledInput  *jsonschema.Schema
		compiledOutput *jsonschema.Schema
	}

	// FunctionRegistry holds function definitions by name. It is immutable
	// after NewFunctionRegistry returns.
	FunctionRegistry struct {
		functions map[string]*Function
	}
)

// NewFunction compiles and validates a Function definition. It enforces the
// invariant that a function has at least one variant and that variant
// sampling weights are non-negative with at least one strictly positive.
func NewFunction(f Function) (*Function, error) {
	if f.Name == "" {
		return nil, fmt.Errorf("registry: function name is required")
	}
	if len(f.Variants) == 0 {
		return nil, fmt.Errorf("registry: function %q must have at least one variant", f.Name)
	}
	var totalWeight float64
	for name, v := range f.Variants {
		if v.Weight < 0 {
			return nil, fmt.Errorf("registry: function %q variant %q has negative weight %v", f.Name, name, v.Weight)
		}
		totalWeight += v.Weight
	}
	if totalWeight <= 0 {
		return nil, fmt.Errorf("registry: function %q must have at least one variant with positive weight", f.Name)
	}
	if len(f.InputSchema) > 0 {
		compiled, err := compileSchema(f.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("registry: function %q input schema: %w", f.Name, err)
		}
		f.compiledInput = compiled
	}
	if f.Type == gateway.FunctionTypeJSON && len(f.OutputSchema) > 0 {
		compiled, err := compileSchema(f.OutputSchema)
		if err != nil {
			return nil, fmt.Errorf("registry: function %q output schema: %w", f.Name, err)
		}
		f.compiledOutput = compiled
	}
	out := f
	return &out, nil
}

// ValidateInput validates input (a JSON-compatible Go value) against the
// function's input schema. A function without an input schema accepts any
// input.
func (f *Function) ValidateInput(input any) error {
	if f.compiledInput == nil {
		return nil
	}
	return f.compiledInput.Validate(input)
}

// ValidateOutput validates output against the function's output schema when
// one is configured (Json functions only).
func (f *Function) ValidateOutput(output any) error {
	if f.compiledOutput == nil {
		return nil
	}
	return f.compiledOutput.Validate(output)
}

func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	// The resource name only needs to be unique within this compiler
	// instance; schemas are compiled one at a time and the compiler is
	// discarded afterwards.
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile("schema.json")
}

// NewFunctionRegistry builds an immutable registry from the given functions,
// keyed by name.
func NewFunctionRegistry(functions ...*Function) (*FunctionRegistry, error) {
	m := make(map[string]*Function, len(functions))
	for _, f := range functions {
		if f == nil {
			continue
		}
		if _, exists := m[f.Name]; exists {
			return nil, fmt.Errorf("registry: duplicate function name %q", f.Name)
		}
		m[f.Name] = f
	}
	return &FunctionRegistry{functions: m}, nil
}

// Resolve looks up a function by name.
func (r *FunctionRegistry) Resolve(name string) (*Function, error) {
	f, ok := r.functions[name]
	if !ok {
		return nil, &gateway.UnknownFunctionError{FunctionName: name}
	}
	return f, nil
}
