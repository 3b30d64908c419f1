package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"

	"github.com/Kaboomtastic/tensorzero/runtime/gateway"
	"github.com/Kaboomtastic/tensorzero/runtime/registry"
)

// renderRequest materializes a ModelInferenceRequest from a variant's prompt
// templates and tool config. input is the already
// schema-validated function input; it is passed as the template's root data
// value.
func renderRequest(fn *registry.Function, v *registry.Variant, input any, toolsAvailable []gateway.Tool, toolChoice *gateway.ToolChoice, parallelToolCalls *bool, outputSchema []byte) (*gateway.ModelInferenceRequest, error) {
	var messages []gateway.InferenceMessage

	if v.SystemTemplate != "" {
		system, err := renderTemplate("system", v.SystemTemplate, input)
		if err != nil {
			return nil, fmt.Errorf("render system template: %w", err)
		}
		if system != "" {
			messages = append(messages, gateway.SystemMessage{Content: system})
		}
	}

	userContent := ""
	if v.UserTemplate != "" {
		rendered, err := renderTemplate("user", v.UserTemplate, input)
		if err != nil {
			return nil, fmt.Errorf("render user template: %w", err)
		}
		userContent = rendered
	} else if s, ok := input.(string); ok {
		userContent = s
	} else if data, err := json.Marshal(input); err == nil {
		userContent = string(data)
	}
	messages = append(messages, gateway.UserMessage{Content: userContent})

	if len(outputSchema) == 0 {
		outputSchema = fn.OutputSchema
	}

	req := &gateway.ModelInferenceRequest{
		Messages:          messages,
		ToolsAvailable:    toolsAvailable,
		ToolChoice:        toolChoice,
		ParallelToolCalls: parallelToolCalls,
		Temperature:       v.Params.Temperature,
		MaxTokens:         v.Params.MaxTokens,
		Seed:              v.Params.Seed,
		TopP:              v.Params.TopP,
		PresencePenalty:   v.Params.PresencePenalty,
		FrequencyPenalty:  v.Params.FrequencyPenalty,
		JSONMode:          v.JSONMode,
		FunctionType:      fn.Type,
		OutputSchema:      outputSchema,
	}
	return req, nil
}

func renderTemplate(name, src string, data any) (string, error) {
	tmpl, err := template.New(name).Parse(src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
