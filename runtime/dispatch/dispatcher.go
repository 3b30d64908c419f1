// Package dispatch implements the inference dispatch pipeline and the
// batch-inference state machine: validate input, sample a variant,
// materialize a ModelInferenceRequest, drive the provider adapter,
// normalize the result, and persist a record of the exchange.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goa.design/clue/log"

	"github.com/Kaboomtastic/tensorzero/runtime/gateway"
	"github.com/Kaboomtastic/tensorzero/runtime/registry"
)

// defaultPersistTimeout bounds a fire-and-forget persistence write so a slow
// store cannot pin goroutines indefinitely.
const defaultPersistTimeout = 10 * time.Second

// InferRequest carries the caller-supplied inputs to a unary or streaming
// inference.
type InferRequest struct {
	FunctionName string
	// Input is a JSON-compatible Go value validated against the function's
	// input schema.
	Input any
	// EpisodeID, when nil, is freshly minted.
	EpisodeID *uuid.UUID
	// VariantName, when set, restricts sampling to that single variant.
	VariantName *string
	Tags        map[string]string

	AllowedTools      []gateway.Tool
	ToolChoice        *gateway.ToolChoice
	ParallelToolCalls *bool
	OutputSchema      json.RawMessage
	Credentials       map[string]string
	Stream            bool
}

// InferResult is the outcome of a successful unary Infer call.
type InferResult struct {
	InferenceID uuid.UUID
	EpisodeID   uuid.UUID
	VariantName string
	ModelName   string
	Response    *gateway.ModelInferenceResponse
}

// Dispatcher ties the Function & Variant Registry, the Model Registry, and
// the Persistence Gateway together to execute inference calls.
type Dispatcher struct {
	Functions *registry.FunctionRegistry
	Models    *registry.ModelRegistry
	Store     PersistenceGateway

	// PersistTimeout bounds each fire-and-forget persistence write. Zero
	// uses defaultPersistTimeout.
	PersistTimeout time.Duration
}

// Infer runs the unary dispatch pipeline.
func (d *Dispatcher) Infer(ctx context.Context, req *InferRequest) (*InferResult, error) {
	fn, err := d.Functions.Resolve(req.FunctionName)
	if err != nil {
		return nil, err
	}
	if err := fn.ValidateInput(req.Input); err != nil {
		return nil, &gateway.InputValidationError{Message: err.Error()}
	}

	episodeID, err := resolveEpisodeID(req.EpisodeID)
	if err != nil {
		return nil, err
	}

	candidates, err := candidateVariants(fn, req.VariantName)
	if err != nil {
		return nil, err
	}

	inferenceID, err := gateway.NewID()
	if err != nil {
		return nil, err
	}

	variantErrors := make(map[string]error)
	remaining := cloneVariants(candidates)
	for len(remaining) > 0 {
		variantName, err := registry.SampleVariant(episodeID, req.FunctionName, remaining)
		if err != nil {
			break
		}
		variant := remaining[variantName]

		resp, modelName, err := d.tryVariant(ctx, fn, variant, req, episodeID)
		if err == nil {
			result := &InferResult{
				InferenceID: inferenceID,
				EpisodeID:   episodeID,
				VariantName: variantName,
				ModelName:   modelName,
				Response:    resp,
			}
			d.persistInference(ctx, fn, variant, req, result, false)
			return result, nil
		}
		if gateway.IsClientAttributable(err) {
			// Caller's fault; trying another variant will not help.
			return nil, err
		}
		variantErrors[variantName] = err
		delete(remaining, variantName)
	}
	return nil, &gateway.AllVariantsFailedError{Errors: variantErrors}
}

// tryVariant materializes the request for variant and drives the model's
// provider list in declared order, the first success winning.
func (d *Dispatcher) tryVariant(ctx context.Context, fn *registry.Function, variant *registry.Variant, req *InferRequest, episodeID uuid.UUID) (*gateway.ModelInferenceResponse, string, error) {
	gwReq, err := renderRequest(fn, variant, req.Input, mergeTools(fn.Tools, req.AllowedTools), req.ToolChoice, req.ParallelToolCalls, req.OutputSchema)
	if err != nil {
		return nil, "", err
	}
	gwReq.Credentials = req.Credentials

	model, err := d.Models.Resolve(variant.Model)
	if err != nil {
		return nil, "", err
	}

	var lastErr error
	for _, binding := range model.Bindings {
		resp, err := binding.Client.Infer(ctx, gwReq)
		if err == nil {
			return resp, model.Name, nil
		}
		if gateway.IsClientAttributable(err) {
			return nil, "", err
		}
		log.Error(ctx, err, log.KV{K: "component", V: "dispatcher"},
			log.KV{K: "event", V: "provider failed, trying next binding"},
			log.KV{K: "provider", V: binding.ProviderName})
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("dispatch: model %q has no provider bindings", variant.Model)
	}
	return nil, "", lastErr
}

// persistInference writes the inference record synchronously, before the
// caller returns, on a context detached from the caller's cancellation and
// bounded by PersistTimeout; it does not run the write in the background.
// Persistence failure must never fail an otherwise-successful inference; it
// is logged and the error is swallowed here.
func (d *Dispatcher) persistInference(ctx context.Context, fn *registry.Function, variant *registry.Variant, req *InferRequest, result *InferResult, failed bool) {
	if d.Store == nil {
		return
	}
	timeout := d.PersistTimeout
	if timeout <= 0 {
		timeout = defaultPersistTimeout
	}
	// Detach from the caller's context so cancellation (client disconnect)
	// does not abort an otherwise fire-and-forget write; in-flight
	// persistence is allowed to finish.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	inputJSON, err := json.Marshal(req.Input)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "component", V: "dispatcher"}, log.KV{K: "event", V: "marshal inference input"})
		return
	}
	row := InferenceRow{
		InferenceID:  result.InferenceID,
		EpisodeID:    result.EpisodeID,
		FunctionName: fn.Name,
		VariantName:  result.VariantName,
		ModelName:    result.ModelName,
		Input:        inputJSON,
		Tags:         req.Tags,
		Failed:       failed,
		Timestamp:    time.Now().UTC(),
	}
	if result.Response != nil {
		row.RawResponse = result.Response.Raw
		row.PromptTokens = result.Response.Usage.PromptTokens
		row.CompletionTokens = result.Response.Usage.CompletionTokens
		if lat, ok := result.Response.Latency.(gateway.NonStreamingLatency); ok {
			row.ResponseTime = lat.ResponseTime
		}
		if output, err := json.Marshal(struct {
			Content   string             `json:"content,omitempty"`
			ToolCalls []gateway.ToolCall `json:"tool_calls,omitempty"`
		}{Content: result.Response.Content, ToolCalls: result.Response.ToolCalls}); err == nil {
			row.Output = output
		}
	}
	if err := d.Store.Write(writeCtx, TableInference, []any{row}); err != nil {
		log.Error(ctx, err, log.KV{K: "component", V: "dispatcher"}, log.KV{K: "event", V: "persist inference"})
	}
}

func resolveEpisodeID(given *uuid.UUID) (uuid.UUID, error) {
	if given == nil {
		return gateway.NewID()
	}
	if err := gateway.ValidateEpisodeID(*given); err != nil {
		return uuid.UUID{}, &gateway.InvalidRequestError{Message: err.Error()}
	}
	return *given, nil
}

// candidateVariants restricts fn's variants to a single pinned variant when
// requested, otherwise returns the full set.
func candidateVariants(fn *registry.Function, pinned *string) (map[string]*registry.Variant, error) {
	if pinned == nil {
		return fn.Variants, nil
	}
	v, ok := fn.Variants[*pinned]
	if !ok {
		return nil, &gateway.UnknownVariantError{FunctionName: fn.Name, VariantName: *pinned}
	}
	return map[string]*registry.Variant{*pinned: v}, nil
}

func cloneVariants(src map[string]*registry.Variant) map[string]*registry.Variant {
	out := make(map[string]*registry.Variant, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func mergeTools(static []gateway.Tool, dynamic []gateway.Tool) []gateway.Tool {
	if len(dynamic) == 0 {
		return static
	}
	out := make([]gateway.Tool, 0, len(static)+len(dynamic))
	out = append(out, static...)
	out = append(out, dynamic...)
	return out
}
