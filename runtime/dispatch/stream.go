package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"goa.design/clue/log"

	"github.com/Kaboomtastic/tensorzero/runtime/gateway"
	"github.com/Kaboomtastic/tensorzero/runtime/registry"
)

// StreamResult is delivered to the caller-supplied send callback for each
// chunk of a streaming inference.
type StreamResult struct {
	InferenceID uuid.UUID
	EpisodeID   uuid.UUID
	VariantName string
	ModelName   string
}

// InferStream runs the streaming dispatch pipeline. It is
// identical to Infer through variant/provider selection; the HTTP response
// head is committed only once the first chunk is available, matching the
// adapter contract that InferStream returns the first chunk synchronously.
// send is invoked once per chunk, in upstream order; returning an error from
// send aborts the stream. On stream end (success or failure) the assembled
// content is persisted, flagged failed if the upstream stream errored
// mid-flight.
func (d *Dispatcher) InferStream(ctx context.Context, req *InferRequest, send func(gateway.ModelInferenceResponseChunk) error) (*StreamResult, error) {
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

	variantErrors := make(map[string]error)
	remaining := cloneVariants(candidates)
	for len(remaining) > 0 {
		variantName, err := registry.SampleVariant(episodeID, req.FunctionName, remaining)
		if err != nil {
			break
		}
		variant := remaining[variantName]

		gwReq, err := renderRequest(fn, variant, req.Input, mergeTools(fn.Tools, req.AllowedTools), req.ToolChoice, req.ParallelToolCalls, req.OutputSchema)
		if err != nil {
			return nil, err
		}
		gwReq.Stream = true
		gwReq.Credentials = req.Credentials

		model, err := d.Models.Resolve(variant.Model)
		if err != nil {
			return nil, err
		}

		var firstChunk gateway.ModelInferenceResponseChunk
		var stream gateway.ChunkStream
		var bindingErr error
		var modelName string
		for _, binding := range model.Bindings {
			firstChunk, stream, bindingErr = binding.Client.InferStream(ctx, gwReq)
			if bindingErr == nil {
				modelName = model.Name
				break
			}
			if gateway.IsClientAttributable(bindingErr) {
				return nil, bindingErr
			}
			log.Error(ctx, bindingErr, log.KV{K: "component", V: "dispatcher"},
				log.KV{K: "event", V: "provider stream failed, trying next binding"},
				log.KV{K: "provider", V: binding.ProviderName})
		}
		if stream == nil {
			if bindingErr == nil {
				bindingErr = errors.New("dispatch: no provider binding succeeded")
			}
			variantErrors[variantName] = bindingErr
			delete(remaining, variantName)
			continue
		}

		result := &StreamResult{
			InferenceID: inferenceIDOrNew(firstChunk),
			EpisodeID:   episodeID,
			VariantName: variantName,
			ModelName:   modelName,
		}
		d.drainStream(ctx, fn.Name, result, firstChunk, stream, send)
		return result, nil
	}
	return nil, &gateway.AllVariantsFailedError{Errors: variantErrors}
}

// drainStream forwards chunks to send in upstream order, assembles the full
// content once the stream ends, and persists the result (partial and
// flagged failed if the upstream stream errored mid-flight).
func (d *Dispatcher) drainStream(ctx context.Context, functionName string, result *StreamResult, first gateway.ModelInferenceResponseChunk, stream gateway.ChunkStream, send func(gateway.ModelInferenceResponseChunk) error) {
	defer func() { _ = stream.Close() }()

	var textBuilder strings.Builder
	toolCallText := map[string]*strings.Builder{}
	toolCallNames := map[string]string{}
	var usage gateway.TokenUsage
	failed := false
	ttfb := first.LatencySinceStart
	totalTime := first.LatencySinceStart

	handle := func(chunk gateway.ModelInferenceResponseChunk) bool {
		if chunk.LatencySinceStart > totalTime {
			totalTime = chunk.LatencySinceStart
		}
		textBuilder.WriteString(chunk.ContentDelta)
		for _, tc := range chunk.ToolCallDeltas {
			b, ok := toolCallText[tc.ID]
			if !ok {
				b = &strings.Builder{}
				toolCallText[tc.ID] = b
			}
			b.WriteString(tc.Arguments)
			if tc.Name != "" {
				toolCallNames[tc.ID] = tc.Name
			}
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if err := send(chunk); err != nil {
			log.Error(ctx, err, log.KV{K: "component", V: "dispatcher"}, log.KV{K: "event", V: "send chunk failed, aborting stream"})
			failed = true
			return false
		}
		return true
	}

	if !handle(first) {
		d.persistStreamResult(ctx, functionName, result, textBuilder.String(), usage, toolCallText, toolCallNames, gateway.StreamingLatency{TTFB: ttfb, TotalTime: totalTime}, true)
		return
	}
	for {
		chunk, err := stream.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Error(ctx, err, log.KV{K: "component", V: "dispatcher"}, log.KV{K: "event", V: "upstream stream error"})
				failed = true
			}
			break
		}
		if !handle(chunk) {
			break
		}
	}
	d.persistStreamResult(ctx, functionName, result, textBuilder.String(), usage, toolCallText, toolCallNames, gateway.StreamingLatency{TTFB: ttfb, TotalTime: totalTime}, failed)
}

func (d *Dispatcher) persistStreamResult(ctx context.Context, functionName string, result *StreamResult, content string, usage gateway.TokenUsage, toolCallText map[string]*strings.Builder, toolCallNames map[string]string, latency gateway.StreamingLatency, failed bool) {
	if d.Store == nil {
		return
	}
	timeout := d.PersistTimeout
	if timeout <= 0 {
		timeout = defaultPersistTimeout
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	toolCalls := make([]gateway.ToolCall, 0, len(toolCallText))
	for id, b := range toolCallText {
		toolCalls = append(toolCalls, gateway.ToolCall{ID: id, Name: toolCallNames[id], Arguments: json.RawMessage(b.String())})
	}
	output, _ := json.Marshal(struct {
		Content   string             `json:"content,omitempty"`
		ToolCalls []gateway.ToolCall `json:"tool_calls,omitempty"`
	}{Content: content, ToolCalls: toolCalls})

	row := InferenceRow{
		InferenceID:      result.InferenceID,
		EpisodeID:        result.EpisodeID,
		FunctionName:     functionName,
		VariantName:      result.VariantName,
		ModelName:        result.ModelName,
		Output:           output,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TTFB:             latency.TTFB,
		TotalTime:        latency.TotalTime,
		Failed:           failed,
		Timestamp:        time.Now().UTC(),
	}
	if err := d.Store.Write(writeCtx, TableInference, []any{row}); err != nil {
		log.Error(ctx, err, log.KV{K: "component", V: "dispatcher"}, log.KV{K: "event", V: "persist stream result"})
	}
}

func inferenceIDOrNew(first gateway.ModelInferenceResponseChunk) uuid.UUID {
	if first.InferenceID != "" {
		if id, err := uuid.Parse(first.InferenceID); err == nil {
			return id
		}
	}
	id, _ := gateway.NewID()
	return id
}
