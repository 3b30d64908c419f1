package anthropic

import (
	"context"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/Kaboomtastic/tensorzero/runtime/gateway"
)

// BatchesClient captures the subset of the Anthropic SDK's Message Batches
// resource the adapter uses, satisfied by *sdk.MessageBatchService so tests
// can inject a fake.
type BatchesClient interface {
	New(ctx context.Context, body sdk.MessageBatchNewParams, opts ...option.RequestOption) (*sdk.MessageBatch, error)
	Get(ctx context.Context, batchID string, opts ...option.RequestOption) (*sdk.MessageBatch, error)
}

// WithBatches attaches a Message Batches client, making Client additionally
// satisfy gateway.BatchClient. Without it, StartBatchInference and
// PollBatchInference return a ServerError naming the missing capability.
func (c *Client) WithBatches(batches BatchesClient) *Client {
	c.batches = batches
	return c
}

// StartBatchInference submits reqs as a single Anthropic Message Batch, one
// custom_id'd sub-request per element in submission order.
func (c *Client) StartBatchInference(ctx context.Context, reqs []*gateway.ModelInferenceRequest) (*gateway.BatchStartResult, error) {
	if c.batches == nil {
		return nil, &gateway.ServerError{Body: "anthropic: message batches client is not configured"}
	}
	entries := make([]sdk.MessageBatchNewParamsRequest, len(reqs))
	for i, req := range reqs {
		params, err := c.prepareRequest(req)
		if err != nil {
			return nil, &gateway.InvalidMessageError{Message: err.Error()}
		}
		entries[i] = sdk.MessageBatchNewParamsRequest{
			CustomID: fmt.Sprintf("req-%d", i),
			Params:   toBatchRequestParams(params),
		}
	}
	batch, err := c.batches.New(ctx, sdk.MessageBatchNewParams{Requests: entries})
	if err != nil {
		return nil, classifyError(err)
	}
	return &gateway.BatchStartResult{ProviderBatchID: batch.ID}, nil
}

// PollBatchInference reports the current status of a previously started
// Message Batch. Anthropic reports per-request counts rather than a single
// pass/fail flag; a batch is only Failed here when no sub-request
// succeeded and at least one errored.
func (c *Client) PollBatchInference(ctx context.Context, providerBatchID string) (*gateway.BatchPollResult, error) {
	if c.batches == nil {
		return nil, &gateway.ServerError{Body: "anthropic: message batches client is not configured"}
	}
	batch, err := c.batches.Get(ctx, providerBatchID)
	if err != nil {
		return nil, classifyError(err)
	}
	switch batch.ProcessingStatus {
	case sdk.MessageBatchProcessingStatusEnded:
		if batch.RequestCounts.Succeeded == 0 && batch.RequestCounts.Errored > 0 {
			return &gateway.BatchPollResult{
				Status:  gateway.BatchStatusFailed,
				Message: fmt.Sprintf("message batch %s: all %d sub-requests errored", providerBatchID, batch.RequestCounts.Errored),
			}, nil
		}
		return &gateway.BatchPollResult{Status: gateway.BatchStatusCompleted}, nil
	default:
		return &gateway.BatchPollResult{Status: gateway.BatchStatusPending}, nil
	}
}

// toBatchRequestParams copies the fields of a MessageNewParams into the
// MessageBatchNewParamsRequestParams shape the Message Batches endpoint
// requires. The two types mirror each other field-for-field but are
// distinct named types in the SDK, so they cannot be converted directly.
func toBatchRequestParams(p *sdk.MessageNewParams) sdk.MessageBatchNewParamsRequestParams {
	return sdk.MessageBatchNewParamsRequestParams{
		MaxTokens:     p.MaxTokens,
		Messages:      p.Messages,
		Model:         p.Model,
		Container:     p.Container,
		InferenceGeo:  p.InferenceGeo,
		Temperature:   p.Temperature,
		TopK:          p.TopK,
		TopP:          p.TopP,
		CacheControl:  p.CacheControl,
		Metadata:      p.Metadata,
		OutputConfig:  p.OutputConfig,
		ServiceTier:   string(p.ServiceTier),
		StopSequences: p.StopSequences,
		System:        p.System,
		Thinking:      p.Thinking,
		ToolChoice:    p.ToolChoice,
		Tools:         p.Tools,
	}
}
