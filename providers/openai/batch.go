package openai

import (
	"bytes"
	"encoding/json"
	"fmt"

	"context"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/Kaboomtastic/tensorzero/runtime/gateway"
)

// FilesClient captures the subset of the OpenAI SDK's Files resource the
// adapter uses to stage a batch's JSONL input file.
type FilesClient interface {
	New(ctx context.Context, params sdk.FileNewParams, opts ...option.RequestOption) (*sdk.FileObject, error)
}

// BatchesClient captures the subset of the OpenAI SDK's Batches resource the
// adapter uses.
type BatchesClient interface {
	New(ctx context.Context, params sdk.BatchNewParams, opts ...option.RequestOption) (*sdk.Batch, error)
	Get(ctx context.Context, batchID string, opts ...option.RequestOption) (*sdk.Batch, error)
}

// batchLine is one row of the JSONL input file the Batch API consumes.
type batchLine struct {
	CustomID string                         `json:"custom_id"`
	Method   string                         `json:"method"`
	URL      string                         `json:"url"`
	Body     sdk.ChatCompletionNewParams    `json:"body"`
}

// WithBatches attaches the Files and Batches resources, making Client
// additionally satisfy gateway.BatchClient. Without it, StartBatchInference
// and PollBatchInference return a ServerError naming the missing
// capability.
func (c *Client) WithBatches(files FilesClient, batches BatchesClient) *Client {
	c.files = files
	c.batches = batches
	return c
}

// StartBatchInference stages reqs as one newline-delimited-JSON input file
// and submits it to the /v1/chat/completions Batch API endpoint. Unlike
// Anthropic's inline Message Batches, OpenAI's batch API is file-based, so
// submission round-trips through a staged upload rather than a single
// request body.
func (c *Client) StartBatchInference(ctx context.Context, reqs []*gateway.ModelInferenceRequest) (*gateway.BatchStartResult, error) {
	if c.files == nil || c.batches == nil {
		return nil, &gateway.ServerError{Body: "openai: batch files/batches client is not configured"}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, req := range reqs {
		params, err := c.prepareRequest(req)
		if err != nil {
			return nil, &gateway.InvalidMessageError{Message: err.Error()}
		}
		line := batchLine{
			CustomID: fmt.Sprintf("req-%d", i),
			Method:   "POST",
			URL:      "/v1/chat/completions",
			Body:     *params,
		}
		if err := enc.Encode(line); err != nil {
			return nil, &gateway.SerializationError{Message: err.Error()}
		}
	}

	file, err := c.files.New(ctx, sdk.FileNewParams{
		File:    sdk.File(bytes.NewReader(buf.Bytes()), "batch-input.jsonl", "application/jsonl"),
		Purpose: sdk.FilePurposeBatch,
	})
	if err != nil {
		return nil, classifyError(err)
	}

	batch, err := c.batches.New(ctx, sdk.BatchNewParams{
		InputFileID:      file.ID,
		Endpoint:         sdk.BatchNewParamsEndpointV1ChatCompletions,
		CompletionWindow: sdk.BatchNewParamsCompletionWindow24h,
	})
	if err != nil {
		return nil, classifyError(err)
	}
	return &gateway.BatchStartResult{ProviderBatchID: batch.ID}, nil
}

// PollBatchInference reports the current status of a previously submitted
// batch job. Final per-inference output retrieval from the batch's output
// file is not implemented: the dispatcher's batch reconciliation only
// consumes Status/Message from this call.
func (c *Client) PollBatchInference(ctx context.Context, providerBatchID string) (*gateway.BatchPollResult, error) {
	if c.batches == nil {
		return nil, &gateway.ServerError{Body: "openai: batches client is not configured"}
	}
	batch, err := c.batches.Get(ctx, providerBatchID)
	if err != nil {
		return nil, classifyError(err)
	}
	switch batch.Status {
	case sdk.BatchStatusCompleted:
		return &gateway.BatchPollResult{Status: gateway.BatchStatusCompleted}, nil
	case sdk.BatchStatusFailed, sdk.BatchStatusExpired, sdk.BatchStatusCancelled:
		msg := fmt.Sprintf("batch %s ended with status %q", providerBatchID, batch.Status)
		if len(batch.Errors.Data) > 0 {
			msg = batch.Errors.Data[0].Message
		}
		return &gateway.BatchPollResult{Status: gateway.BatchStatusFailed, Message: msg}, nil
	default:
		return &gateway.BatchPollResult{Status: gateway.BatchStatusPending}, nil
	}
}
