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

// BatchParams carries the optional parallel arrays a batch submission may
// supply, one entry per input, each either absent (nil) or exactly length N.
type BatchParams struct {
	EpisodeIDs        []*uuid.UUID
	Tags              []map[string]string
	OutputSchemas     []json.RawMessage
	Temperature       []*float32
	MaxTokens         []*int
	Seed              []*int
	TopP              []*float32
	PresencePenalty   []*float32
	FrequencyPenalty  []*float32
}

// BatchSubmitRequest carries the inputs to SubmitBatch.
type BatchSubmitRequest struct {
	FunctionName string
	Inputs       []any
	Params       BatchParams
	VariantName  *string
	Credentials  map[string]string
}

// BatchSubmitResult is returned by a successful SubmitBatch call.
type BatchSubmitResult struct {
	BatchID     uuid.UUID
	InferenceIDs []uuid.UUID
	EpisodeIDs   []uuid.UUID
}

// BatchPollRequest selects a batch to poll by exactly one of BatchID or
// InferenceID.
type BatchPollRequest struct {
	BatchID     *uuid.UUID
	InferenceID *uuid.UUID
}

// BatchPollResponse is returned by PollBatch.
type BatchPollResponse struct {
	Status  gateway.BatchStatus
	Message string
}

// namedArray pairs a parallel array's length with its field name so a
// ragged-array rejection names the offending field and both lengths.
type namedArray struct {
	name string
	len  int
	ok   bool
}

// SubmitBatch validates a batch submission, samples a single variant for the
// whole batch, submits to the first provider binding whose adapter supports
// native batch inference, and atomically (from the caller's perspective)
// persists one BatchModelInference row per input plus one BatchRequest row.
func (d *Dispatcher) SubmitBatch(ctx context.Context, req *BatchSubmitRequest) (*BatchSubmitResult, error) {
	n := len(req.Inputs)
	if n == 0 {
		return nil, &gateway.InvalidRequestError{Message: "batch must contain at least one input"}
	}

	fn, err := d.Functions.Resolve(req.FunctionName)
	if err != nil {
		return nil, err
	}

	if err := validateRaggedArrays(n, req.Params); err != nil {
		return nil, err
	}

	episodeIDs, err := resolveBatchEpisodeIDs(n, req.Params.EpisodeIDs)
	if err != nil {
		return nil, err
	}

	for i, input := range req.Inputs {
		if err := fn.ValidateInput(input); err != nil {
			return nil, &gateway.BatchInputValidationError{Index: i, Message: err.Error()}
		}
	}

	candidates, err := candidateVariants(fn, req.VariantName)
	if err != nil {
		return nil, err
	}

	inferenceIDs := make([]uuid.UUID, n)
	for i := range inferenceIDs {
		id, err := gateway.NewID()
		if err != nil {
			return nil, err
		}
		inferenceIDs[i] = id
	}

	variantErrors := make(map[string]error)
	remaining := cloneVariants(candidates)
	for len(remaining) > 0 {
		// A single variant is sampled once, using the first episode id as
		// the sampling key, and used for the whole batch.
		variantName, err := registry.SampleVariant(episodeIDs[0], req.FunctionName, remaining)
		if err != nil {
			break
		}
		variant := remaining[variantName]

		model, err := d.Models.Resolve(variant.Model)
		if err != nil {
			return nil, err
		}

		reqs := make([]*gateway.ModelInferenceRequest, n)
		for i, input := range req.Inputs {
			gwReq, err := renderRequest(fn, variant, input, fn.Tools, nil, nil, outputSchemaAt(req.Params.OutputSchemas, i))
			if err != nil {
				return nil, err
			}
			applyBatchParams(gwReq, req.Params, i)
			gwReq.Credentials = req.Credentials
			reqs[i] = gwReq
		}

		var started *gateway.BatchStartResult
		var providerName string
		var lastErr error
		for _, binding := range model.Bindings {
			bc, ok := binding.Client.(gateway.BatchClient)
			if !ok {
				continue
			}
			started, lastErr = bc.StartBatchInference(ctx, reqs)
			if lastErr == nil {
				providerName = binding.ProviderName
				break
			}
			if gateway.IsClientAttributable(lastErr) {
				return nil, lastErr
			}
			log.Error(ctx, lastErr, log.KV{K: "component", V: "dispatch.batch"},
				log.KV{K: "event", V: "start_batch_inference failed, trying next binding"})
		}
		if started == nil {
			if lastErr == nil {
				lastErr = fmt.Errorf("dispatch: no provider binding for model %q supports batch inference", variant.Model)
			}
			variantErrors[variantName] = lastErr
			delete(remaining, variantName)
			continue
		}

		batchID, err := gateway.NewID()
		if err != nil {
			return nil, err
		}
		if err := d.writeBatch(ctx, fn, variant, model.Name, providerName, started.ProviderBatchID, batchID, req, reqs, inferenceIDs, episodeIDs); err != nil {
			return nil, err
		}
		return &BatchSubmitResult{BatchID: batchID, InferenceIDs: inferenceIDs, EpisodeIDs: episodeIDs}, nil
	}
	return nil, &gateway.AllVariantsFailedError{Errors: variantErrors}
}

// writeBatch persists one BatchModelInference row per input and one
// BatchRequest row. Both writes must succeed before SubmitBatch returns.
func (d *Dispatcher) writeBatch(ctx context.Context, fn *registry.Function, variant *registry.Variant, modelName, providerName, providerBatchID string, batchID uuid.UUID, req *BatchSubmitRequest, reqs []*gateway.ModelInferenceRequest, inferenceIDs, episodeIDs []uuid.UUID) error {
	if d.Store == nil {
		return nil
	}
	modelInferenceRows := make([]any, len(reqs))
	for i, gwReq := range reqs {
		inputJSON, _ := json.Marshal(req.Inputs[i])
		messagesJSON, _ := json.Marshal(gwReq.Messages)
		paramsJSON, _ := json.Marshal(variant.Params)
		var tags map[string]string
		if i < len(req.Params.Tags) {
			tags = req.Params.Tags[i]
		}
		modelInferenceRows[i] = BatchModelInferenceRow{
			InferenceID:       inferenceIDs[i],
			BatchID:           batchID,
			FunctionName:      fn.Name,
			VariantName:       variant.Name,
			EpisodeID:         episodeIDs[i],
			Input:             inputJSON,
			InputMessages:     messagesJSON,
			InferenceParams:   paramsJSON,
			OutputSchema:      gwReq.OutputSchema,
			ModelName:         modelName,
			ModelProviderName: providerName,
			Tags:              tags,
		}
	}
	batchParamsJSON, _ := json.Marshal(req.Params)
	batchRequestRow := BatchRequestRow{
		BatchID:           batchID,
		BatchParams:       batchParamsJSON,
		ModelName:         modelName,
		ModelProviderName: providerName,
		ProviderBatchID:   providerBatchID,
		Status:            string(gateway.BatchStatusPending),
		Timestamp:         time.Now().UTC(),
	}
	idIndexRows := make([]any, len(inferenceIDs))
	for i, id := range inferenceIDs {
		idIndexRows[i] = BatchIDIndexRow{InferenceID: id, BatchID: batchID}
	}

	if err := d.Store.Write(ctx, TableBatchModelInference, modelInferenceRows); err != nil {
		return &gateway.PersistenceWriteError{Table: TableBatchModelInference, Message: err.Error()}
	}
	if err := d.Store.Write(ctx, TableBatchIDByInferenceID, idIndexRows); err != nil {
		return &gateway.PersistenceWriteError{Table: TableBatchIDByInferenceID, Message: err.Error()}
	}
	if err := d.Store.Write(ctx, TableBatchRequest, []any{batchRequestRow}); err != nil {
		return &gateway.PersistenceWriteError{Table: TableBatchRequest, Message: err.Error()}
	}
	return nil
}

// PollBatch resolves the latest BatchRequest for the given batch or
// inference id and reports its status. Polling is
// idempotent: repeated polls of a terminal batch return the same terminal
// status without re-contacting the provider for Completed/Failed batches.
func (d *Dispatcher) PollBatch(ctx context.Context, req *BatchPollRequest) (*BatchPollResponse, error) {
	if (req.BatchID == nil) == (req.InferenceID == nil) {
		return nil, &gateway.InvalidRequestError{Message: "poll requires exactly one of batch_id or inference_id"}
	}
	batchID := req.BatchID
	if batchID == nil {
		resolved, err := d.Store.BatchIDByInferenceID(ctx, *req.InferenceID)
		if err != nil {
			return nil, &gateway.BatchNotFoundError{ID: req.InferenceID.String()}
		}
		batchID = &resolved
	}
	row, err := d.Store.LatestBatchRequestByBatchID(ctx, *batchID)
	if err != nil {
		return nil, &gateway.PersistenceDecodeError{Message: err.Error()}
	}
	if row == nil {
		return nil, &gateway.BatchNotFoundError{ID: batchID.String()}
	}

	switch gateway.BatchStatus(row.Status) {
	case gateway.BatchStatusCompleted:
		return &BatchPollResponse{Status: gateway.BatchStatusCompleted}, nil
	case gateway.BatchStatusFailed:
		return &BatchPollResponse{Status: gateway.BatchStatusFailed, Message: row.Errors["message"]}, nil
	}

	// Pending: ask the adapter for the current status and reconcile.
	model, err := d.Models.Resolve(row.ModelName)
	if err != nil {
		return nil, err
	}
	var bc gateway.BatchClient
	for _, binding := range model.Bindings {
		if binding.ProviderName != row.ModelProviderName {
			continue
		}
		client, ok := binding.Client.(gateway.BatchClient)
		if !ok {
			return nil, fmt.Errorf("dispatch: provider binding %q for model %q does not support batch inference", row.ModelProviderName, row.ModelName)
		}
		bc = client
		break
	}
	if bc == nil {
		return nil, fmt.Errorf("dispatch: no provider binding %q for model %q", row.ModelProviderName, row.ModelName)
	}

	result, err := bc.PollBatchInference(ctx, row.ProviderBatchID)
	if err != nil {
		return nil, err
	}
	switch result.Status {
	case gateway.BatchStatusPending:
		return &BatchPollResponse{Status: gateway.BatchStatusPending}, nil
	case gateway.BatchStatusCompleted:
		row.Status = string(gateway.BatchStatusCompleted)
		row.Timestamp = time.Now().UTC()
		if d.Store != nil {
			if err := d.Store.Write(ctx, TableBatchRequest, []any{*row}); err != nil {
				log.Error(ctx, err, log.KV{K: "component", V: "dispatch.batch"}, log.KV{K: "event", V: "persist batch completion"})
			}
		}
		return &BatchPollResponse{Status: gateway.BatchStatusCompleted}, nil
	case gateway.BatchStatusFailed:
		row.Status = string(gateway.BatchStatusFailed)
		row.Errors = map[string]string{"message": result.Message}
		row.Timestamp = time.Now().UTC()
		if d.Store != nil {
			if err := d.Store.Write(ctx, TableBatchRequest, []any{*row}); err != nil {
				log.Error(ctx, err, log.KV{K: "component", V: "dispatch.batch"}, log.KV{K: "event", V: "persist batch failure"})
			}
		}
		return &BatchPollResponse{Status: gateway.BatchStatusFailed, Message: result.Message}, nil
	default:
		return nil, fmt.Errorf("dispatch: unknown batch status %q from adapter", result.Status)
	}
}

func validateRaggedArrays(n int, p BatchParams) error {
	checks := []namedArray{
		{"episode_ids", len(p.EpisodeIDs), p.EpisodeIDs != nil},
		{"tags", len(p.Tags), p.Tags != nil},
		{"output_schemas", len(p.OutputSchemas), p.OutputSchemas != nil},
		{"chat_completion.temperature", len(p.Temperature), p.Temperature != nil},
		{"chat_completion.max_tokens", len(p.MaxTokens), p.MaxTokens != nil},
		{"chat_completion.seed", len(p.Seed), p.Seed != nil},
		{"chat_completion.top_p", len(p.TopP), p.TopP != nil},
		{"chat_completion.presence_penalty", len(p.PresencePenalty), p.PresencePenalty != nil},
		{"chat_completion.frequency_penalty", len(p.FrequencyPenalty), p.FrequencyPenalty != nil},
	}
	for _, c := range checks {
		if c.ok && c.len != n {
			return &gateway.InvalidRequestError{Message: fmt.Sprintf(
				"%s vector length (%d) does not match number of inferences (%d)", c.name, c.len, n)}
		}
	}
	return nil
}

func resolveBatchEpisodeIDs(n int, given []*uuid.UUID) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, n)
	for i := 0; i < n; i++ {
		var id *uuid.UUID
		if given != nil {
			id = given[i]
		}
		if id == nil {
			fresh, err := gateway.NewID()
			if err != nil {
				return nil, err
			}
			out[i] = fresh
			continue
		}
		if err := gateway.ValidateEpisodeID(*id); err != nil {
			return nil, &gateway.BatchInputValidationError{Index: i, Message: err.Error()}
		}
		out[i] = *id
	}
	return out, nil
}

func outputSchemaAt(schemas []json.RawMessage, i int) json.RawMessage {
	if i < len(schemas) {
		return schemas[i]
	}
	return nil
}

func applyBatchParams(req *gateway.ModelInferenceRequest, p BatchParams, i int) {
	if i < len(p.Temperature) && p.Temperature[i] != nil {
		req.Temperature = p.Temperature[i]
	}
	if i < len(p.MaxTokens) && p.MaxTokens[i] != nil {
		req.MaxTokens = p.MaxTokens[i]
	}
	if i < len(p.Seed) && p.Seed[i] != nil {
		req.Seed = p.Seed[i]
	}
	if i < len(p.TopP) && p.TopP[i] != nil {
		req.TopP = p.TopP[i]
	}
	if i < len(p.PresencePenalty) && p.PresencePenalty[i] != nil {
		req.PresencePenalty = p.PresencePenalty[i]
	}
	if i < len(p.FrequencyPenalty) && p.FrequencyPenalty[i] != nil {
		req.FrequencyPenalty = p.FrequencyPenalty[i]
	}
}
