package dispatch

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/Kaboomtastic/tensorzero/runtime/gateway"
	"github.com/Kaboomtastic/tensorzero/runtime/registry"
)

type fakeBatchClient struct {
	fakeClient
	startResult *gateway.BatchStartResult
	startErr    error
	pollResult  *gateway.BatchPollResult
	pollErr     error
}

func (f *fakeBatchClient) StartBatchInference(context.Context, []*gateway.ModelInferenceRequest) (*gateway.BatchStartResult, error) {
	return f.startResult, f.startErr
}

func (f *fakeBatchClient) PollBatchInference(context.Context, string) (*gateway.BatchPollResult, error) {
	return f.pollResult, f.pollErr
}

func newBatchTestSetup(t *testing.T, client gateway.Client) (*Dispatcher, *fakeStore) {
	t.Helper()
	fn := newTestFunction(t)
	functions, err := registry.NewFunctionRegistry(fn)
	if err != nil {
		t.Fatalf("NewFunctionRegistry: %v", err)
	}
	models, err := registry.NewModelRegistry(&registry.Model{
		Name:     "v1",
		Bindings: []registry.ProviderBinding{{Provider: gateway.ProviderAnthropic, ProviderName: "anthropic", Client: client}},
	})
	if err != nil {
		t.Fatalf("NewModelRegistry: %v", err)
	}
	store := newFakeStore()
	return &Dispatcher{Functions: functions, Models: models, Store: store}, store
}

func TestSubmitBatch_RejectsEmptyInputs(t *testing.T) {
	d, _ := newBatchTestSetup(t, &fakeBatchClient{startResult: &gateway.BatchStartResult{ProviderBatchID: "b1"}})
	_, err := d.SubmitBatch(context.Background(), &BatchSubmitRequest{FunctionName: "greet", Inputs: nil})
	if _, ok := err.(*gateway.InvalidRequestError); !ok {
		t.Fatalf("expected *gateway.InvalidRequestError, got %T (%v)", err, err)
	}
}

func TestSubmitBatch_RejectsRaggedArrays(t *testing.T) {
	d, _ := newBatchTestSetup(t, &fakeBatchClient{startResult: &gateway.BatchStartResult{ProviderBatchID: "b1"}})
	tag := map[string]string{"k": "v"}
	_, err := d.SubmitBatch(context.Background(), &BatchSubmitRequest{
		FunctionName: "greet",
		Inputs:       []any{"one", "two"},
		Params:       BatchParams{Tags: []map[string]string{tag}},
	})
	if _, ok := err.(*gateway.InvalidRequestError); !ok {
		t.Fatalf("expected *gateway.InvalidRequestError for a ragged tags array, got %T (%v)", err, err)
	}
}

func TestSubmitBatch_SucceedsAndWritesRows(t *testing.T) {
	client := &fakeBatchClient{startResult: &gateway.BatchStartResult{ProviderBatchID: "provider-batch-1"}}
	d, store := newBatchTestSetup(t, client)

	result, err := d.SubmitBatch(context.Background(), &BatchSubmitRequest{
		FunctionName: "greet",
		Inputs:       []any{"one", "two", "three"},
	})
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	if len(result.InferenceIDs) != 3 || len(result.EpisodeIDs) != 3 {
		t.Fatalf("expected 3 inference/episode ids, got %+v", result)
	}
	if len(store.written[TableBatchModelInference]) != 3 {
		t.Fatalf("expected 3 BatchModelInference rows, got %d", len(store.written[TableBatchModelInference]))
	}
	if len(store.written[TableBatchIDByInferenceID]) != 3 {
		t.Fatalf("expected 3 batch id index rows, got %d", len(store.written[TableBatchIDByInferenceID]))
	}
	if len(store.written[TableBatchRequest]) != 1 {
		t.Fatalf("expected 1 BatchRequest row, got %d", len(store.written[TableBatchRequest]))
	}
	row := store.written[TableBatchRequest][0].(BatchRequestRow)
	if row.ProviderBatchID != "provider-batch-1" {
		t.Fatalf("unexpected provider batch id %q", row.ProviderBatchID)
	}
	if row.Status != string(gateway.BatchStatusPending) {
		t.Fatalf("expected pending status at submission, got %q", row.Status)
	}
}

func TestSubmitBatch_NoBatchCapableBindingFails(t *testing.T) {
	d, _ := newBatchTestSetup(t, &fakeClient{resp: &gateway.ModelInferenceResponse{Content: "ok"}})
	_, err := d.SubmitBatch(context.Background(), &BatchSubmitRequest{FunctionName: "greet", Inputs: []any{"one"}})
	if _, ok := err.(*gateway.AllVariantsFailedError); !ok {
		t.Fatalf("expected *gateway.AllVariantsFailedError when no binding supports batch inference, got %T (%v)", err, err)
	}
}

func TestPollBatch_RejectsBothOrNeitherIdentifier(t *testing.T) {
	d, _ := newBatchTestSetup(t, &fakeBatchClient{})
	if _, err := d.PollBatch(context.Background(), &BatchPollRequest{}); err == nil {
		t.Fatal("expected an error when neither batch_id nor inference_id is given")
	}
	batchID := uuid.New()
	inferenceID := uuid.New()
	if _, err := d.PollBatch(context.Background(), &BatchPollRequest{BatchID: &batchID, InferenceID: &inferenceID}); err == nil {
		t.Fatal("expected an error when both batch_id and inference_id are given")
	}
}

func TestPollBatch_NotFoundWhenNoRowExists(t *testing.T) {
	d, _ := newBatchTestSetup(t, &fakeBatchClient{})
	batchID := uuid.New()
	_, err := d.PollBatch(context.Background(), &BatchPollRequest{BatchID: &batchID})
	if _, ok := err.(*gateway.BatchNotFoundError); !ok {
		t.Fatalf("expected *gateway.BatchNotFoundError, got %T (%v)", err, err)
	}
}

func TestPollBatch_ReconcilesPendingToCompleted(t *testing.T) {
	client := &fakeBatchClient{
		startResult: &gateway.BatchStartResult{ProviderBatchID: "provider-batch-1"},
		pollResult:  &gateway.BatchPollResult{Status: gateway.BatchStatusCompleted},
	}
	d, store := newBatchTestSetup(t, client)

	submitResult, err := d.SubmitBatch(context.Background(), &BatchSubmitRequest{FunctionName: "greet", Inputs: []any{"one"}})
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}

	pollResult, err := d.PollBatch(context.Background(), &BatchPollRequest{BatchID: &submitResult.BatchID})
	if err != nil {
		t.Fatalf("PollBatch: %v", err)
	}
	if pollResult.Status != gateway.BatchStatusCompleted {
		t.Fatalf("expected completed, got %q", pollResult.Status)
	}

	rows := store.written[TableBatchRequest]
	last := rows[len(rows)-1].(BatchRequestRow)
	if last.Status != string(gateway.BatchStatusCompleted) {
		t.Fatalf("expected the re-written row to record completion, got %q", last.Status)
	}
}

func TestPollBatch_ReconcilesPendingToFailed(t *testing.T) {
	client := &fakeBatchClient{
		startResult: &gateway.BatchStartResult{ProviderBatchID: "provider-batch-1"},
		pollResult:  &gateway.BatchPollResult{Status: gateway.BatchStatusFailed, Message: "provider reported a failure"},
	}
	d, store := newBatchTestSetup(t, client)

	submitResult, err := d.SubmitBatch(context.Background(), &BatchSubmitRequest{FunctionName: "greet", Inputs: []any{"one"}})
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}

	pollResult, err := d.PollBatch(context.Background(), &BatchPollRequest{BatchID: &submitResult.BatchID})
	if err != nil {
		t.Fatalf("PollBatch: %v", err)
	}
	if pollResult.Status != gateway.BatchStatusFailed || pollResult.Message != "provider reported a failure" {
		t.Fatalf("unexpected poll result %+v", pollResult)
	}

	rows := store.written[TableBatchRequest]
	last := rows[len(rows)-1].(BatchRequestRow)
	if last.Errors["message"] != "provider reported a failure" {
		t.Fatalf("expected the failure message recorded, got %+v", last.Errors)
	}
}

func TestPollBatch_ByInferenceIDResolvesBatchID(t *testing.T) {
	client := &fakeBatchClient{
		startResult: &gateway.BatchStartResult{ProviderBatchID: "provider-batch-1"},
		pollResult:  &gateway.BatchPollResult{Status: gateway.BatchStatusPending},
	}
	d, _ := newBatchTestSetup(t, client)

	submitResult, err := d.SubmitBatch(context.Background(), &BatchSubmitRequest{FunctionName: "greet", Inputs: []any{"one"}})
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}

	_, err = d.PollBatch(context.Background(), &BatchPollRequest{InferenceID: &submitResult.InferenceIDs[0]})
	if err != nil {
		t.Fatalf("PollBatch by inference id: %v", err)
	}
}
