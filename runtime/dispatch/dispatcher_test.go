package dispatch

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/Kaboomtastic/tensorzero/runtime/gateway"
	"github.com/Kaboomtastic/tensorzero/runtime/registry"
)

type fakeStore struct {
	written map[string][]any
}

func newFakeStore() *fakeStore { return &fakeStore{written: make(map[string][]any)} }

func (s *fakeStore) Write(_ context.Context, table string, rows []any) error {
	s.written[table] = append(s.written[table], rows...)
	return nil
}

func (s *fakeStore) LatestBatchRequestByBatchID(_ context.Context, batchID uuid.UUID) (*BatchRequestRow, error) {
	var latest *BatchRequestRow
	for _, r := range s.written[TableBatchRequest] {
		row, ok := r.(BatchRequestRow)
		if !ok || row.BatchID != batchID {
			continue
		}
		// Ties go to the later-written row so a same-millisecond status
		// rewrite is still observed as the latest.
		if latest == nil || !row.Timestamp.Before(latest.Timestamp) {
			copied := row
			latest = &copied
		}
	}
	return latest, nil
}

func (s *fakeStore) BatchIDByInferenceID(_ context.Context, inferenceID uuid.UUID) (uuid.UUID, error) {
	for _, r := range s.written[TableBatchIDByInferenceID] {
		if row, ok := r.(BatchIDIndexRow); ok && row.InferenceID == inferenceID {
			return row.BatchID, nil
		}
	}
	return uuid.UUID{}, ErrBatchIDNotFound
}

type fakeClient struct {
	resp  *gateway.ModelInferenceResponse
	err   error
	calls int
}

func (f *fakeClient) Infer(context.Context, *gateway.ModelInferenceRequest) (*gateway.ModelInferenceResponse, error) {
	f.calls++
	return f.resp, f.err
}

func (f *fakeClient) InferStream(context.Context, *gateway.ModelInferenceRequest) (gateway.ModelInferenceResponseChunk, gateway.ChunkStream, error) {
	return gateway.ModelInferenceResponseChunk{}, nil, f.err
}

func newTestFunction(t *testing.T) *registry.Function {
	t.Helper()
	f, err := registry.NewFunction(registry.Function{
		Name:     "greet",
		Variants: map[string]*registry.Variant{"v1": {Name: "v1", Model: "v1", Weight: 1, UserTemplate: "{{.}}"}},
	})
	if err != nil {
		t.Fatalf("NewFunction: %v", err)
	}
	return f
}

func TestDispatcher_Infer_Success(t *testing.T) {
	fn := newTestFunction(t)
	functions, err := registry.NewFunctionRegistry(fn)
	if err != nil {
		t.Fatalf("NewFunctionRegistry: %v", err)
	}

	client := &fakeClient{resp: &gateway.ModelInferenceResponse{Content: "hi there"}}
	model, err := registry.NewModelRegistry(&registry.Model{
		Name:     "v1",
		Bindings: []registry.ProviderBinding{{Provider: gateway.ProviderOpenAI, ProviderName: "openai", Client: client}},
	})
	if err != nil {
		t.Fatalf("NewModelRegistry: %v", err)
	}

	d := &Dispatcher{Functions: functions, Models: model}
	result, err := d.Infer(context.Background(), &InferRequest{FunctionName: "greet", Input: "hello"})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if result.Response.Content != "hi there" {
		t.Fatalf("unexpected content %q", result.Response.Content)
	}
	if client.calls != 1 {
		t.Fatalf("expected the client to be called once, got %d", client.calls)
	}
}

func TestDispatcher_Infer_UnknownFunction(t *testing.T) {
	functions, err := registry.NewFunctionRegistry()
	if err != nil {
		t.Fatalf("NewFunctionRegistry: %v", err)
	}
	models, err := registry.NewModelRegistry()
	if err != nil {
		t.Fatalf("NewModelRegistry: %v", err)
	}
	d := &Dispatcher{Functions: functions, Models: models}
	_, err = d.Infer(context.Background(), &InferRequest{FunctionName: "missing", Input: "x"})
	if _, ok := err.(*gateway.UnknownFunctionError); !ok {
		t.Fatalf("expected *gateway.UnknownFunctionError, got %T (%v)", err, err)
	}
}

func TestDispatcher_Infer_ClientAttributableErrorShortCircuits(t *testing.T) {
	fn := newTestFunction(t)
	functions, err := registry.NewFunctionRegistry(fn)
	if err != nil {
		t.Fatalf("NewFunctionRegistry: %v", err)
	}
	client := &fakeClient{err: &gateway.ClientError{Status: 429, Body: "rate limited"}}
	models, err := registry.NewModelRegistry(&registry.Model{
		Name:     "v1",
		Bindings: []registry.ProviderBinding{{Provider: gateway.ProviderOpenAI, ProviderName: "openai", Client: client}},
	})
	if err != nil {
		t.Fatalf("NewModelRegistry: %v", err)
	}
	d := &Dispatcher{Functions: functions, Models: models}
	_, err = d.Infer(context.Background(), &InferRequest{FunctionName: "greet", Input: "hello"})
	if _, ok := err.(*gateway.ClientError); !ok {
		t.Fatalf("expected the client-attributable error to propagate unwrapped, got %T (%v)", err, err)
	}
	if client.calls != 1 {
		t.Fatalf("expected no failover attempt for a client-attributable error, got %d calls", client.calls)
	}
}

func TestDispatcher_Infer_ServerErrorFailsOverToNextBinding(t *testing.T) {
	fn := newTestFunction(t)
	functions, err := registry.NewFunctionRegistry(fn)
	if err != nil {
		t.Fatalf("NewFunctionRegistry: %v", err)
	}
	failing := &fakeClient{err: &gateway.ServerError{Body: "boom"}}
	healthy := &fakeClient{resp: &gateway.ModelInferenceResponse{Content: "recovered"}}
	models, err := registry.NewModelRegistry(&registry.Model{
		Name: "v1",
		Bindings: []registry.ProviderBinding{
			{Provider: gateway.ProviderOpenAI, ProviderName: "primary", Client: failing},
			{Provider: gateway.ProviderTogether, ProviderName: "fallback", Client: healthy},
		},
	})
	if err != nil {
		t.Fatalf("NewModelRegistry: %v", err)
	}
	d := &Dispatcher{Functions: functions, Models: models}
	result, err := d.Infer(context.Background(), &InferRequest{FunctionName: "greet", Input: "hello"})
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if result.Response.Content != "recovered" {
		t.Fatalf("expected failover to the healthy binding, got %q", result.Response.Content)
	}
	if failing.calls != 1 || healthy.calls != 1 {
		t.Fatalf("expected each binding tried exactly once, got failing=%d healthy=%d", failing.calls, healthy.calls)
	}
}

func TestDispatcher_Infer_InputValidationFailure(t *testing.T) {
	f, err := registry.NewFunction(registry.Function{
		Name:        "greet",
		InputSchema: []byte(`{"type":"object","required":["name"]}`),
		Variants:    map[string]*registry.Variant{"v1": {Name: "v1", Weight: 1}},
	})
	if err != nil {
		t.Fatalf("NewFunction: %v", err)
	}
	functions, err := registry.NewFunctionRegistry(f)
	if err != nil {
		t.Fatalf("NewFunctionRegistry: %v", err)
	}
	models, err := registry.NewModelRegistry()
	if err != nil {
		t.Fatalf("NewModelRegistry: %v", err)
	}
	d := &Dispatcher{Functions: functions, Models: models}
	_, err = d.Infer(context.Background(), &InferRequest{FunctionName: "greet", Input: map[string]any{}})
	if _, ok := err.(*gateway.InputValidationError); !ok {
		t.Fatalf("expected *gateway.InputValidationError, got %T (%v)", err, err)
	}
}

func TestDispatcher_Infer_UnknownPinnedVariant(t *testing.T) {
	fn := newTestFunction(t)
	functions, err := registry.NewFunctionRegistry(fn)
	if err != nil {
		t.Fatalf("NewFunctionRegistry: %v", err)
	}
	models, err := registry.NewModelRegistry()
	if err != nil {
		t.Fatalf("NewModelRegistry: %v", err)
	}
	d := &Dispatcher{Functions: functions, Models: models}
	pinned := "does-not-exist"
	_, err = d.Infer(context.Background(), &InferRequest{FunctionName: "greet", Input: "hi", VariantName: &pinned})
	if _, ok := err.(*gateway.UnknownVariantError); !ok {
		t.Fatalf("expected *gateway.UnknownVariantError, got %T (%v)", err, err)
	}
}

func TestDispatcher_Infer_PersistsInferenceRowWithOutput(t *testing.T) {
	fn := newTestFunction(t)
	functions, err := registry.NewFunctionRegistry(fn)
	if err != nil {
		t.Fatalf("NewFunctionRegistry: %v", err)
	}
	client := &fakeClient{resp: &gateway.ModelInferenceResponse{Content: "hi there"}}
	models, err := registry.NewModelRegistry(&registry.Model{
		Name:     "v1",
		Bindings: []registry.ProviderBinding{{Provider: gateway.ProviderOpenAI, ProviderName: "openai", Client: client}},
	})
	if err != nil {
		t.Fatalf("NewModelRegistry: %v", err)
	}
	store := newFakeStore()
	d := &Dispatcher{Functions: functions, Models: models, Store: store}
	if _, err := d.Infer(context.Background(), &InferRequest{FunctionName: "greet", Input: "hello"}); err != nil {
		t.Fatalf("Infer: %v", err)
	}

	rows := store.written[TableInference]
	if len(rows) != 1 {
		t.Fatalf("expected exactly 1 inference row written, got %d", len(rows))
	}
	row := rows[0].(InferenceRow)
	if row.FunctionName != "greet" || row.VariantName != "v1" {
		t.Fatalf("unexpected row identity %+v", row)
	}
	if len(row.Output) == 0 {
		t.Fatal("expected the inference row's Output to be populated from the response")
	}
}
