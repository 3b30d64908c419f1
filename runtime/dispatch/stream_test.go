package dispatch

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/Kaboomtastic/tensorzero/runtime/gateway"
	"github.com/Kaboomtastic/tensorzero/runtime/registry"
)

type fakeStreamClient struct {
	first   gateway.ModelInferenceResponseChunk
	rest    []gateway.ModelInferenceResponseChunk
	streamErr error
	startErr  error
}

func (f *fakeStreamClient) Infer(context.Context, *gateway.ModelInferenceRequest) (*gateway.ModelInferenceResponse, error) {
	return nil, errors.New("not used")
}

func (f *fakeStreamClient) InferStream(context.Context, *gateway.ModelInferenceRequest) (gateway.ModelInferenceResponseChunk, gateway.ChunkStream, error) {
	if f.startErr != nil {
		return gateway.ModelInferenceResponseChunk{}, nil, f.startErr
	}
	return f.first, &fakeChunkStream{chunks: f.rest, err: f.streamErr}, nil
}

type fakeChunkStream struct {
	chunks []gateway.ModelInferenceResponseChunk
	err    error
	pos    int
	closed bool
}

func (s *fakeChunkStream) Recv() (gateway.ModelInferenceResponseChunk, error) {
	if s.pos < len(s.chunks) {
		c := s.chunks[s.pos]
		s.pos++
		return c, nil
	}
	if s.err != nil {
		return gateway.ModelInferenceResponseChunk{}, s.err
	}
	return gateway.ModelInferenceResponseChunk{}, io.EOF
}

func (s *fakeChunkStream) Close() error {
	s.closed = true
	return nil
}

func TestInferStream_ForwardsChunksAndPersistsAssembledContent(t *testing.T) {
	fn := newTestFunction(t)
	functions, err := registry.NewFunctionRegistry(fn)
	if err != nil {
		t.Fatalf("NewFunctionRegistry: %v", err)
	}
	client := &fakeStreamClient{
		first: gateway.ModelInferenceResponseChunk{ContentDelta: "hel"},
		rest: []gateway.ModelInferenceResponseChunk{
			{ContentDelta: "lo"},
			{Done: true, Usage: &gateway.TokenUsage{PromptTokens: 3, CompletionTokens: 2}},
		},
	}
	models, err := registry.NewModelRegistry(&registry.Model{
		Name:     "v1",
		Bindings: []registry.ProviderBinding{{Provider: gateway.ProviderOpenAI, ProviderName: "openai", Client: client}},
	})
	if err != nil {
		t.Fatalf("NewModelRegistry: %v", err)
	}
	store := newFakeStore()
	d := &Dispatcher{Functions: functions, Models: models, Store: store}

	var received []gateway.ModelInferenceResponseChunk
	result, err := d.InferStream(context.Background(), &InferRequest{FunctionName: "greet", Input: "hello"}, func(c gateway.ModelInferenceResponseChunk) error {
		received = append(received, c)
		return nil
	})
	if err != nil {
		t.Fatalf("InferStream: %v", err)
	}
	if len(received) != 3 {
		t.Fatalf("expected 3 forwarded chunks, got %d", len(received))
	}

	rows := store.written[TableInference]
	if len(rows) != 1 {
		t.Fatalf("expected 1 persisted row, got %d", len(rows))
	}
	row := rows[0].(InferenceRow)
	if row.Failed {
		t.Fatal("expected a clean stream to persist Failed=false")
	}
	if row.VariantName != result.VariantName {
		t.Fatalf("row variant %q does not match result variant %q", row.VariantName, result.VariantName)
	}
}

func TestInferStream_MidStreamErrorPersistsPartialAndFailed(t *testing.T) {
	fn := newTestFunction(t)
	functions, err := registry.NewFunctionRegistry(fn)
	if err != nil {
		t.Fatalf("NewFunctionRegistry: %v", err)
	}
	client := &fakeStreamClient{
		first:     gateway.ModelInferenceResponseChunk{ContentDelta: "partial"},
		streamErr: errors.New("connection reset"),
	}
	models, err := registry.NewModelRegistry(&registry.Model{
		Name:     "v1",
		Bindings: []registry.ProviderBinding{{Provider: gateway.ProviderOpenAI, ProviderName: "openai", Client: client}},
	})
	if err != nil {
		t.Fatalf("NewModelRegistry: %v", err)
	}
	store := newFakeStore()
	d := &Dispatcher{Functions: functions, Models: models, Store: store}

	_, err = d.InferStream(context.Background(), &InferRequest{FunctionName: "greet", Input: "hello"}, func(gateway.ModelInferenceResponseChunk) error {
		return nil
	})
	if err != nil {
		t.Fatalf("InferStream: %v", err)
	}

	rows := store.written[TableInference]
	if len(rows) != 1 {
		t.Fatalf("expected 1 persisted row, got %d", len(rows))
	}
	row := rows[0].(InferenceRow)
	if !row.Failed {
		t.Fatal("expected the row to be flagged Failed after a mid-stream error")
	}
}

func TestInferStream_StartFailureFailsOverToNextBinding(t *testing.T) {
	fn := newTestFunction(t)
	functions, err := registry.NewFunctionRegistry(fn)
	if err != nil {
		t.Fatalf("NewFunctionRegistry: %v", err)
	}
	failing := &fakeStreamClient{startErr: &gateway.ServerError{Body: "boom"}}
	healthy := &fakeStreamClient{first: gateway.ModelInferenceResponseChunk{ContentDelta: "ok", Done: true}}
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
	result, err := d.InferStream(context.Background(), &InferRequest{FunctionName: "greet", Input: "hello"}, func(gateway.ModelInferenceResponseChunk) error {
		return nil
	})
	if err != nil {
		t.Fatalf("InferStream: %v", err)
	}
	if result.ModelName != "v1" {
		t.Fatalf("expected a result from the healthy binding, got %+v", result)
	}
}
