package gateway

import (
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
)

type sliceStream struct {
	chunks []ModelInferenceResponseChunk
	pos    int
	closed bool
}

func (s *sliceStream) Recv() (ModelInferenceResponseChunk, error) {
	if s.pos >= len(s.chunks) {
		return ModelInferenceResponseChunk{}, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

func TestStampStream_SingleInferenceIDAcrossAllChunks(t *testing.T) {
	inner := &sliceStream{chunks: []ModelInferenceResponseChunk{
		{ContentDelta: "lo"},
		{Done: true, Usage: &TokenUsage{PromptTokens: 1, CompletionTokens: 2}},
	}}
	first, stream, err := StampStream(ModelInferenceResponseChunk{ContentDelta: "hel"}, inner, time.Now())
	if err != nil {
		t.Fatalf("StampStream: %v", err)
	}
	if first.InferenceID == "" {
		t.Fatal("expected the first chunk to carry an inference id")
	}
	id, err := uuid.Parse(first.InferenceID)
	if err != nil {
		t.Fatalf("inference id is not a valid uuid: %v", err)
	}
	if id.Version() != 7 {
		t.Fatalf("expected a UUIDv7 inference id, got version %d", id.Version())
	}

	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if chunk.InferenceID != first.InferenceID {
			t.Fatalf("chunk inference id %q differs from the stream's %q", chunk.InferenceID, first.InferenceID)
		}
	}
}

func TestStampStream_LatencyIsMonotonic(t *testing.T) {
	inner := &sliceStream{chunks: []ModelInferenceResponseChunk{{}, {Done: true}}}
	start := time.Now().Add(-time.Second)
	first, stream, err := StampStream(ModelInferenceResponseChunk{}, inner, start)
	if err != nil {
		t.Fatalf("StampStream: %v", err)
	}
	if first.LatencySinceStart <= 0 {
		t.Fatalf("expected a positive first-chunk latency, got %v", first.LatencySinceStart)
	}
	prev := first.LatencySinceStart
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if chunk.LatencySinceStart < prev {
			t.Fatalf("latency went backwards: %v after %v", chunk.LatencySinceStart, prev)
		}
		prev = chunk.LatencySinceStart
	}
}

func TestStampStream_ClosePropagates(t *testing.T) {
	inner := &sliceStream{}
	_, stream, err := StampStream(ModelInferenceResponseChunk{}, inner, time.Now())
	if err != nil {
		t.Fatalf("StampStream: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !inner.closed {
		t.Fatal("expected Close to reach the wrapped stream")
	}
}
