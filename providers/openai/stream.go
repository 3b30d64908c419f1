package openai

import (
	"io"
	"sync"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/Kaboomtastic/tensorzero/runtime/gateway"
)

// streamer adapts an OpenAI Chat Completions streaming response to
// gateway.ChunkStream, remembering each tool call's id and name by its
// per-chunk index so every argument fragment is emitted as a delta carrying
// them (OpenAI identifies tool calls by array position within a streamed
// choice rather than repeating the call id on every delta).
type streamer struct {
	stream *ssestream.Stream[sdk.ChatCompletionChunk]

	mu          sync.Mutex
	toolCallIDs map[int64]string
	toolNames   map[int64]string
}

func newStreamer(stream *ssestream.Stream[sdk.ChatCompletionChunk]) *streamer {
	return &streamer{
		stream:      stream,
		toolCallIDs: make(map[int64]string),
		toolNames:   make(map[int64]string),
	}
}

func (s *streamer) Recv() (gateway.ModelInferenceResponseChunk, error) {
	for {
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				return gateway.ModelInferenceResponseChunk{}, classifyError(err)
			}
			return gateway.ModelInferenceResponseChunk{}, io.EOF
		}
		chunk := s.stream.Current()
		out, ok := s.translate(chunk)
		if ok {
			return out, nil
		}
	}
}

func (s *streamer) Close() error {
	return s.stream.Close()
}

func (s *streamer) translate(chunk sdk.ChatCompletionChunk) (gateway.ModelInferenceResponseChunk, bool) {
	out := gateway.ModelInferenceResponseChunk{}
	any := false

	if chunk.Usage.TotalTokens > 0 {
		usage := gateway.TokenUsage{
			PromptTokens:     int(chunk.Usage.PromptTokens),
			CompletionTokens: int(chunk.Usage.CompletionTokens),
		}
		out.Usage = &usage
		any = true
	}

	if len(chunk.Choices) == 0 {
		return out, any
	}
	choice := chunk.Choices[0]
	if choice.Delta.Content != "" {
		out.ContentDelta = choice.Delta.Content
		any = true
	}

	s.mu.Lock()
	for _, tc := range choice.Delta.ToolCalls {
		if tc.ID != "" {
			s.toolCallIDs[tc.Index] = tc.ID
		}
		if tc.Function.Name != "" {
			s.toolNames[tc.Index] = tc.Function.Name
		}
		out.ToolCallDeltas = append(out.ToolCallDeltas, gateway.ToolCallDeltaChunk{
			ID:        s.toolCallIDs[tc.Index],
			Name:      s.toolNames[tc.Index],
			Arguments: tc.Function.Arguments,
		})
		any = true
	}
	s.mu.Unlock()

	if choice.FinishReason != "" {
		out.Done = true
		any = true
	}
	return out, any
}
