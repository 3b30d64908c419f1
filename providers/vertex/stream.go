package vertex

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/Kaboomtastic/tensorzero/runtime/gateway"
)

// streamer adapts Vertex's streamGenerateContent server-sent events to
// gateway.ChunkStream. Unlike Anthropic/OpenAI, each event carries a
// complete candidate (not a field-level delta), so one wire event maps
// directly to one incremental chunk of text/tool-call content.
type streamer struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func newStreamer(body io.ReadCloser) *streamer {
	return &streamer{body: body, scanner: bufio.NewScanner(body)}
}

func (s *streamer) Recv() (gateway.ModelInferenceResponseChunk, error) {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		var wire wireResponse
		if err := json.Unmarshal([]byte(payload), &wire); err != nil {
			return gateway.ModelInferenceResponseChunk{}, &gateway.ServerError{Body: "vertex: malformed stream event: " + err.Error()}
		}
		return translateChunk(&wire, payload), nil
	}
	if err := s.scanner.Err(); err != nil {
		return gateway.ModelInferenceResponseChunk{}, &gateway.InferenceClientError{Message: err.Error()}
	}
	return gateway.ModelInferenceResponseChunk{}, io.EOF
}

func (s *streamer) Close() error {
	return s.body.Close()
}

func translateChunk(wire *wireResponse, raw string) gateway.ModelInferenceResponseChunk {
	chunk := gateway.ModelInferenceResponseChunk{Raw: raw}
	if len(wire.Candidates) > 0 && wire.Candidates[0].Content != nil {
		for _, part := range wire.Candidates[0].Content.Parts {
			if part.Text != "" {
				chunk.ContentDelta += part.Text
			}
			if part.FunctionCall != nil {
				chunk.ToolCalls = append(chunk.ToolCalls, gateway.ToolCall{
					ID:        part.FunctionCall.Name,
					Name:      part.FunctionCall.Name,
					Arguments: part.FunctionCall.Args,
				})
			}
		}
	}
	if wire.UsageMetadata != nil {
		usage := gateway.TokenUsage{
			PromptTokens:     wire.UsageMetadata.PromptTokenCount,
			CompletionTokens: wire.UsageMetadata.CandidatesTokenCount,
		}
		chunk.Usage = &usage
		chunk.Done = true
	}
	return chunk
}
