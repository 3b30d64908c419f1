package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/Kaboomtastic/tensorzero/runtime/gateway"
)

// streamer adapts a Bedrock ConverseStream event stream to
// gateway.ChunkStream, mirroring the buffered-channel-plus-goroutine shape
// used by the Anthropic adapter.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *bedrockruntime.ConverseStreamEventStream

	chunks chan gateway.ModelInferenceResponseChunk

	errMu sync.Mutex
	err   error

	toolBlocks map[int32]*toolBuffer
}

type toolBuffer struct {
	id        string
	name      string
	fragments []string
}

func (t *toolBuffer) finalInput() string {
	out := ""
	for _, f := range t.fragments {
		out += f
	}
	return out
}

func newStreamer(ctx context.Context, stream *bedrockruntime.ConverseStreamEventStream) *streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:        cctx,
		cancel:     cancel,
		stream:     stream,
		chunks:     make(chan gateway.ModelInferenceResponseChunk, 32),
		toolBlocks: make(map[int32]*toolBuffer),
	}
	go s.run()
	return s
}

func (s *streamer) Recv() (gateway.ModelInferenceResponseChunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
		if err := s.getErr(); err != nil {
			return gateway.ModelInferenceResponseChunk{}, err
		}
		return gateway.ModelInferenceResponseChunk{}, io.EOF
	case <-s.ctx.Done():
		return gateway.ModelInferenceResponseChunk{}, s.ctx.Err()
	}
}

func (s *streamer) Close() error {
	s.cancel()
	return s.stream.Close()
}

func (s *streamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *streamer) getErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *streamer) run() {
	defer close(s.chunks)
	events := s.stream.Events()
	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		case event, ok := <-events:
			if !ok {
				if err := s.stream.Err(); err != nil {
					s.setErr(classifyError(err))
				}
				return
			}
			if err := s.handle(event); err != nil {
				s.setErr(err)
				return
			}
		}
	}
}

func (s *streamer) emit(chunk gateway.ModelInferenceResponseChunk) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.chunks <- chunk:
		return nil
	}
}

func (s *streamer) handle(event any) error {
	switch ev := event.(type) {
	case *brtypes.ConverseStreamOutputMemberMessageStart:
		s.toolBlocks = make(map[int32]*toolBuffer)
		return nil

	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		if start, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
			idx := deref32(ev.Value.ContentBlockIndex)
			tb := &toolBuffer{}
			if start.Value.ToolUseId != nil {
				tb.id = *start.Value.ToolUseId
			}
			if start.Value.Name != nil {
				tb.name = *start.Value.Name
			}
			s.toolBlocks[idx] = tb
		}
		return nil

	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		idx := deref32(ev.Value.ContentBlockIndex)
		switch delta := ev.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			if delta.Value == "" {
				return nil
			}
			return s.emit(gateway.ModelInferenceResponseChunk{ContentDelta: delta.Value})
		case *brtypes.ContentBlockDeltaMemberToolUse:
			tb := s.toolBlocks[idx]
			if tb == nil || delta.Value.Input == nil {
				return nil
			}
			fragment := *delta.Value.Input
			tb.fragments = append(tb.fragments, fragment)
			if tb.id == "" || tb.name == "" {
				return fmt.Errorf("bedrock stream: tool use delta missing id or name at index %d", idx)
			}
			return s.emit(gateway.ModelInferenceResponseChunk{
				ToolCallDeltas: []gateway.ToolCallDeltaChunk{{ID: tb.id, Name: tb.name, Arguments: fragment}},
			})
		}
		return nil

	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		idx := deref32(ev.Value.ContentBlockIndex)
		if tb := s.toolBlocks[idx]; tb != nil {
			delete(s.toolBlocks, idx)
			return s.emit(gateway.ModelInferenceResponseChunk{
				ToolCalls: []gateway.ToolCall{{ID: tb.id, Name: tb.name, Arguments: json.RawMessage(tb.finalInput())}},
			})
		}
		return nil

	case *brtypes.ConverseStreamOutputMemberMessageStop:
		s.toolBlocks = make(map[int32]*toolBuffer)
		return s.emit(gateway.ModelInferenceResponseChunk{Done: true})

	case *brtypes.ConverseStreamOutputMemberMetadata:
		if ev.Value.Usage == nil {
			return nil
		}
		usage := gateway.TokenUsage{
			PromptTokens:     int(deref32(ev.Value.Usage.InputTokens)),
			CompletionTokens: int(deref32(ev.Value.Usage.OutputTokens)),
		}
		return s.emit(gateway.ModelInferenceResponseChunk{Usage: &usage})
	}
	return nil
}

func deref32(p *int32) int32 {
	if p == nil {
		return 0
	}
	return *p
}
