package anthropic

import (
	"context"
	"fmt"
	"io"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/Kaboomtastic/tensorzero/runtime/gateway"
)

// streamer adapts an Anthropic Messages streaming response to
// gateway.ChunkStream.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]

	chunks chan gateway.ModelInferenceResponseChunk

	errMu    sync.Mutex
	errSet   bool
	finalErr error

	toolNames map[int]string
	toolIDs   map[int]string
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion]) *streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:       cctx,
		cancel:    cancel,
		stream:    stream,
		chunks:    make(chan gateway.ModelInferenceResponseChunk, 32),
		toolNames: make(map[int]string),
		toolIDs:   make(map[int]string),
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
		if err := s.err(); err != nil {
			return gateway.ModelInferenceResponseChunk{}, err
		}
		return gateway.ModelInferenceResponseChunk{}, io.EOF
	case <-s.ctx.Done():
		err := s.ctx.Err()
		s.setErr(err)
		return gateway.ModelInferenceResponseChunk{}, err
	}
}

func (s *streamer) Close() error {
	s.cancel()
	if s.stream == nil {
		return nil
	}
	return s.stream.Close()
}

func (s *streamer) run() {
	defer close(s.chunks)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()

	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		default:
		}
		if !s.stream.Next() {
			if err := s.stream.Err(); err != nil {
				s.setErr(classifyError(err))
			}
			return
		}
		if err := s.handle(s.stream.Current()); err != nil {
			s.setErr(err)
			return
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

func (s *streamer) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

func (s *streamer) err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

func (s *streamer) handle(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		return nil
	case sdk.ContentBlockStartEvent:
		idx := int(ev.Index)
		if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			if toolUse.ID == "" {
				return fmt.Errorf("anthropic stream: tool use block missing id")
			}
			s.toolIDs[idx] = toolUse.ID
			s.toolNames[idx] = toolUse.Name
		}
		return nil
	case sdk.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil
			}
			return s.emit(gateway.ModelInferenceResponseChunk{ContentDelta: delta.Text})
		case sdk.InputJSONDelta:
			if delta.PartialJSON == "" {
				return nil
			}
			return s.emit(gateway.ModelInferenceResponseChunk{
				ToolCallDeltas: []gateway.ToolCallDeltaChunk{{
					ID:        s.toolIDs[idx],
					Name:      s.toolNames[idx],
					Arguments: delta.PartialJSON,
				}},
			})
		default:
			return nil
		}
	case sdk.ContentBlockStopEvent:
		delete(s.toolIDs, int(ev.Index))
		delete(s.toolNames, int(ev.Index))
		return nil
	case sdk.MessageDeltaEvent:
		usage := gateway.TokenUsage{
			PromptTokens:     int(ev.Usage.InputTokens),
			CompletionTokens: int(ev.Usage.OutputTokens),
		}
		return s.emit(gateway.ModelInferenceResponseChunk{Usage: &usage})
	case sdk.MessageStopEvent:
		return s.emit(gateway.ModelInferenceResponseChunk{Done: true})
	default:
		return nil
	}
}
