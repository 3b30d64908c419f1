package gateway

import "time"

// stampedStream decorates a provider adapter's ChunkStream so that every
// chunk carries the stream's single inference id and a latency measured from
// stream creation.
type stampedStream struct {
	inner ChunkStream
	id    string
	start time.Time
}

// StampStream mints one inference id for the stream and stamps it, together
// with the elapsed time since start, onto first and every subsequent chunk.
// Adapters call it as the last step of InferStream so the id is identical
// across all chunks of the stream.
func StampStream(first ModelInferenceResponseChunk, inner ChunkStream, start time.Time) (ModelInferenceResponseChunk, ChunkStream, error) {
	id, err := NewID()
	if err != nil {
		return ModelInferenceResponseChunk{}, nil, err
	}
	s := &stampedStream{inner: inner, id: id.String(), start: start}
	first.InferenceID = s.id
	first.LatencySinceStart = time.Since(start).Seconds()
	return first, s, nil
}

func (s *stampedStream) Recv() (ModelInferenceResponseChunk, error) {
	chunk, err := s.inner.Recv()
	if err != nil {
		return chunk, err
	}
	chunk.InferenceID = s.id
	chunk.LatencySinceStart = time.Since(s.start).Seconds()
	return chunk, nil
}

func (s *stampedStream) Close() error {
	return s.inner.Close()
}
