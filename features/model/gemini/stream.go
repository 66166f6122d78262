package gemini

import (
	"errors"
	"io"

	"google.golang.org/api/iterator"

	"goa.design/agentcore/features/model/internal/wire"
	"goa.design/agentcore/runtime/agent/model"
)

// streamer turns each streamed response into text and tool call chunks.
// Usage is cumulative in Gemini responses so only the last value is kept.
type streamer struct {
	it       ResponseIterator
	names    *wire.ToolNames
	pending  []model.Chunk
	last     model.Response
	finished bool
}

func (s *streamer) Recv() (model.Chunk, error) {
	for len(s.pending) == 0 {
		if s.finished {
			return model.Chunk{}, io.EOF
		}
		resp, err := s.it.Next()
		if errors.Is(err, iterator.Done) {
			s.finished = true
			u := s.last.Usage
			s.pending = append(s.pending,
				model.Chunk{Type: model.ChunkTypeUsage, Usage: &u},
				model.Chunk{Type: model.ChunkTypeStop, StopReason: s.last.StopReason},
			)
			continue
		}
		if err != nil {
			s.finished = true
			return model.Chunk{}, classify("generate_stream", err)
		}
		text, calls, structured := accumulate(&s.last, resp, s.names)
		if text != "" {
			s.pending = append(s.pending, model.Chunk{Type: model.ChunkTypeText, Text: text})
		}
		for i := range calls {
			s.pending = append(s.pending, model.Chunk{Type: model.ChunkTypeToolCall, ToolCall: &calls[i]})
		}
		if structured != nil {
			s.pending = append(s.pending, model.Chunk{Type: model.ChunkTypeStructured, Structured: structured})
		}
	}
	c := s.pending[0]
	s.pending = s.pending[1:]
	return c, nil
}

func (s *streamer) Close() error { return nil }
