package anthropic

import (
	"io"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/agentcore/features/model/internal/wire"
	"goa.design/agentcore/runtime/agent/model"
)

type (
	// streamer adapts Messages stream events to model chunks. Tool calls are
	// emitted once their content block stops.
	streamer struct {
		stream   *ssestream.Stream[sdk.MessageStreamEventUnion]
		names    *wire.ToolNames
		pending  []model.Chunk
		tools    map[int64]*toolBuffer
		usage    model.TokenUsage
		stop     string
		done     bool
		finished bool
	}

	toolBuffer struct {
		id, name string
		input    strings.Builder
	}
)

func newStreamer(stream *ssestream.Stream[sdk.MessageStreamEventUnion], names *wire.ToolNames) *streamer {
	return &streamer{stream: stream, names: names, tools: make(map[int64]*toolBuffer)}
}

func (s *streamer) Recv() (model.Chunk, error) {
	for len(s.pending) == 0 {
		if s.done {
			return model.Chunk{}, io.EOF
		}
		if !s.stream.Next() {
			s.done = true
			if err := s.stream.Err(); err != nil {
				return model.Chunk{}, classify("messages.stream", err)
			}
			s.finish()
			continue
		}
		s.handle(s.stream.Current())
	}
	c := s.pending[0]
	s.pending = s.pending[1:]
	return c, nil
}

func (s *streamer) Close() error { return s.stream.Close() }

func (s *streamer) handle(event sdk.MessageStreamEventUnion) {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		s.usage.InputTokens = int(ev.Message.Usage.InputTokens)
	case sdk.ContentBlockStartEvent:
		if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			s.tools[ev.Index] = &toolBuffer{id: tu.ID, name: tu.Name}
		}
	case sdk.ContentBlockDeltaEvent:
		switch d := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if d.Text != "" {
				s.pending = append(s.pending, model.Chunk{Type: model.ChunkTypeText, Text: d.Text})
			}
		case sdk.InputJSONDelta:
			if tb := s.tools[ev.Index]; tb != nil {
				tb.input.WriteString(d.PartialJSON)
			}
		}
	case sdk.ContentBlockStopEvent:
		if tb := s.tools[ev.Index]; tb != nil {
			delete(s.tools, ev.Index)
			if s.names.Output(tb.name) {
				s.pending = append(s.pending, model.Chunk{Type: model.ChunkTypeStructured, Structured: wire.Arguments(tb.input.String())})
				return
			}
			s.pending = append(s.pending, model.Chunk{
				Type: model.ChunkTypeToolCall,
				ToolCall: &model.ToolCall{
					ID:    tb.id,
					Name:  s.names.Registry(tb.name),
					Input: wire.Arguments(tb.input.String()),
				},
			})
		}
	case sdk.MessageDeltaEvent:
		s.stop = string(ev.Delta.StopReason)
		s.usage.OutputTokens = int(ev.Usage.OutputTokens)
	case sdk.MessageStopEvent:
		s.finish()
	}
}

// finish emits usage and stop once per stream.
func (s *streamer) finish() {
	if s.finished {
		return
	}
	s.finished = true
	u := s.usage
	s.pending = append(s.pending,
		model.Chunk{Type: model.ChunkTypeUsage, Usage: &u},
		model.Chunk{Type: model.ChunkTypeStop, StopReason: s.stop},
	)
}
