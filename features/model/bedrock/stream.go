package bedrock

import (
	"io"
	"sort"
	"strings"

	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"goa.design/agentcore/features/model/internal/wire"
	"goa.design/agentcore/runtime/agent/model"
)

type (
	streamer struct {
		events   EventStream
		names    *wire.ToolNames
		pending  []model.Chunk
		tools    map[int32]*toolBuffer
		usage    model.TokenUsage
		stop     string
		finished bool
	}

	toolBuffer struct {
		id, name string
		input    strings.Builder
	}
)

func newStreamer(events EventStream, names *wire.ToolNames) *streamer {
	return &streamer{events: events, names: names, tools: make(map[int32]*toolBuffer)}
}

func (s *streamer) Recv() (model.Chunk, error) {
	for len(s.pending) == 0 {
		if s.finished {
			return model.Chunk{}, io.EOF
		}
		ev, ok := <-s.events.Events()
		if !ok {
			if err := s.events.Err(); err != nil {
				s.finished = true
				return model.Chunk{}, classify("converse_stream", err)
			}
			s.finish()
			continue
		}
		s.handle(ev)
	}
	c := s.pending[0]
	s.pending = s.pending[1:]
	return c, nil
}

func (s *streamer) Close() error { return s.events.Close() }

func (s *streamer) handle(ev brtypes.ConverseStreamOutput) {
	switch e := ev.(type) {
	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		if tu, ok := e.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
			s.tools[index(e.Value.ContentBlockIndex)] = &toolBuffer{
				id:   deref(tu.Value.ToolUseId),
				name: deref(tu.Value.Name),
			}
		}
	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		switch d := e.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			if d.Value != "" {
				s.pending = append(s.pending, model.Chunk{Type: model.ChunkTypeText, Text: d.Value})
			}
		case *brtypes.ContentBlockDeltaMemberToolUse:
			if tb := s.tools[index(e.Value.ContentBlockIndex)]; tb != nil {
				tb.input.WriteString(deref(d.Value.Input))
			}
		}
	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		idx := index(e.Value.ContentBlockIndex)
		if tb := s.tools[idx]; tb != nil {
			delete(s.tools, idx)
			s.emitTool(tb)
		}
	case *brtypes.ConverseStreamOutputMemberMessageStop:
		s.stop = string(e.Value.StopReason)
	case *brtypes.ConverseStreamOutputMemberMetadata:
		if u := e.Value.Usage; u != nil {
			s.usage = model.TokenUsage{InputTokens: int(deref(u.InputTokens)), OutputTokens: int(deref(u.OutputTokens))}
		}
	}
}

func (s *streamer) emitTool(tb *toolBuffer) {
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

// finish flushes tool blocks left open by a truncated stream, then usage and
// stop.
func (s *streamer) finish() {
	s.finished = true
	idxs := make([]int32, 0, len(s.tools))
	for i := range s.tools {
		idxs = append(idxs, i)
	}
	sort.Slice(idxs, func(a, b int) bool { return idxs[a] < idxs[b] })
	for _, i := range idxs {
		s.emitTool(s.tools[i])
	}
	u := s.usage
	s.pending = append(s.pending,
		model.Chunk{Type: model.ChunkTypeUsage, Usage: &u},
		model.Chunk{Type: model.ChunkTypeStop, StopReason: s.stop},
	)
}

func index(p *int32) int32 {
	if p == nil {
		return 0
	}
	return *p
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
