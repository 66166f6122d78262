package model

import (
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedStream struct {
	chunks []Chunk
	err    error
	closed int
}

func (s *scriptedStream) Recv() (Chunk, error) {
	if len(s.chunks) == 0 {
		if s.err != nil {
			return Chunk{}, s.err
		}
		return Chunk{}, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *scriptedStream) Close() error {
	s.closed++
	return nil
}

func TestFragmentsSingleUse(t *testing.T) {
	s := &scriptedStream{chunks: []Chunk{
		{Type: ChunkTypeText, Text: "hel"},
		{Type: ChunkTypeUsage, Usage: &TokenUsage{InputTokens: 3}},
		{Type: ChunkTypeText, Text: "lo"},
	}}
	frags := Fragments(s)
	var got []string
	for f, err := range frags {
		require.NoError(t, err)
		got = append(got, f)
	}
	assert.Equal(t, []string{"hel", "lo"}, got)
	assert.Equal(t, 1, s.closed)

	for range frags {
		t.Fatal("second iteration must yield nothing")
	}
}

func TestFragmentsStopEarlyCloses(t *testing.T) {
	s := &scriptedStream{chunks: []Chunk{{Type: ChunkTypeText, Text: "a"}, {Type: ChunkTypeText, Text: "b"}}}
	for range Fragments(s) {
		break
	}
	assert.Equal(t, 1, s.closed)
}

func TestAccumulate(t *testing.T) {
	s := &scriptedStream{chunks: []Chunk{
		{Type: ChunkTypeText, Text: "Let me "},
		{Type: ChunkTypeText, Text: "check."},
		{Type: ChunkTypeToolCall, ToolCall: &ToolCall{ID: "p1", Name: "echo", Input: json.RawMessage(`{"msg":"hi"}`)}},
		{Type: ChunkTypeUsage, Usage: &TokenUsage{InputTokens: 10, OutputTokens: 4}},
		{Type: ChunkTypeStop, StopReason: "tool_use"},
	}}
	var frags []string
	resp, err := Accumulate(s, func(f string) { frags = append(frags, f) })
	require.NoError(t, err)
	assert.Equal(t, "Let me check.", resp.Text)
	assert.Equal(t, []string{"Let me ", "check."}, frags)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "echo", resp.ToolCalls[0].Name)
	assert.Equal(t, 14, resp.Usage.Total())
	assert.Equal(t, "tool_use", resp.StopReason)
}

func TestAccumulateStructured(t *testing.T) {
	s := &scriptedStream{chunks: []Chunk{
		{Type: ChunkTypeStructured, Structured: json.RawMessage(`{"city":"Paris"}`)},
		{Type: ChunkTypeStop, StopReason: "tool_use"},
	}}
	resp, err := Accumulate(s, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"city":"Paris"}`, string(resp.Structured))
	assert.Empty(t, resp.ToolCalls)
	assert.Empty(t, resp.Text)
	assert.Equal(t, 1, s.closed)
}

func TestResponseFormat(t *testing.T) {
	f := &ResponseFormat{Schema: json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`)}
	require.NoError(t, f.Validate())
	assert.Equal(t, DefaultResponseFormatName, f.SchemaName())
	f.Name = "weather"
	assert.Equal(t, "weather", f.SchemaName())
	m, err := f.SchemaMap()
	require.NoError(t, err)
	assert.Equal(t, "object", m["type"])

	cases := map[string]string{
		"empty":   ``,
		"array":   `{"type":"array"}`,
		"untyped": `{}`,
		"broken":  `{"type":`,
	}
	for name, schema := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, (&ResponseFormat{Schema: json.RawMessage(schema)}).Validate())
		})
	}
}

func TestAccumulateError(t *testing.T) {
	boom := errors.New("reset")
	s := &scriptedStream{chunks: []Chunk{{Type: ChunkTypeText, Text: "x"}}, err: boom}
	_, err := Accumulate(s, nil)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, s.closed)
}

func TestMessageJSON(t *testing.T) {
	in := Message{Role: RoleAssistant, Parts: []Part{
		TextPart{Text: "calling"},
		ToolUsePart{ID: "call_1", Name: "echo", Input: json.RawMessage(`{"msg":"hi"}`)},
		ToolResultPart{ToolUseID: "call_1", Content: json.RawMessage(`{"ok":true}`), IsError: true},
	}}
	raw, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"kind":"tool_use"`)

	var out Message
	require.NoError(t, json.Unmarshal(raw, &out))
	require.Len(t, out.Parts, 3)
	assert.Equal(t, "calling", out.Text())
	use := out.Parts[1].(ToolUsePart)
	assert.JSONEq(t, `{"msg":"hi"}`, string(use.Input))
	assert.True(t, out.Parts[2].(ToolResultPart).IsError)

	require.Error(t, json.Unmarshal([]byte(`{"role":"user","parts":[{"kind":"image"}]}`), &out))
}

func TestProviderError(t *testing.T) {
	cause := errors.New("429 too many")
	pe := NewProviderError("anthropic", "messages.new", 429, KindForStatus(429), "slow down", cause).WithRetryAfter(2 * time.Second)
	assert.True(t, pe.Retryable())
	assert.ErrorIs(t, pe, ErrRateLimited)
	assert.ErrorIs(t, pe, cause)
	assert.Equal(t, 2*time.Second, pe.RetryAfter())
	assert.Contains(t, pe.Error(), "anthropic rate_limited 429 (messages.new): slow down")

	got, ok := AsProviderError(errors.Join(errors.New("ctx"), pe))
	require.True(t, ok)
	assert.Equal(t, "anthropic", got.Provider())

	assert.False(t, NewProviderError("openai", "", 401, KindForStatus(401), "", nil).Retryable())
	assert.Equal(t, ProviderErrorKindUnavailable, KindForStatus(503))
	assert.Equal(t, ProviderErrorKindInvalidRequest, KindForStatus(400))
}
