package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentcore/runtime/agent/model"
)

type stubMessages struct {
	params sdk.MessageNewParams
	resp   *sdk.Message
	err    error
	events []ssestream.Event
}

func (s *stubMessages) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.params = body
	return s.resp, s.err
}

func (s *stubMessages) NewStreaming(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	s.params = body
	return ssestream.NewStream[sdk.MessageStreamEventUnion](&eventDecoder{events: s.events}, s.err)
}

type eventDecoder struct {
	events []ssestream.Event
	i      int
}

func (d *eventDecoder) Event() ssestream.Event { return d.events[d.i-1] }
func (d *eventDecoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}
func (d *eventDecoder) Close() error { return nil }
func (d *eventDecoder) Err() error   { return nil }

func event(typ, data string) ssestream.Event {
	return ssestream.Event{Type: typ, Data: []byte(data)}
}

func temp(v float64) *float64 { return &v }

func conversation() *model.Request {
	return &model.Request{
		Model:  "claude-sonnet-4-5",
		System: "be brief",
		Messages: []*model.Message{
			model.NewTextMessage(model.RoleUser, "echo hi"),
			{Role: model.RoleAssistant, Parts: []model.Part{
				model.ToolUsePart{ID: "call_1", Name: "files.read", Input: json.RawMessage(`{"path":"a"}`)},
			}},
			{Role: model.RoleUser, Parts: []model.Part{
				model.ToolResultPart{ToolUseID: "call_1", Content: json.RawMessage(`{"data":"x"}`)},
			}},
		},
		Tools: []*model.ToolDefinition{{
			Name:        "files.read",
			Description: "Read a file",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`),
		}},
		Temperature: temp(0.3),
		TopP:        temp(0.9),
	}
}

func TestCompleteEncodesAndDecodes(t *testing.T) {
	stub := &stubMessages{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "reading"},
			{Type: "tool_use", ID: "toolu_1", Name: "files_read", Input: json.RawMessage(`{"path":"b"}`)},
		},
		StopReason: sdk.StopReasonToolUse,
		Usage:      sdk.Usage{InputTokens: 12, OutputTokens: 4},
	}}
	c, err := New(stub, Options{})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), conversation())
	require.NoError(t, err)
	assert.Equal(t, "reading", resp.Text)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "files.read", resp.ToolCalls[0].Name)
	assert.Equal(t, "toolu_1", resp.ToolCalls[0].ID)
	assert.JSONEq(t, `{"path":"b"}`, string(resp.ToolCalls[0].Input))
	assert.Equal(t, model.TokenUsage{InputTokens: 12, OutputTokens: 4}, resp.Usage)
	assert.Equal(t, "tool_use", resp.StopReason)

	p := stub.params
	assert.Equal(t, sdk.Model("claude-sonnet-4-5"), p.Model)
	assert.EqualValues(t, DefaultMaxTokens, p.MaxTokens)
	require.Len(t, p.System, 1)
	assert.Equal(t, "be brief", p.System[0].Text)
	require.Len(t, p.Messages, 3)
	require.Len(t, p.Tools, 1)
	require.NotNil(t, p.Tools[0].OfTool)
	assert.Equal(t, "files_read", p.Tools[0].OfTool.Name)
	assert.True(t, p.Temperature.Valid())
	assert.False(t, p.TopP.Valid(), "top_p is dropped when temperature is set")
}

func TestCompleteValidatesRequest(t *testing.T) {
	c, err := New(&stubMessages{}, Options{})
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), &model.Request{Messages: conversation().Messages})
	require.Error(t, err)
	_, err = c.Complete(context.Background(), &model.Request{Model: "m"})
	require.Error(t, err)
	_, err = New(nil, Options{})
	require.Error(t, err)
}

func TestCompleteClassifiesErrors(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "2")
	apiErr := &sdk.Error{
		StatusCode: http.StatusTooManyRequests,
		Request:    httptest.NewRequest(http.MethodPost, "https://api.anthropic.com/v1/messages", nil),
		Response:   &http.Response{StatusCode: http.StatusTooManyRequests, Header: h},
	}
	c, err := New(&stubMessages{err: apiErr}, Options{})
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), conversation())
	require.ErrorIs(t, err, model.ErrRateLimited)
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, pe.RetryAfter())
	assert.Equal(t, "anthropic", pe.Provider())

	c, err = New(&stubMessages{err: context.DeadlineExceeded}, Options{})
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), conversation())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStreamTextAndToolCall(t *testing.T) {
	stub := &stubMessages{events: []ssestream.Event{
		event("message_start", `{"type":"message_start","message":{"id":"m","type":"message","role":"assistant","content":[],"model":"claude","usage":{"input_tokens":9,"output_tokens":0}}}`),
		event("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hel"}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`),
		event("content_block_stop", `{"type":"content_block_stop","index":0}`),
		event("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_9","name":"files_read","input":{}}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"path\":"}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"c\"}"}}`),
		event("content_block_stop", `{"type":"content_block_stop","index":1}`),
		event("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":7}}`),
		event("message_stop", `{"type":"message_stop"}`),
	}}
	c, err := New(stub, Options{})
	require.NoError(t, err)
	s, err := c.Stream(context.Background(), conversation())
	require.NoError(t, err)

	var fragments []string
	resp, err := model.Accumulate(s, func(f string) { fragments = append(fragments, f) })
	require.NoError(t, err)
	assert.Equal(t, []string{"hel", "lo"}, fragments)
	assert.Equal(t, "hello", resp.Text)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "files.read", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"path":"c"}`, string(resp.ToolCalls[0].Input))
	assert.Equal(t, model.TokenUsage{InputTokens: 9, OutputTokens: 7}, resp.Usage)
	assert.Equal(t, "tool_use", resp.StopReason)
}

func TestStreamOpenError(t *testing.T) {
	c, err := New(&stubMessages{err: errors.New("dial failed")}, Options{})
	require.NoError(t, err)
	_, err = c.Stream(context.Background(), conversation())
	require.Error(t, err)
	_, ok := model.AsProviderError(err)
	assert.True(t, ok)
}

func TestStreamEndsWithEOF(t *testing.T) {
	c, err := New(&stubMessages{}, Options{})
	require.NoError(t, err)
	s, err := c.Stream(context.Background(), conversation())
	require.NoError(t, err)
	chunk, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, model.ChunkTypeUsage, chunk.Type)
	chunk, err = s.Recv()
	require.NoError(t, err)
	assert.Equal(t, model.ChunkTypeStop, chunk.Type)
	_, err = s.Recv()
	require.ErrorIs(t, err, io.EOF)
	require.NoError(t, s.Close())
}

func structured(req *model.Request) *model.Request {
	req.ResponseFormat = &model.ResponseFormat{
		Name:   "verdict",
		Schema: json.RawMessage(`{"type":"object","properties":{"ok":{"type":"boolean"}},"required":["ok"]}`),
	}
	return req
}

func TestCompleteStructuredOutput(t *testing.T) {
	stub := &stubMessages{resp: &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "here"},
			{Type: "tool_use", ID: "toolu_2", Name: "structured_output", Input: json.RawMessage(`{"ok":true}`)},
		},
		StopReason: sdk.StopReasonToolUse,
	}}
	c, err := New(stub, Options{})
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), structured(conversation()))
	require.NoError(t, err)
	assert.Empty(t, resp.ToolCalls)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Structured))

	p := stub.params
	require.Len(t, p.Tools, 2)
	assert.Equal(t, "structured_output", p.Tools[1].OfTool.Name)
	assert.NotNil(t, p.ToolChoice.OfAny, "the model must answer through a tool")
}

func TestStreamStructuredOutput(t *testing.T) {
	stub := &stubMessages{events: []ssestream.Event{
		event("message_start", `{"type":"message_start","message":{"id":"m","type":"message","role":"assistant","content":[],"model":"claude","usage":{"input_tokens":3,"output_tokens":0}}}`),
		event("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"toolu_3","name":"structured_output","input":{}}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"ok\":false}"}}`),
		event("content_block_stop", `{"type":"content_block_stop","index":0}`),
		event("message_stop", `{"type":"message_stop"}`),
	}}
	c, err := New(stub, Options{})
	require.NoError(t, err)
	s, err := c.Stream(context.Background(), structured(conversation()))
	require.NoError(t, err)

	resp, err := model.Accumulate(s, nil)
	require.NoError(t, err)
	assert.Empty(t, resp.ToolCalls)
	assert.JSONEq(t, `{"ok":false}`, string(resp.Structured))
}
