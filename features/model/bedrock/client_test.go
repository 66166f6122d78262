package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentcore/runtime/agent/model"
)

type fakeRuntime struct {
	input  *bedrockruntime.ConverseInput
	output *bedrockruntime.ConverseOutput
	err    error
}

func (f *fakeRuntime) Converse(_ context.Context, in *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.input = in
	return f.output, f.err
}

func (f *fakeRuntime) ConverseStream(context.Context, *bedrockruntime.ConverseStreamInput, ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &bedrockruntime.ConverseStreamOutput{}, nil
}

type fakeEvents struct {
	ch     chan brtypes.ConverseStreamOutput
	err    error
	closed bool
}

func newFakeEvents(events ...brtypes.ConverseStreamOutput) *fakeEvents {
	ch := make(chan brtypes.ConverseStreamOutput, len(events))
	for _, e := range events {
		ch <- e
	}
	close(ch)
	return &fakeEvents{ch: ch}
}

func (f *fakeEvents) Events() <-chan brtypes.ConverseStreamOutput { return f.ch }
func (f *fakeEvents) Close() error                                { f.closed = true; return nil }
func (f *fakeEvents) Err() error                                  { return f.err }

func conversation() *model.Request {
	temp := 0.5
	return &model.Request{
		Model:  "anthropic.claude-3-haiku",
		System: "be brief",
		Messages: []*model.Message{
			model.NewTextMessage(model.RoleUser, "read a"),
			{Role: model.RoleAssistant, Parts: []model.Part{
				model.ToolUsePart{ID: "call_1", Name: "files.read", Input: json.RawMessage(`{"path":"a"}`)},
			}},
			{Role: model.RoleUser, Parts: []model.Part{
				model.ToolResultPart{ToolUseID: "call_1", Content: json.RawMessage(`{"data":"A"}`)},
				model.ToolResultPart{ToolUseID: "call_2", Content: json.RawMessage(`"denied"`), IsError: true},
			}},
		},
		Tools: []*model.ToolDefinition{{
			Name:        "files.read",
			Description: "Read a file",
			InputSchema: json.RawMessage(`{"type":"object"}`),
		}},
		MaxTokens:   100,
		Temperature: &temp,
	}
}

func TestCompleteEncodesAndDecodes(t *testing.T) {
	rt := &fakeRuntime{output: &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
			Role: brtypes.ConversationRoleAssistant,
			Content: []brtypes.ContentBlock{
				&brtypes.ContentBlockMemberText{Value: "ok"},
				&brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					ToolUseId: aws.String("tu_1"),
					Name:      aws.String("files_read"),
					Input:     document.NewLazyDocument(map[string]any{"path": "b"}),
				}},
			},
		}},
		StopReason: brtypes.StopReasonToolUse,
		Usage:      &brtypes.TokenUsage{InputTokens: aws.Int32(20), OutputTokens: aws.Int32(5), TotalTokens: aws.Int32(25)},
	}}
	c, err := New(rt)
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), conversation())
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "tu_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "files.read", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"path":"b"}`, string(resp.ToolCalls[0].Input))
	assert.Equal(t, model.TokenUsage{InputTokens: 20, OutputTokens: 5}, resp.Usage)
	assert.Equal(t, "tool_use", resp.StopReason)

	in := rt.input
	assert.Equal(t, "anthropic.claude-3-haiku", aws.ToString(in.ModelId))
	require.Len(t, in.System, 1)
	require.Len(t, in.Messages, 3)
	results := in.Messages[2].Content
	require.Len(t, results, 2)
	first := results[0].(*brtypes.ContentBlockMemberToolResult).Value
	assert.IsType(t, &brtypes.ToolResultContentBlockMemberJson{}, first.Content[0])
	second := results[1].(*brtypes.ContentBlockMemberToolResult).Value
	assert.Equal(t, brtypes.ToolResultStatusError, second.Status)
	assert.IsType(t, &brtypes.ToolResultContentBlockMemberText{}, second.Content[0])
	require.NotNil(t, in.ToolConfig)
	spec := in.ToolConfig.Tools[0].(*brtypes.ToolMemberToolSpec).Value
	assert.Equal(t, "files_read", aws.ToString(spec.Name))
	require.NotNil(t, in.InferenceConfig)
	assert.EqualValues(t, 100, aws.ToInt32(in.InferenceConfig.MaxTokens))
	assert.Nil(t, in.InferenceConfig.TopP)
}

func TestCompleteThrottled(t *testing.T) {
	c, err := New(&fakeRuntime{err: &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}})
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), conversation())
	require.ErrorIs(t, err, model.ErrRateLimited)
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, "ThrottlingException", pe.Code())
	assert.True(t, pe.Retryable())
}

func TestCompleteValidation(t *testing.T) {
	c, err := New(&fakeRuntime{err: &smithy.GenericAPIError{Code: "ValidationException", Message: "bad"}})
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), conversation())
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	assert.False(t, pe.Retryable())

	_, err = c.Complete(context.Background(), &model.Request{Model: "m"})
	require.Error(t, err)
	_, err = New(nil)
	require.Error(t, err)
}

func TestStream(t *testing.T) {
	events := newFakeEvents(
		&brtypes.ConverseStreamOutputMemberMessageStart{Value: brtypes.MessageStartEvent{Role: brtypes.ConversationRoleAssistant}},
		&brtypes.ConverseStreamOutputMemberContentBlockDelta{Value: brtypes.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(0),
			Delta:             &brtypes.ContentBlockDeltaMemberText{Value: "hi "},
		}},
		&brtypes.ConverseStreamOutputMemberContentBlockDelta{Value: brtypes.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(0),
			Delta:             &brtypes.ContentBlockDeltaMemberText{Value: "there"},
		}},
		&brtypes.ConverseStreamOutputMemberContentBlockStart{Value: brtypes.ContentBlockStartEvent{
			ContentBlockIndex: aws.Int32(1),
			Start: &brtypes.ContentBlockStartMemberToolUse{Value: brtypes.ToolUseBlockStart{
				ToolUseId: aws.String("tu_2"),
				Name:      aws.String("files_read"),
			}},
		}},
		&brtypes.ConverseStreamOutputMemberContentBlockDelta{Value: brtypes.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(1),
			Delta:             &brtypes.ContentBlockDeltaMemberToolUse{Value: brtypes.ToolUseBlockDelta{Input: aws.String(`{"path":"q"}`)}},
		}},
		&brtypes.ConverseStreamOutputMemberContentBlockStop{Value: brtypes.ContentBlockStopEvent{ContentBlockIndex: aws.Int32(1)}},
		&brtypes.ConverseStreamOutputMemberMessageStop{Value: brtypes.MessageStopEvent{StopReason: brtypes.StopReasonToolUse}},
		&brtypes.ConverseStreamOutputMemberMetadata{Value: brtypes.ConverseStreamMetadataEvent{
			Usage: &brtypes.TokenUsage{InputTokens: aws.Int32(4), OutputTokens: aws.Int32(6), TotalTokens: aws.Int32(10)},
		}},
	)
	c, err := New(&fakeRuntime{})
	require.NoError(t, err)
	c.events = func(*bedrockruntime.ConverseStreamOutput) EventStream { return events }

	s, err := c.Stream(context.Background(), conversation())
	require.NoError(t, err)
	resp, err := model.Accumulate(s, nil)
	require.NoError(t, err)
	assert.True(t, events.closed)
	assert.Equal(t, "hi there", resp.Text)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "files.read", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"path":"q"}`, string(resp.ToolCalls[0].Input))
	assert.Equal(t, model.TokenUsage{InputTokens: 4, OutputTokens: 6}, resp.Usage)
	assert.Equal(t, "tool_use", resp.StopReason)
}

func TestStreamError(t *testing.T) {
	events := newFakeEvents()
	events.err = errors.New("connection reset")
	c, err := New(&fakeRuntime{})
	require.NoError(t, err)
	c.events = func(*bedrockruntime.ConverseStreamOutput) EventStream { return events }
	s, err := c.Stream(context.Background(), conversation())
	require.NoError(t, err)
	_, err = model.Accumulate(s, nil)
	require.Error(t, err)
}

func structured(req *model.Request) *model.Request {
	req.ResponseFormat = &model.ResponseFormat{Schema: json.RawMessage(`{"type":"object","properties":{"n":{"type":"integer"}}}`)}
	return req
}

func TestCompleteStructuredOutput(t *testing.T) {
	rt := &fakeRuntime{output: &bedrockruntime.ConverseOutput{
		Output: &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
			Role: brtypes.ConversationRoleAssistant,
			Content: []brtypes.ContentBlock{
				&brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					ToolUseId: aws.String("tu_9"),
					Name:      aws.String("structured_output"),
					Input:     document.NewLazyDocument(map[string]any{"n": 3}),
				}},
			},
		}},
		StopReason: brtypes.StopReasonToolUse,
	}}
	c, err := New(rt)
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), structured(conversation()))
	require.NoError(t, err)
	assert.Empty(t, resp.ToolCalls)
	assert.JSONEq(t, `{"n":3}`, string(resp.Structured))

	cfg := rt.input.ToolConfig
	require.Len(t, cfg.Tools, 2)
	assert.Equal(t, "structured_output", aws.ToString(cfg.Tools[1].(*brtypes.ToolMemberToolSpec).Value.Name))
	assert.IsType(t, &brtypes.ToolChoiceMemberAny{}, cfg.ToolChoice)
}

func TestStreamStructuredOutput(t *testing.T) {
	events := newFakeEvents(
		&brtypes.ConverseStreamOutputMemberContentBlockStart{Value: brtypes.ContentBlockStartEvent{
			ContentBlockIndex: aws.Int32(0),
			Start: &brtypes.ContentBlockStartMemberToolUse{Value: brtypes.ToolUseBlockStart{
				ToolUseId: aws.String("tu_3"),
				Name:      aws.String("structured_output"),
			}},
		}},
		&brtypes.ConverseStreamOutputMemberContentBlockDelta{Value: brtypes.ContentBlockDeltaEvent{
			ContentBlockIndex: aws.Int32(0),
			Delta:             &brtypes.ContentBlockDeltaMemberToolUse{Value: brtypes.ToolUseBlockDelta{Input: aws.String(`{"n":1}`)}},
		}},
		&brtypes.ConverseStreamOutputMemberContentBlockStop{Value: brtypes.ContentBlockStopEvent{ContentBlockIndex: aws.Int32(0)}},
		&brtypes.ConverseStreamOutputMemberMessageStop{Value: brtypes.MessageStopEvent{StopReason: brtypes.StopReasonToolUse}},
	)
	c, err := New(&fakeRuntime{})
	require.NoError(t, err)
	c.events = func(*bedrockruntime.ConverseStreamOutput) EventStream { return events }

	s, err := c.Stream(context.Background(), structured(conversation()))
	require.NoError(t, err)
	resp, err := model.Accumulate(s, nil)
	require.NoError(t, err)
	assert.Empty(t, resp.ToolCalls)
	assert.JSONEq(t, `{"n":1}`, string(resp.Structured))
}
