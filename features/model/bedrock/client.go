// Package bedrock is the AWS Bedrock provider variant built on the Converse
// API of github.com/aws/aws-sdk-go-v2/service/bedrockruntime.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/agentcore/features/model/internal/wire"
	"goa.design/agentcore/runtime/agent/model"
)

const providerName = "bedrock"

type (
	// RuntimeClient is the subset of *bedrockruntime.Client used by Client.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
		ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
	}

	// EventStream is the subset of *bedrockruntime.ConverseStreamEventStream
	// read by the streamer.
	EventStream interface {
		Events() <-chan brtypes.ConverseStreamOutput
		Close() error
		Err() error
	}

	// Client implements model.Client on Converse.
	Client struct {
		runtime RuntimeClient
		events  func(*bedrockruntime.ConverseStreamOutput) EventStream
	}

	request struct {
		modelID   string
		messages  []brtypes.Message
		system    []brtypes.SystemContentBlock
		tools     *brtypes.ToolConfiguration
		inference *brtypes.InferenceConfiguration
		names     *wire.ToolNames
	}
)

// New returns a client using rt, typically a *bedrockruntime.Client.
func New(rt RuntimeClient) (*Client, error) {
	if rt == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	return &Client{
		runtime: rt,
		events: func(out *bedrockruntime.ConverseStreamOutput) EventStream {
			return out.GetStream()
		},
	}, nil
}

// Complete issues a Converse call.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	r, err := encode(req)
	if err != nil {
		return nil, err
	}
	out, err := c.runtime.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:         aws.String(r.modelID),
		Messages:        r.messages,
		System:          r.system,
		ToolConfig:      r.tools,
		InferenceConfig: r.inference,
	})
	if err != nil {
		return nil, classify("converse", err)
	}
	return decode(out, r.names)
}

// Stream issues a ConverseStream call.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	r, err := encode(req)
	if err != nil {
		return nil, err
	}
	out, err := c.runtime.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(r.modelID),
		Messages:        r.messages,
		System:          r.system,
		ToolConfig:      r.tools,
		InferenceConfig: r.inference,
	})
	if err != nil {
		return nil, classify("converse_stream", err)
	}
	return newStreamer(c.events(out), r.names), nil
}

func encode(req *model.Request) (*request, error) {
	if req.Model == "" {
		return nil, errors.New("bedrock: model is required")
	}
	if len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	defs, names, err := wire.RequestTools(providerName, req, true)
	if err != nil {
		return nil, err
	}
	r := &request{modelID: req.Model, names: names}
	if req.System != "" {
		r.system = []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: req.System}}
	}
	for _, m := range req.Messages {
		if m == nil {
			continue
		}
		msg, err := encodeMessage(m, names)
		if err != nil {
			return nil, err
		}
		if len(msg.Content) > 0 {
			r.messages = append(r.messages, msg)
		}
	}
	if len(defs) > 0 {
		cfg := &brtypes.ToolConfiguration{}
		for _, def := range defs {
			schema, err := jsonDocument(def.InputSchema, map[string]any{"type": "object"})
			if err != nil {
				return nil, fmt.Errorf("bedrock: tool %q schema: %w", def.Name, err)
			}
			spec := brtypes.ToolSpecification{
				Name:        aws.String(names.Provider(def.Name)),
				InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: schema},
			}
			if def.Description != "" {
				spec.Description = aws.String(def.Description)
			}
			cfg.Tools = append(cfg.Tools, &brtypes.ToolMemberToolSpec{Value: spec})
		}
		if names.Structured() {
			cfg.ToolChoice = &brtypes.ToolChoiceMemberAny{Value: brtypes.AnyToolChoice{}}
		}
		r.tools = cfg
	}
	var inf brtypes.InferenceConfiguration
	if req.MaxTokens > 0 {
		inf.MaxTokens = aws.Int32(int32(req.MaxTokens)) //nolint:gosec // bounded by catalog limits
	}
	if req.Temperature != nil {
		inf.Temperature = aws.Float32(float32(*req.Temperature))
	}
	if req.TopP != nil {
		inf.TopP = aws.Float32(float32(*req.TopP))
	}
	if inf.MaxTokens != nil || inf.Temperature != nil || inf.TopP != nil {
		r.inference = &inf
	}
	return r, nil
}

func encodeMessage(m *model.Message, names *wire.ToolNames) (brtypes.Message, error) {
	var msg brtypes.Message
	switch m.Role {
	case model.RoleUser:
		msg.Role = brtypes.ConversationRoleUser
	case model.RoleAssistant:
		msg.Role = brtypes.ConversationRoleAssistant
	default:
		return msg, fmt.Errorf("bedrock: unsupported role %q", m.Role)
	}
	for _, part := range m.Parts {
		switch v := part.(type) {
		case model.TextPart:
			if strings.TrimSpace(v.Text) != "" {
				msg.Content = append(msg.Content, &brtypes.ContentBlockMemberText{Value: v.Text})
			}
		case model.ToolUsePart:
			input, err := jsonDocument(wire.Arguments(string(v.Input)), map[string]any{})
			if err != nil {
				return msg, fmt.Errorf("bedrock: tool_use %q input: %w", v.ID, err)
			}
			msg.Content = append(msg.Content, &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
				ToolUseId: aws.String(v.ID),
				Name:      aws.String(names.Provider(v.Name)),
				Input:     input,
			}})
		case model.ToolResultPart:
			tr := brtypes.ToolResultBlock{
				ToolUseId: aws.String(v.ToolUseID),
				Content:   []brtypes.ToolResultContentBlock{toolResultContent(v.Content)},
			}
			if v.IsError {
				tr.Status = brtypes.ToolResultStatusError
			}
			msg.Content = append(msg.Content, &brtypes.ContentBlockMemberToolResult{Value: tr})
		}
	}
	return msg, nil
}

// toolResultContent sends JSON objects as documents and any other JSON value
// as text; Converse only accepts objects in JSON result blocks.
func toolResultContent(raw json.RawMessage) brtypes.ToolResultContentBlock {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil && obj != nil {
		return &brtypes.ToolResultContentBlockMemberJson{Value: document.NewLazyDocument(obj)}
	}
	return &brtypes.ToolResultContentBlockMemberText{Value: string(raw)}
}

func jsonDocument(raw json.RawMessage, empty any) (document.Interface, error) {
	if len(raw) == 0 {
		return document.NewLazyDocument(empty), nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return document.NewLazyDocument(v), nil
}

func decode(out *bedrockruntime.ConverseOutput, names *wire.ToolNames) (*model.Response, error) {
	if out == nil {
		return nil, errors.New("bedrock: empty response")
	}
	resp := &model.Response{StopReason: string(out.StopReason)}
	if u := out.Usage; u != nil {
		resp.Usage = model.TokenUsage{InputTokens: int(aws.ToInt32(u.InputTokens)), OutputTokens: int(aws.ToInt32(u.OutputTokens))}
	}
	msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return resp, nil
	}
	var text strings.Builder
	for _, block := range msg.Value.Content {
		switch v := block.(type) {
		case *brtypes.ContentBlockMemberText:
			text.WriteString(v.Value)
		case *brtypes.ContentBlockMemberToolUse:
			input, err := documentJSON(v.Value.Input)
			if err != nil {
				return nil, fmt.Errorf("bedrock: tool_use input: %w", err)
			}
			if names.Output(aws.ToString(v.Value.Name)) {
				resp.Structured = input
				continue
			}
			resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
				ID:    aws.ToString(v.Value.ToolUseId),
				Name:  names.Registry(aws.ToString(v.Value.Name)),
				Input: input,
			})
		}
	}
	resp.Text = text.String()
	return resp, nil
}

func documentJSON(doc document.Interface) (json.RawMessage, error) {
	if doc == nil {
		return json.RawMessage(`{}`), nil
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil {
		return nil, err
	}
	return wire.Arguments(string(data)), nil
}

// classify maps AWS errors onto provider errors. Throttling error codes count
// as rate limiting even when no HTTP status is available.
func classify(op string, err error) error {
	var status int
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		kind := model.KindForStatus(status)
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "ServiceQuotaExceededException":
			kind = model.ProviderErrorKindRateLimited
		case "ServiceUnavailableException", "ModelNotReadyException", "InternalServerException":
			kind = model.ProviderErrorKindUnavailable
		case "AccessDeniedException":
			kind = model.ProviderErrorKindAuth
		case "ValidationException", "ResourceNotFoundException":
			kind = model.ProviderErrorKindInvalidRequest
		}
		return model.NewProviderError(providerName, op, status, kind, apiErr.ErrorMessage(), err).WithCode(apiErr.ErrorCode())
	}
	if status > 0 {
		return wire.HTTPError(providerName, op, status, "", nil, err)
	}
	return wire.TransportError(providerName, op, err)
}
