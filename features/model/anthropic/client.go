// Package anthropic is the Claude provider variant. It translates model
// requests into Messages API calls using github.com/anthropics/anthropic-sdk-go.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/agentcore/features/model/internal/wire"
	"goa.design/agentcore/runtime/agent/model"
)

const providerName = "anthropic"

// DefaultMaxTokens caps replies when neither the request nor the options set
// a limit. The Messages API requires max_tokens.
const DefaultMaxTokens = 4096

type (
	// MessagesClient is the subset of *sdk.MessageService used by Client.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the client.
	Options struct {
		// MaxTokens applies when a request leaves MaxTokens zero.
		MaxTokens int
	}

	// Client implements model.Client on the Messages API.
	Client struct {
		msg       MessagesClient
		maxTokens int
	}
)

// New returns a client using msg.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Client{msg: msg, maxTokens: maxTokens}, nil
}

// NewFromAPIKey returns a client backed by the default SDK HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Messages, opts)
}

// Complete issues a Messages.New call.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, names, err := c.encode(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return nil, classify("messages.new", err)
	}
	return decodeMessage(msg, names), nil
}

// Stream issues a streaming Messages call.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	params, names, err := c.encode(req)
	if err != nil {
		return nil, err
	}
	stream := c.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		_ = stream.Close()
		return nil, classify("messages.stream", err)
	}
	return newStreamer(stream, names), nil
}

func (c *Client) encode(req *model.Request) (*sdk.MessageNewParams, *wire.ToolNames, error) {
	if req.Model == "" {
		return nil, nil, errors.New("anthropic: model is required")
	}
	if len(req.Messages) == 0 {
		return nil, nil, errors.New("anthropic: messages are required")
	}
	defs, names, err := wire.RequestTools(providerName, req, true)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := encodeMessages(req.Messages, names)
	if err != nil {
		return nil, nil, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	params := &sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	if req.TopP != nil && req.Temperature == nil {
		params.TopP = sdk.Float(*req.TopP)
	}
	for _, def := range defs {
		tool, err := encodeTool(def, names)
		if err != nil {
			return nil, nil, err
		}
		params.Tools = append(params.Tools, tool)
	}
	if names.Structured() {
		params.ToolChoice = sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}
	}
	return params, names, nil
}

func encodeMessages(msgs []*model.Message, names *wire.ToolNames) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch v := part.(type) {
			case model.TextPart:
				if v.Text != "" {
					blocks = append(blocks, sdk.NewTextBlock(v.Text))
				}
			case model.ToolUsePart:
				blocks = append(blocks, sdk.NewToolUseBlock(v.ID, wire.Arguments(string(v.Input)), names.Provider(v.Name)))
			case model.ToolResultPart:
				blocks = append(blocks, sdk.NewToolResultBlock(v.ToolUseID, string(v.Content), v.IsError))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case model.RoleUser:
			out = append(out, sdk.NewUserMessage(blocks...))
		case model.RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("anthropic: unsupported role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("anthropic: no encodable messages")
	}
	return out, nil
}

func encodeTool(def *model.ToolDefinition, names *wire.ToolNames) (sdk.ToolUnionParam, error) {
	schema := sdk.ToolInputSchemaParam{}
	if len(def.InputSchema) > 0 {
		var fields map[string]any
		if err := json.Unmarshal(def.InputSchema, &fields); err != nil {
			return sdk.ToolUnionParam{}, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		schema.ExtraFields = fields
	}
	u := sdk.ToolUnionParamOfTool(schema, names.Provider(def.Name))
	if u.OfTool != nil && def.Description != "" {
		u.OfTool.Description = sdk.String(def.Description)
	}
	return u, nil
}

func decodeMessage(msg *sdk.Message, names *wire.ToolNames) *model.Response {
	resp := &model.Response{
		StopReason: string(msg.StopReason),
		Usage: model.TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Text += block.Text
		case "tool_use":
			if names.Output(block.Name) {
				resp.Structured = wire.Arguments(string(block.Input))
				continue
			}
			resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
				ID:    block.ID,
				Name:  names.Registry(block.Name),
				Input: wire.Arguments(string(block.Input)),
			})
		}
	}
	return resp
}

func classify(op string, err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		var h http.Header
		if apiErr.Response != nil {
			h = apiErr.Response.Header
		}
		return wire.HTTPError(providerName, op, apiErr.StatusCode, "", h, err)
	}
	return wire.TransportError(providerName, op, err)
}
