// Package openai is the OpenAI provider variant built on the Chat Completions
// API through github.com/sashabaranov/go-openai.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"goa.design/agentcore/features/model/internal/wire"
	"goa.design/agentcore/runtime/agent/model"
)

const providerName = "openai"

type (
	// ChatClient is the subset of *openai.Client used by Client.
	ChatClient interface {
		CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
		CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
	}

	// Client implements model.Client on Chat Completions.
	Client struct {
		chat ChatClient
	}
)

// New returns a client using chat.
func New(chat ChatClient) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	return &Client{chat: chat}, nil
}

// NewFromAPIKey returns a client backed by the default go-openai client.
func NewFromAPIKey(apiKey string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	return New(openai.NewClient(apiKey))
}

// Complete issues a chat completion.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	creq, names, err := encode(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.chat.CreateChatCompletion(ctx, creq)
	if err != nil {
		return nil, classify("chat.completions", err)
	}
	return decode(resp, names), nil
}

// Stream issues a streaming chat completion.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	creq, names, err := encode(req)
	if err != nil {
		return nil, err
	}
	creq.Stream = true
	creq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	s, err := c.chat.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		return nil, classify("chat.completions.stream", err)
	}
	return &streamer{stream: s, names: names, tools: make(map[int]*toolBuffer)}, nil
}

func encode(req *model.Request) (openai.ChatCompletionRequest, *wire.ToolNames, error) {
	if req.Model == "" {
		return openai.ChatCompletionRequest{}, nil, errors.New("openai: model is required")
	}
	if len(req.Messages) == 0 {
		return openai.ChatCompletionRequest{}, nil, errors.New("openai: messages are required")
	}
	names, err := wire.NewToolNames(providerName, req.Tools)
	if err != nil {
		return openai.ChatCompletionRequest{}, nil, err
	}
	out := openai.ChatCompletionRequest{
		Model:               req.Model,
		MaxCompletionTokens: req.MaxTokens,
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	if req.TopP != nil {
		out.TopP = float32(*req.TopP)
	}
	if req.System != "" {
		out.Messages = append(out.Messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		if m == nil {
			continue
		}
		msgs, err := encodeMessage(m, names)
		if err != nil {
			return openai.ChatCompletionRequest{}, nil, err
		}
		out.Messages = append(out.Messages, msgs...)
	}
	for _, def := range req.Tools {
		params := def.InputSchema
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object"}`)
		}
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        names.Provider(def.Name),
				Description: def.Description,
				Parameters:  params,
			},
		})
	}
	if f := req.ResponseFormat; f != nil {
		out.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:        wire.SanitizeToolName(f.SchemaName()),
				Description: f.Description,
				Schema:      f.Schema,
			},
		}
	}
	return out, names, nil
}

// encodeMessage maps one message. Tool results become individual tool role
// messages, which OpenAI requires.
func encodeMessage(m *model.Message, names *wire.ToolNames) ([]openai.ChatCompletionMessage, error) {
	var (
		text    strings.Builder
		calls   []openai.ToolCall
		results []openai.ChatCompletionMessage
	)
	for _, part := range m.Parts {
		switch v := part.(type) {
		case model.TextPart:
			text.WriteString(v.Text)
		case model.ToolUsePart:
			calls = append(calls, openai.ToolCall{
				ID:   v.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      names.Provider(v.Name),
					Arguments: string(wire.Arguments(string(v.Input))),
				},
			})
		case model.ToolResultPart:
			results = append(results, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: v.ToolUseID,
				Content:    string(v.Content),
			})
		}
	}
	switch m.Role {
	case model.RoleAssistant:
		if text.Len() == 0 && len(calls) == 0 {
			return nil, nil
		}
		return []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleAssistant, Content: text.String(), ToolCalls: calls}}, nil
	case model.RoleUser:
		if text.Len() > 0 {
			results = append(results, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text.String()})
		}
		return results, nil
	default:
		return nil, fmt.Errorf("openai: unsupported role %q", m.Role)
	}
}

func decode(resp openai.ChatCompletionResponse, names *wire.ToolNames) *model.Response {
	out := &model.Response{Usage: model.TokenUsage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	out.Text = choice.Message.Content
	out.StopReason = string(choice.FinishReason)
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{
			ID:    tc.ID,
			Name:  names.Registry(tc.Function.Name),
			Input: wire.Arguments(tc.Function.Arguments),
		})
	}
	return out
}

func classify(op string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		e := wire.HTTPError(providerName, op, apiErr.HTTPStatusCode, apiErr.Message, nil, err)
		if pe, ok := model.AsProviderError(e); ok {
			if code, ok := apiErr.Code.(string); ok {
				pe = pe.WithCode(code)
			}
			return pe
		}
		return e
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode > 0 {
		return wire.HTTPError(providerName, op, reqErr.HTTPStatusCode, "", nil, err)
	}
	return wire.TransportError(providerName, op, err)
}

type (
	streamer struct {
		stream   *openai.ChatCompletionStream
		names    *wire.ToolNames
		pending  []model.Chunk
		tools    map[int]*toolBuffer
		usage    model.TokenUsage
		stop     string
		finished bool
	}

	toolBuffer struct {
		id, name string
		args     strings.Builder
	}
)

func (s *streamer) Recv() (model.Chunk, error) {
	for len(s.pending) == 0 {
		if s.finished {
			return model.Chunk{}, io.EOF
		}
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.finish()
			continue
		}
		if err != nil {
			return model.Chunk{}, classify("chat.completions.stream", err)
		}
		s.handle(resp)
	}
	c := s.pending[0]
	s.pending = s.pending[1:]
	return c, nil
}

func (s *streamer) Close() error { return s.stream.Close() }

func (s *streamer) handle(resp openai.ChatCompletionStreamResponse) {
	if resp.Usage != nil {
		s.usage = model.TokenUsage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
	}
	for _, choice := range resp.Choices {
		if choice.Delta.Content != "" {
			s.pending = append(s.pending, model.Chunk{Type: model.ChunkTypeText, Text: choice.Delta.Content})
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			tb := s.tools[idx]
			if tb == nil {
				tb = &toolBuffer{}
				s.tools[idx] = tb
			}
			if tc.ID != "" {
				tb.id = tc.ID
			}
			if tc.Function.Name != "" {
				tb.name = tc.Function.Name
			}
			tb.args.WriteString(tc.Function.Arguments)
		}
		if choice.FinishReason != "" {
			s.stop = string(choice.FinishReason)
		}
	}
}

// finish flushes buffered tool calls in index order, then usage and stop.
func (s *streamer) finish() {
	s.finished = true
	idxs := make([]int, 0, len(s.tools))
	for i := range s.tools {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	for _, i := range idxs {
		tb := s.tools[i]
		s.pending = append(s.pending, model.Chunk{
			Type: model.ChunkTypeToolCall,
			ToolCall: &model.ToolCall{
				ID:    tb.id,
				Name:  s.names.Registry(tb.name),
				Input: wire.Arguments(tb.args.String()),
			},
		})
	}
	u := s.usage
	s.pending = append(s.pending,
		model.Chunk{Type: model.ChunkTypeUsage, Usage: &u},
		model.Chunk{Type: model.ChunkTypeStop, StopReason: s.stop},
	)
}
