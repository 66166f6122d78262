// Package gemini is the Google provider variant built on
// github.com/google/generative-ai-go.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"goa.design/agentcore/features/model/internal/wire"
	"goa.design/agentcore/runtime/agent/model"
)

const providerName = "google"

type (
	// Backend sends one generation call. The default backend uses a
	// *genai.Client chat session.
	Backend interface {
		Generate(ctx context.Context, call *Call) (*genai.GenerateContentResponse, error)
		GenerateStream(ctx context.Context, call *Call) ResponseIterator
	}

	// ResponseIterator yields streamed responses until iterator.Done.
	ResponseIterator interface {
		Next() (*genai.GenerateContentResponse, error)
	}

	// Call is a fully encoded generation call.
	Call struct {
		Model      string
		System     *genai.Content
		Tools      []*genai.Tool
		ToolConfig *genai.ToolConfig
		Config     genai.GenerationConfig
		History    []*genai.Content
		Parts      []genai.Part
	}

	// Client implements model.Client on Gemini.
	Client struct {
		backend Backend
	}

	sdkBackend struct {
		client *genai.Client
	}
)

// New returns a client using backend.
func New(backend Backend) (*Client, error) {
	if backend == nil {
		return nil, errors.New("gemini: backend is required")
	}
	return &Client{backend: backend}, nil
}

// NewFromAPIKey returns a client backed by the Gemini API.
func NewFromAPIKey(ctx context.Context, apiKey string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	c, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	return New(&sdkBackend{client: c})
}

// Complete issues a single generation.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	call, names, err := encode(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.backend.Generate(ctx, call)
	if err != nil {
		return nil, classify("generate", err)
	}
	out := &model.Response{}
	accumulate(out, resp, names)
	return out, nil
}

// Stream issues a streaming generation.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	call, names, err := encode(req)
	if err != nil {
		return nil, err
	}
	return &streamer{it: c.backend.GenerateStream(ctx, call), names: names}, nil
}

func (b *sdkBackend) model(call *Call) *genai.ChatSession {
	m := b.client.GenerativeModel(call.Model)
	m.GenerationConfig = call.Config
	m.SystemInstruction = call.System
	m.Tools = call.Tools
	m.ToolConfig = call.ToolConfig
	cs := m.StartChat()
	cs.History = call.History
	return cs
}

func (b *sdkBackend) Generate(ctx context.Context, call *Call) (*genai.GenerateContentResponse, error) {
	return b.model(call).SendMessage(ctx, call.Parts...)
}

func (b *sdkBackend) GenerateStream(ctx context.Context, call *Call) ResponseIterator {
	return b.model(call).SendMessageStream(ctx, call.Parts...)
}

// encode splits the conversation into history and the final user turn. A
// response format becomes a response schema when the request has no tools
// and a forced output function otherwise, since Gemini does not combine
// function calling with JSON responses.
func encode(req *model.Request) (*Call, *wire.ToolNames, error) {
	if req.Model == "" {
		return nil, nil, errors.New("gemini: model is required")
	}
	defs, names, err := wire.RequestTools(providerName, req, len(req.Tools) > 0)
	if err != nil {
		return nil, nil, err
	}
	toolNames := make(map[string]string)
	var contents []*genai.Content
	for _, m := range req.Messages {
		if m == nil {
			continue
		}
		c, err := encodeMessage(m, names, toolNames)
		if err != nil {
			return nil, nil, err
		}
		if len(c.Parts) > 0 {
			contents = append(contents, c)
		}
	}
	if len(contents) == 0 || contents[len(contents)-1].Role != "user" {
		return nil, nil, errors.New("gemini: conversation must end with a user turn")
	}
	call := &Call{
		Model:   req.Model,
		History: contents[:len(contents)-1],
		Parts:   contents[len(contents)-1].Parts,
	}
	if req.System != "" {
		call.System = genai.NewUserContent(genai.Text(req.System))
	}
	if req.MaxTokens > 0 {
		call.Config.SetMaxOutputTokens(int32(req.MaxTokens)) //nolint:gosec // bounded by catalog limits
	}
	if req.Temperature != nil {
		call.Config.SetTemperature(float32(*req.Temperature))
	}
	if req.TopP != nil {
		call.Config.SetTopP(float32(*req.TopP))
	}
	if f := req.ResponseFormat; f != nil && !names.Structured() {
		schema, err := Schema(f.Schema)
		if err != nil {
			return nil, nil, fmt.Errorf("gemini: response schema: %w", err)
		}
		call.Config.ResponseMIMEType = "application/json"
		call.Config.ResponseSchema = schema
	}
	if len(defs) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(defs))
		for _, def := range defs {
			schema, err := Schema(def.InputSchema)
			if err != nil {
				return nil, nil, fmt.Errorf("gemini: tool %q schema: %w", def.Name, err)
			}
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        names.Provider(def.Name),
				Description: def.Description,
				Parameters:  schema,
			})
		}
		call.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	if names.Structured() {
		call.ToolConfig = &genai.ToolConfig{FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingAny}}
	}
	return call, names, nil
}

// encodeMessage maps a message to content. toolNames records the provider
// name of each tool use so later results can name their function.
func encodeMessage(m *model.Message, names *wire.ToolNames, toolNames map[string]string) (*genai.Content, error) {
	c := &genai.Content{}
	switch m.Role {
	case model.RoleUser:
		c.Role = "user"
	case model.RoleAssistant:
		c.Role = "model"
	default:
		return nil, fmt.Errorf("gemini: unsupported role %q", m.Role)
	}
	for _, part := range m.Parts {
		switch v := part.(type) {
		case model.TextPart:
			if v.Text != "" {
				c.Parts = append(c.Parts, genai.Text(v.Text))
			}
		case model.ToolUsePart:
			var args map[string]any
			if err := json.Unmarshal(wire.Arguments(string(v.Input)), &args); err != nil {
				return nil, fmt.Errorf("gemini: tool_use %q input: %w", v.ID, err)
			}
			name := names.Provider(v.Name)
			toolNames[v.ID] = name
			c.Parts = append(c.Parts, genai.FunctionCall{Name: name, Args: args})
		case model.ToolResultPart:
			name, ok := toolNames[v.ToolUseID]
			if !ok {
				return nil, fmt.Errorf("gemini: tool result %q has no matching tool use", v.ToolUseID)
			}
			c.Parts = append(c.Parts, genai.FunctionResponse{Name: name, Response: resultObject(v)})
		}
	}
	return c, nil
}

// resultObject wraps non-object results since function responses must be
// objects.
func resultObject(v model.ToolResultPart) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal(v.Content, &obj); err == nil && obj != nil && !v.IsError {
		return obj
	}
	var val any
	if err := json.Unmarshal(v.Content, &val); err != nil {
		val = string(v.Content)
	}
	if v.IsError {
		return map[string]any{"error": val}
	}
	return map[string]any{"result": val}
}

// accumulate merges one response into out and returns what it added.
func accumulate(out *model.Response, resp *genai.GenerateContentResponse, names *wire.ToolNames) (text string, calls []model.ToolCall, structured json.RawMessage) {
	if resp == nil {
		return "", nil, nil
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = model.TokenUsage{InputTokens: int(u.PromptTokenCount), OutputTokens: int(u.CandidatesTokenCount)}
	}
	if len(resp.Candidates) == 0 {
		return "", nil, nil
	}
	cand := resp.Candidates[0]
	if cand.FinishReason != genai.FinishReasonUnspecified {
		out.StopReason = finishReason(cand.FinishReason)
	}
	if cand.Content == nil {
		return "", nil, nil
	}
	var sb strings.Builder
	for _, p := range cand.Content.Parts {
		switch v := p.(type) {
		case genai.Text:
			sb.WriteString(string(v))
		case genai.FunctionCall:
			args, err := json.Marshal(v.Args)
			if err != nil || v.Args == nil {
				args = []byte(`{}`)
			}
			if names.Output(v.Name) {
				structured = args
				continue
			}
			calls = append(calls, model.ToolCall{Name: names.Registry(v.Name), Input: args})
		}
	}
	out.Text += sb.String()
	out.ToolCalls = append(out.ToolCalls, calls...)
	if structured != nil {
		out.Structured = structured
	}
	return sb.String(), calls, structured
}

func finishReason(r genai.FinishReason) string {
	return strings.ToLower(strings.TrimPrefix(r.String(), "FinishReason"))
}

// classify maps REST and gRPC failures onto provider errors.
func classify(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return wire.HTTPError(providerName, op, gerr.Code, gerr.Message, gerr.Header, err)
	}
	if st, ok := status.FromError(err); ok && st.Code() != codes.OK && st.Code() != codes.Unknown {
		if st.Code() == codes.Canceled {
			return fmt.Errorf("%w: %w", context.Canceled, err)
		}
		return wire.HTTPError(providerName, op, httpStatus(st.Code()), st.Message(), nil, err)
	}
	return wire.TransportError(providerName, op, err)
}

func httpStatus(c codes.Code) int {
	switch c {
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
