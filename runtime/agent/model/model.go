// Package model is the provider-agnostic contract between the orchestration
// loop and LLM providers. A provider variant translates Request into its wire
// format, sends the conversation and tool schemas, and translates the reply
// into the assistant text and the tool calls it proposes.
package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ConversationRole is the author of a message.
type ConversationRole string

const (
	RoleUser      ConversationRole = "user"
	RoleAssistant ConversationRole = "assistant"
)

// Chunk types produced by streaming providers.
const (
	ChunkTypeText     = "text"
	ChunkTypeToolCall = "tool_call"
	ChunkTypeUsage    = "usage"
	ChunkTypeStop     = "stop"

	// ChunkTypeStructured carries the structured final answer of a request
	// with a ResponseFormat.
	ChunkTypeStructured = "structured"
)

// DefaultResponseFormatName names response schemas that leave Name empty.
const DefaultResponseFormatName = "response"

var (
	// ErrStreamingUnsupported is returned by Stream when the provider or model
	// cannot stream. Callers fall back to Complete.
	ErrStreamingUnsupported = errors.New("model: streaming not supported")
	// ErrRateLimited is matched by provider errors of kind rate_limited.
	ErrRateLimited = errors.New("model: rate limited")
)

type (
	// Client proposes the next step of a conversation.
	Client interface {
		// Complete sends req and returns the full reply.
		Complete(ctx context.Context, req *Request) (*Response, error)
		// Stream sends req and returns a Streamer delivering the reply
		// incrementally. Providers that cannot stream return
		// ErrStreamingUnsupported.
		Stream(ctx context.Context, req *Request) (Streamer, error)
	}

	// Streamer delivers the chunks of one streamed reply. Recv returns io.EOF
	// after the last chunk. Close releases the underlying connection and is
	// safe to call more than once.
	Streamer interface {
		Recv() (Chunk, error)
		Close() error
	}

	// Request is one proposal request.
	Request struct {
		// Model is the provider model identifier.
		Model string
		// System is the system prompt.
		System string
		// Messages is the conversation so far.
		Messages []*Message
		// Tools lists the tools the model may call.
		Tools []*ToolDefinition
		// MaxTokens caps the reply length. Zero uses the provider default.
		MaxTokens int
		// Temperature is the sampling temperature when set.
		Temperature *float64
		// TopP is the nucleus sampling threshold when set.
		TopP *float64
		// ResponseFormat, when set, asks for the final answer as a JSON
		// document matching a schema.
		ResponseFormat *ResponseFormat
	}

	// ResponseFormat describes a structured final answer.
	ResponseFormat struct {
		// Name identifies the schema to the provider.
		Name string `json:"name,omitempty"`
		// Description tells the model what the document is for.
		Description string `json:"description,omitempty"`
		// Schema is a JSON schema whose top-level type is object.
		Schema json.RawMessage `json:"schema"`
	}

	// Response is the reply to a proposal request.
	Response struct {
		// Text is the assistant text, possibly empty.
		Text string
		// ToolCalls are the calls the model proposes, in the order given.
		ToolCalls []ToolCall
		// Usage reports token consumption when the provider returns it.
		Usage TokenUsage
		// StopReason is the provider stop reason.
		StopReason string
		// Structured is the final answer delivered through a structured
		// output channel. Nil when the answer, if any, is in Text.
		Structured json.RawMessage
	}

	// Message is one conversation turn.
	Message struct {
		Role  ConversationRole
		Parts []Part
	}

	// Part is a piece of message content: TextPart, ToolUsePart, or
	// ToolResultPart.
	Part interface {
		isPart()
	}

	// TextPart is plain text.
	TextPart struct {
		Text string
	}

	// ToolUsePart records a tool call proposed by the assistant. ID is the
	// call identifier assigned by the runtime.
	ToolUsePart struct {
		ID    string
		Name  string
		Input json.RawMessage
	}

	// ToolResultPart feeds a tool envelope back to the model.
	ToolResultPart struct {
		ToolUseID string
		Content   json.RawMessage
		IsError   bool
	}

	// ToolDefinition describes a tool to the model.
	ToolDefinition struct {
		Name        string
		Description string
		InputSchema json.RawMessage
	}

	// ToolCall is a tool invocation proposed by the model.
	ToolCall struct {
		// ID is the provider-assigned identifier, kept for correlation.
		ID string
		// Name is the requested tool name.
		Name string
		// Input is the JSON arguments.
		Input json.RawMessage
	}

	// TokenUsage reports token counts.
	TokenUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}

	// Chunk is one streaming event. Type selects the populated field.
	Chunk struct {
		Type       string
		Text       string
		ToolCall   *ToolCall
		Usage      *TokenUsage
		StopReason string
		Structured json.RawMessage
	}
)

func (TextPart) isPart()       {}
func (ToolUsePart) isPart()    {}
func (ToolResultPart) isPart() {}

// NewTextMessage returns a single text part message.
func NewTextMessage(role ConversationRole, text string) *Message {
	return &Message{Role: role, Parts: []Part{TextPart{Text: text}}}
}

// Text concatenates the text parts of m.
func (m *Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if t, ok := p.(TextPart); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

// Add accumulates u into the receiver.
func (u *TokenUsage) Add(o TokenUsage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
}

// Total returns the sum of input and output tokens.
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// SchemaName returns f.Name or DefaultResponseFormatName.
func (f *ResponseFormat) SchemaName() string {
	if f.Name != "" {
		return f.Name
	}
	return DefaultResponseFormatName
}

// Validate checks that Schema is a JSON object schema.
func (f *ResponseFormat) Validate() error {
	if len(f.Schema) == 0 {
		return errors.New("model: response format schema is required")
	}
	var doc struct {
		Type any `json:"type"`
	}
	if err := json.Unmarshal(f.Schema, &doc); err != nil {
		return fmt.Errorf("model: response format schema: %w", err)
	}
	if doc.Type != "object" {
		return fmt.Errorf("model: response format schema must have type object, got %v", doc.Type)
	}
	return nil
}

// SchemaMap decodes Schema into a generic map for SDKs taking schemas as
// values.
func (f *ResponseFormat) SchemaMap() (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(f.Schema, &m); err != nil {
		return nil, fmt.Errorf("model: response format schema: %w", err)
	}
	return m, nil
}
