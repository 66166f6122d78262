package runtime

import (
	"encoding/json"
	"fmt"

	"goa.design/agentcore/runtime/agent/tools"
)

// AgentOutputs is the final shape of a completed run.
type AgentOutputs struct {
	// Response is the last assistant text, possibly empty.
	Response string `json:"response"`
	// Structured is the validated final answer of runs with a response
	// format. Nil when no answer matched the schema.
	Structured json.RawMessage `json:"structured,omitempty"`
	// ToolsByID maps call IDs to envelopes.
	ToolsByID map[string]tools.Envelope `json:"tools_by_id"`
	// ToolOrder lists call IDs in integration order. Its members are exactly
	// the keys of ToolsByID.
	ToolOrder []string `json:"tool_order"`
	// LastTool is the envelope of the last successful call.
	LastTool *tools.Envelope `json:"last_tool,omitempty"`
	// TracesURL locates the run trace when a trace linker is configured.
	TracesURL string `json:"traces_url,omitempty"`
}

// outputsBuilder accumulates envelopes during a run. It is owned by one run.
type outputsBuilder struct {
	byID  map[string]tools.Envelope
	order []string
	last  *tools.Envelope
	text  string
	doc   json.RawMessage
}

func newOutputsBuilder() *outputsBuilder {
	return &outputsBuilder{byID: make(map[string]tools.Envelope)}
}

// add appends env to tool_order. A repeated call ID is rejected so tool_order
// never holds duplicates.
func (b *outputsBuilder) add(env tools.Envelope) error {
	if _, dup := b.byID[env.CallID]; dup {
		return fmt.Errorf("duplicate call id %s", env.CallID)
	}
	b.byID[env.CallID] = env
	b.order = append(b.order, env.CallID)
	if env.Succeeded() {
		b.last = &env
	}
	return nil
}

func (b *outputsBuilder) setText(s string) {
	if s != "" {
		b.text = s
	}
}

func (b *outputsBuilder) setStructured(doc json.RawMessage) {
	b.doc = doc
	b.text = string(doc)
}

// envelopes returns the envelopes in tool_order.
func (b *outputsBuilder) envelopes() []tools.Envelope {
	out := make([]tools.Envelope, len(b.order))
	for i, id := range b.order {
		out[i] = b.byID[id].Clone()
	}
	return out
}

func (b *outputsBuilder) build(tracesURL string) *AgentOutputs {
	out := &AgentOutputs{
		Response:   b.text,
		Structured: b.doc,
		ToolsByID:  make(map[string]tools.Envelope, len(b.byID)),
		ToolOrder:  append([]string{}, b.order...),
		TracesURL:  tracesURL,
	}
	for id, env := range b.byID {
		out.ToolsByID[id] = env.Clone()
	}
	if b.last != nil {
		last := b.last.Clone()
		out.LastTool = &last
	}
	return out
}
