// Package run defines the replay bundle persisted after every run and the
// store contract backends implement.
//
// A bundle holds everything needed to reconstruct a run for debugging: the
// request (prompt, system prompt, model, tool schemas, policy), the final
// conversation, the envelopes in integration order, and the counters at
// termination. Cancelled and failed runs persist a partial bundle.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/agentcore/runtime/agent/model"
	"goa.design/agentcore/runtime/agent/policy"
	"goa.design/agentcore/runtime/agent/tools"
)

// ErrNotFound is returned by Load when no bundle exists for the run.
var ErrNotFound = errors.New("run: bundle not found")

type (
	// Status is the terminal state of a run.
	Status string

	// Bundle is the replay record of one run.
	Bundle struct {
		RunID  string `json:"run_id"`
		Status Status `json:"status"`
		Model  string `json:"model"`
		System string `json:"system,omitempty"`
		Prompt string `json:"prompt"`
		// Messages is the conversation at termination, prompt included.
		Messages []*model.Message `json:"messages"`
		// Tools are the schemas offered to the model.
		Tools    []*model.ToolDefinition `json:"tools"`
		Policy   policy.RunPolicy        `json:"policy"`
		Counters policy.RunCounters      `json:"counters"`
		// Envelopes lists every envelope in tool_order.
		Envelopes []tools.Envelope `json:"envelopes"`
		Response  string           `json:"response,omitempty"`
		// Stop names the condition that ended the run.
		Stop      string           `json:"stop,omitempty"`
		Usage     model.TokenUsage `json:"usage"`
		Error     string           `json:"error,omitempty"`
		StartedAt time.Time        `json:"started_at"`
		EndedAt   time.Time        `json:"ended_at"`

		// ResponseFormat is the schema final answers had to match, if any.
		ResponseFormat *model.ResponseFormat `json:"response_format,omitempty"`
		// Structured is the validated structured answer.
		Structured json.RawMessage `json:"structured,omitempty"`
	}

	// Summary is the listing view of a bundle.
	Summary struct {
		RunID      string
		Status     Status
		Model      string
		Iterations int
		ToolCalls  int
		StartedAt  time.Time
		EndedAt    time.Time
	}

	// Query filters List. Zero values match everything; Limit defaults to
	// DefaultListLimit.
	Query struct {
		Status Status
		Since  time.Time
		Limit  int
	}

	// Store persists replay bundles. Save overwrites any bundle of the same
	// run.
	Store interface {
		Save(ctx context.Context, b *Bundle) error
		Load(ctx context.Context, runID string) (*Bundle, error)
		// List returns summaries of the most recently ended runs first.
		List(ctx context.Context, q Query) ([]Summary, error)
	}
)

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// DefaultListLimit caps List results when Query.Limit is zero.
const DefaultListLimit = 50

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Validate checks the fields every store relies on.
func (b *Bundle) Validate() error {
	switch {
	case b == nil:
		return errors.New("run: bundle is nil")
	case b.RunID == "":
		return errors.New("run: bundle run id is required")
	case !b.Status.Valid():
		return fmt.Errorf("run: invalid bundle status %q", b.Status)
	}
	return nil
}

// Summary returns the listing view of b.
func (b *Bundle) Summary() Summary {
	return Summary{
		RunID:      b.RunID,
		Status:     b.Status,
		Model:      b.Model,
		Iterations: b.Counters.IterationsCompleted,
		ToolCalls:  b.Counters.ToolCallsIssued,
		StartedAt:  b.StartedAt,
		EndedAt:    b.EndedAt,
	}
}

// Matches reports whether s satisfies q.
func (q Query) Matches(s Summary) bool {
	if q.Status != "" && s.Status != q.Status {
		return false
	}
	if !q.Since.IsZero() && s.EndedAt.Before(q.Since) {
		return false
	}
	return true
}

// Encode serializes b as JSON.
func Encode(b *Bundle) ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("run: encode bundle %s: %w", b.RunID, err)
	}
	return data, nil
}

// Decode parses a bundle produced by Encode.
func Decode(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("run: decode bundle: %w", err)
	}
	return &b, nil
}
