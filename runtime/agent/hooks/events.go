package hooks

import (
	"encoding/json"
	"time"

	"goa.design/agentcore/runtime/agent/policy"
	"goa.design/agentcore/runtime/agent/toolerrors"
	"goa.design/agentcore/runtime/agent/tools"
)

// EventType names an event kind. The string values are stable and used as
// event names by the run log and the stream sink.
type EventType string

const (
	RunStarted        EventType = "run_started"
	StateChanged      EventType = "state_changed"
	AssistantFragment EventType = "assistant_fragment"
	AssistantMessage  EventType = "assistant_message"
	ModelRetry        EventType = "model_retry"
	ToolCallDenied    EventType = "tool_call_denied"
	ToolCallStarted   EventType = "tool_call_started"
	ToolCallCompleted EventType = "tool_call_completed"
	RunCompleted      EventType = "run_completed"
	RunFailed         EventType = "run_failed"
	RunCancelled      EventType = "run_cancelled"
)

type (
	// Event is implemented by every published event. Subscribers switch on
	// the concrete type to access fields.
	Event interface {
		Type() EventType
		// RunID correlates every event of one run.
		RunID() string
		// Timestamp is the creation time in Unix milliseconds.
		Timestamp() int64
	}

	baseEvent struct {
		runID     string
		timestamp int64
	}

	// RunStartedEvent fires once Init validated the policy.
	RunStartedEvent struct {
		baseEvent
		Policy  policy.RunPolicy `json:"policy"`
		Tools   []string         `json:"tools"`
		Model   string           `json:"model,omitempty"`
		TraceID string           `json:"trace_id,omitempty"`
	}

	// StateChangedEvent fires on every loop state transition.
	StateChangedEvent struct {
		baseEvent
		From      string `json:"from"`
		To        string `json:"to"`
		Iteration int    `json:"iteration"`
	}

	// AssistantFragmentEvent carries one streamed text fragment.
	AssistantFragmentEvent struct {
		baseEvent
		Iteration int    `json:"iteration"`
		Text      string `json:"text"`
	}

	// AssistantMessageEvent fires when a model turn completed.
	AssistantMessageEvent struct {
		baseEvent
		Iteration    int    `json:"iteration"`
		Text         string `json:"text,omitempty"`
		ToolCalls    int    `json:"tool_calls"`
		InputTokens  int    `json:"input_tokens,omitempty"`
		OutputTokens int    `json:"output_tokens,omitempty"`
	}

	// ModelRetryEvent fires before a failed proposal is retried.
	ModelRetryEvent struct {
		baseEvent
		Iteration int           `json:"iteration"`
		Attempt   int           `json:"attempt"`
		Error     string        `json:"error"`
		Backoff   time.Duration `json:"backoff"`
	}

	// ToolCallDeniedEvent fires when the guard refuses a call or the call
	// cannot be resolved.
	ToolCallDeniedEvent struct {
		baseEvent
		CallID  string                `json:"call_id"`
		Name    string                `json:"name"`
		Version string                `json:"version,omitempty"`
		Error   *toolerrors.ToolError `json:"error"`
	}

	// ToolCallStartedEvent fires when the executor starts processing a call.
	ToolCallStartedEvent struct {
		baseEvent
		CallID   string          `json:"call_id"`
		Name     string          `json:"name"`
		Version  string          `json:"version"`
		Sequence int             `json:"sequence"`
		Input    json.RawMessage `json:"input,omitempty"`
	}

	// ToolCallCompletedEvent fires with the envelope of a finished call.
	ToolCallCompletedEvent struct {
		baseEvent
		Envelope tools.Envelope `json:"envelope"`
		Duration time.Duration  `json:"duration"`
	}

	// RunCompletedEvent fires once AgentOutputs are assembled.
	RunCompletedEvent struct {
		baseEvent
		Reason     string  `json:"reason"`
		Iterations int     `json:"iterations"`
		ToolCalls  int     `json:"tool_calls"`
		Budget     float64 `json:"budget"`
	}

	// RunFailedEvent fires when the run ends with a run-level failure.
	RunFailedEvent struct {
		baseEvent
		Kind  string `json:"kind"`
		Error string `json:"error"`
	}

	// RunCancelledEvent fires when the caller cancelled the run.
	RunCancelledEvent struct {
		baseEvent
		Cause string `json:"cause"`
	}
)

func newBase(runID string) baseEvent {
	return baseEvent{runID: runID, timestamp: time.Now().UnixMilli()}
}

func (e baseEvent) RunID() string    { return e.runID }
func (e baseEvent) Timestamp() int64 { return e.timestamp }

func (*RunStartedEvent) Type() EventType        { return RunStarted }
func (*StateChangedEvent) Type() EventType      { return StateChanged }
func (*AssistantFragmentEvent) Type() EventType { return AssistantFragment }
func (*AssistantMessageEvent) Type() EventType  { return AssistantMessage }
func (*ModelRetryEvent) Type() EventType        { return ModelRetry }
func (*ToolCallDeniedEvent) Type() EventType    { return ToolCallDenied }
func (*ToolCallStartedEvent) Type() EventType   { return ToolCallStarted }
func (*ToolCallCompletedEvent) Type() EventType { return ToolCallCompleted }
func (*RunCompletedEvent) Type() EventType      { return RunCompleted }
func (*RunFailedEvent) Type() EventType         { return RunFailed }
func (*RunCancelledEvent) Type() EventType      { return RunCancelled }

// NewRunStartedEvent builds a RunStartedEvent.
func NewRunStartedEvent(runID string, p policy.RunPolicy, toolIdents []string, model, traceID string) *RunStartedEvent {
	return &RunStartedEvent{baseEvent: newBase(runID), Policy: p, Tools: toolIdents, Model: model, TraceID: traceID}
}

// NewStateChangedEvent builds a StateChangedEvent.
func NewStateChangedEvent(runID, from, to string, iteration int) *StateChangedEvent {
	return &StateChangedEvent{baseEvent: newBase(runID), From: from, To: to, Iteration: iteration}
}

// NewAssistantFragmentEvent builds an AssistantFragmentEvent.
func NewAssistantFragmentEvent(runID string, iteration int, text string) *AssistantFragmentEvent {
	return &AssistantFragmentEvent{baseEvent: newBase(runID), Iteration: iteration, Text: text}
}

// NewAssistantMessageEvent builds an AssistantMessageEvent.
func NewAssistantMessageEvent(runID string, iteration int, text string, calls, inTok, outTok int) *AssistantMessageEvent {
	return &AssistantMessageEvent{
		baseEvent:    newBase(runID),
		Iteration:    iteration,
		Text:         text,
		ToolCalls:    calls,
		InputTokens:  inTok,
		OutputTokens: outTok,
	}
}

// NewModelRetryEvent builds a ModelRetryEvent.
func NewModelRetryEvent(runID string, iteration, attempt int, err error, backoff time.Duration) *ModelRetryEvent {
	return &ModelRetryEvent{baseEvent: newBase(runID), Iteration: iteration, Attempt: attempt, Error: err.Error(), Backoff: backoff}
}

// NewToolCallDeniedEvent builds a ToolCallDeniedEvent.
func NewToolCallDeniedEvent(runID, callID string, call tools.Call, err *toolerrors.ToolError) *ToolCallDeniedEvent {
	return &ToolCallDeniedEvent{baseEvent: newBase(runID), CallID: callID, Name: call.Name, Version: call.Version, Error: err}
}

// NewToolCallStartedEvent builds a ToolCallStartedEvent.
func NewToolCallStartedEvent(runID, callID string, call tools.Call) *ToolCallStartedEvent {
	return &ToolCallStartedEvent{
		baseEvent: newBase(runID),
		CallID:    callID,
		Name:      call.Name,
		Version:   call.Version,
		Sequence:  call.Sequence,
		Input:     call.Input,
	}
}

// NewToolCallCompletedEvent builds a ToolCallCompletedEvent.
func NewToolCallCompletedEvent(runID string, env tools.Envelope, d time.Duration) *ToolCallCompletedEvent {
	return &ToolCallCompletedEvent{baseEvent: newBase(runID), Envelope: env, Duration: d}
}

// NewRunCompletedEvent builds a RunCompletedEvent.
func NewRunCompletedEvent(runID, reason string, c policy.RunCounters) *RunCompletedEvent {
	return &RunCompletedEvent{
		baseEvent:  newBase(runID),
		Reason:     reason,
		Iterations: c.IterationsCompleted,
		ToolCalls:  c.ToolCallsIssued,
		Budget:     c.BudgetAccrued,
	}
}

// NewRunFailedEvent builds a RunFailedEvent.
func NewRunFailedEvent(runID, kind string, err error) *RunFailedEvent {
	return &RunFailedEvent{baseEvent: newBase(runID), Kind: kind, Error: err.Error()}
}

// NewRunCancelledEvent builds a RunCancelledEvent.
func NewRunCancelledEvent(runID string, cause error) *RunCancelledEvent {
	return &RunCancelledEvent{baseEvent: newBase(runID), Cause: cause.Error()}
}

// Payload returns the JSON encoding of the event fields.
func Payload(evt Event) (json.RawMessage, error) {
	return json.Marshal(evt)
}
