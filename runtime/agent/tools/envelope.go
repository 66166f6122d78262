package tools

import (
	"encoding/json"
	"errors"
	"time"

	"goa.design/agentcore/runtime/agent/toolerrors"
)

// AttachmentKind classifies out-of-band payloads referenced by an envelope.
type AttachmentKind string

// AttachmentBlob references the full payload of a truncated output.
const AttachmentBlob AttachmentKind = "blob"

type (
	// Envelope is the receipt of one tool invocation attempt and the only
	// externally visible record of it. Exactly one of Output and Error is set.
	// Envelopes are values: once built they are copied, never mutated.
	Envelope struct {
		CallID      string                `json:"call_id"`
		Name        string                `json:"name"`
		Version     string                `json:"version"`
		Input       json.RawMessage       `json:"input"`
		Output      json.RawMessage       `json:"output,omitempty"`
		Error       *toolerrors.ToolError `json:"error,omitempty"`
		TStart      time.Time             `json:"t_start"`
		TEnd        time.Time             `json:"t_end"`
		Cached      bool                  `json:"cached"`
		Truncated   bool                  `json:"truncated"`
		Attachments []Attachment          `json:"attachments,omitempty"`
	}

	// Attachment points to an out-of-band payload by opaque URL. It never
	// references the owning run or envelope.
	Attachment struct {
		Kind        AttachmentKind `json:"kind"`
		URL         string         `json:"url"`
		ContentType string         `json:"content_type"`
		Size        int64          `json:"size"`
	}
)

var jsonNull = json.RawMessage("null")

// NewSuccess builds a successful envelope. A nil output is recorded as JSON
// null so the envelope still carries an output.
func NewSuccess(call Call, callID string, output json.RawMessage, start, end time.Time) Envelope {
	if len(output) == 0 {
		output = jsonNull
	}
	return Envelope{
		CallID:  callID,
		Name:    call.Name,
		Version: call.Version,
		Input:   call.Input,
		Output:  output,
		TStart:  start,
		TEnd:    end,
	}
}

// NewFailure builds a failed envelope. A nil err is recorded as UNKNOWN.
func NewFailure(call Call, callID string, err *toolerrors.ToolError, start, end time.Time) Envelope {
	if err == nil {
		err = toolerrors.New(toolerrors.CodeUnknown, "tool failed without error detail")
	}
	return Envelope{
		CallID:  callID,
		Name:    call.Name,
		Version: call.Version,
		Input:   call.Input,
		Error:   err,
		TStart:  start,
		TEnd:    end,
	}
}

// Succeeded reports whether the envelope records a successful invocation.
func (e Envelope) Succeeded() bool {
	return e.Error == nil && e.Output != nil
}

// Validate checks the output/error exclusivity invariant.
func (e Envelope) Validate() error {
	hasOut := e.Output != nil
	hasErr := e.Error != nil
	switch {
	case hasOut && hasErr:
		return errors.New("tools: envelope has both output and error")
	case !hasOut && !hasErr:
		return errors.New("tools: envelope has neither output nor error")
	case e.CallID == "":
		return errors.New("tools: envelope missing call id")
	}
	return nil
}

// Clone returns a copy that shares no mutable state with e.
func (e Envelope) Clone() Envelope {
	out := e
	out.Input = append(json.RawMessage(nil), e.Input...)
	if e.Output != nil {
		out.Output = append(json.RawMessage(nil), e.Output...)
	}
	out.Error = e.Error.Clone()
	if e.Attachments != nil {
		out.Attachments = append([]Attachment(nil), e.Attachments...)
	}
	return out
}

// AsCached returns a copy of e flagged as served from cache under callID. The
// timestamps of the original execution are preserved.
func (e Envelope) AsCached(callID string) Envelope {
	out := e.Clone()
	out.CallID = callID
	out.Cached = true
	return out
}
