// Package toolerrors provides the structured error taxonomy for tool invocation
// failures. A ToolError is data: the executor folds it into a tool envelope and
// the orchestration loop feeds it back to the model on the next turn. It never
// aborts a run.
package toolerrors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Code is the closed set of tool failure classes. Every tool-call failure
// resolves to exactly one code.
type Code string

const (
	// CodeValidation indicates the call input failed schema validation or named
	// a tool that does not exist. The tool was not executed.
	CodeValidation Code = "VALIDATION_ERROR"
	// CodeTimeout indicates the per-call deadline elapsed before the tool returned.
	CodeTimeout Code = "TIMEOUT"
	// CodeRateLimit indicates the tool or its upstream throttled the call.
	CodeRateLimit Code = "RATE_LIMIT"
	// CodePolicyDenied indicates the policy guard refused the call.
	CodePolicyDenied Code = "POLICY_DENIED"
	// CodeAuthRequired indicates no credential scope could satisfy the tool.
	CodeAuthRequired Code = "AUTH_REQUIRED"
	// CodeProvider indicates an upstream 5xx-equivalent failure.
	CodeProvider Code = "PROVIDER_ERROR"
	// CodeNetwork indicates a network-layer failure reaching the upstream.
	CodeNetwork Code = "NETWORK_ERROR"
	// CodeSandbox indicates the isolation layer of a sandboxed tool failed.
	CodeSandbox Code = "SANDBOX_ERROR"
	// CodeUnknown is used for uncategorized failures.
	CodeUnknown Code = "UNKNOWN"
)

// Detail keys set by the runtime.
const (
	// DetailReason carries the policy sub-reason of a POLICY_DENIED error.
	DetailReason = "reason"
	// DetailHTTPStatus carries the upstream HTTP status when known.
	DetailHTTPStatus = "http_status"
)

var allCodes = []Code{
	CodeValidation,
	CodeTimeout,
	CodeRateLimit,
	CodePolicyDenied,
	CodeAuthRequired,
	CodeProvider,
	CodeNetwork,
	CodeSandbox,
	CodeUnknown,
}

// Codes returns every member of the taxonomy in declaration order.
func Codes() []Code {
	return append([]Code(nil), allCodes...)
}

// ParseCode returns the Code matching s (case-insensitive).
func ParseCode(s string) (Code, error) {
	c := Code(strings.ToUpper(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("toolerrors: unknown code %q", s)
	}
	return c, nil
}

// Valid reports whether c is a member of the taxonomy.
func (c Code) Valid() bool {
	for _, k := range allCodes {
		if c == k {
			return true
		}
	}
	return false
}

// String returns the wire form of the code.
func (c Code) String() string {
	return string(c)
}

// ToolError represents a structured tool failure. It implements error so tool
// implementations can return it directly; the executor preserves the code and
// details when it builds the envelope.
type ToolError struct {
	// Code classifies the failure.
	Code Code `json:"code"`
	// Message is the human-readable summary of the failure.
	Message string `json:"message"`
	// Details carries optional structured context (for example the policy
	// sub-reason or the upstream HTTP status).
	Details map[string]any `json:"details,omitempty"`
	// RetryAfterSeconds hints how long the caller should wait before retrying.
	// Only meaningful for RATE_LIMIT.
	RetryAfterSeconds *float64 `json:"retry_after_s,omitempty"`
	// Cause links to the underlying tool error, enabling error chains with
	// errors.Is/As. It is not serialized.
	Cause *ToolError `json:"-"`
}

// New constructs a ToolError with the given code and message. An invalid code
// is coerced to CodeUnknown.
func New(code Code, message string) *ToolError {
	if !code.Valid() {
		code = CodeUnknown
	}
	if message == "" {
		message = "tool error"
	}
	return &ToolError{Code: code, Message: message}
}

// Errorf formats according to a format specifier and returns the string as a
// ToolError with the given code.
func Errorf(code Code, format string, args ...any) *ToolError {
	return New(code, fmt.Sprintf(format, args...))
}

// NewWithCause constructs a ToolError that wraps an underlying error. The cause
// is converted into a ToolError chain so errors.Is/As keep working through
// Unwrap.
func NewWithCause(code Code, message string, cause error) *ToolError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	e := New(code, message)
	e.Cause = FromError(cause)
	return e
}

// RateLimited constructs a RATE_LIMIT error carrying a retry-after hint. A zero
// or negative retryAfter omits the hint.
func RateLimited(message string, retryAfter time.Duration) *ToolError {
	e := New(CodeRateLimit, message)
	if retryAfter > 0 {
		s := retryAfter.Seconds()
		e.RetryAfterSeconds = &s
	}
	return e
}

// Denied constructs a POLICY_DENIED error with the given sub-reason recorded
// under DetailReason.
func Denied(reason, message string) *ToolError {
	return New(CodePolicyDenied, message).WithDetail(DetailReason, reason)
}

// FromError converts an arbitrary error into a ToolError. If err already holds a
// ToolError in its chain that value is returned; otherwise the result has code
// CodeUnknown.
func FromError(err error) *ToolError {
	if err == nil {
		return nil
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{
		Code:    CodeUnknown,
		Message: err.Error(),
		Cause:   FromError(errors.Unwrap(err)),
	}
}

// HasCode reports whether err holds a ToolError with the given code.
func HasCode(err error, code Code) bool {
	var te *ToolError
	if !errors.As(err, &te) {
		return false
	}
	return te.Code == code
}

// WithDetail sets a details entry and returns e for chaining. It is intended to
// be used while the error is being built, before it is shared.
func (e *ToolError) WithDetail(key string, value any) *ToolError {
	if e.Details == nil {
		e.Details = make(map[string]any, 1)
	}
	e.Details[key] = value
	return e
}

// Reason returns the policy sub-reason recorded in the details, if any.
func (e *ToolError) Reason() string {
	if e == nil || e.Details == nil {
		return ""
	}
	r, _ := e.Details[DetailReason].(string)
	return r
}

// RetryAfter returns the retry hint as a duration, or zero when absent.
func (e *ToolError) RetryAfter() time.Duration {
	if e == nil || e.RetryAfterSeconds == nil {
		return 0
	}
	return time.Duration(*e.RetryAfterSeconds * float64(time.Second))
}

// Clone returns a deep-enough copy of e so callers can attach details without
// mutating a shared value.
func (e *ToolError) Clone() *ToolError {
	if e == nil {
		return nil
	}
	out := *e
	if e.Details != nil {
		out.Details = make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			out.Details[k] = v
		}
	}
	if e.RetryAfterSeconds != nil {
		s := *e.RetryAfterSeconds
		out.RetryAfterSeconds = &s
	}
	return &out
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Code) + ": " + e.Message
}

// Unwrap returns the underlying tool error to support errors.Is/As.
func (e *ToolError) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}
