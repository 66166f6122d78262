package model

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ProviderErrorKind classifies provider failures for retry decisions.
type ProviderErrorKind string

const (
	// ProviderErrorKindAuth indicates authentication or authorization failures.
	ProviderErrorKindAuth ProviderErrorKind = "auth"
	// ProviderErrorKindInvalidRequest indicates the request will not succeed
	// without changes.
	ProviderErrorKindInvalidRequest ProviderErrorKind = "invalid_request"
	// ProviderErrorKindRateLimited indicates the provider throttled the call.
	ProviderErrorKindRateLimited ProviderErrorKind = "rate_limited"
	// ProviderErrorKindUnavailable indicates a transient failure (5xx,
	// network).
	ProviderErrorKindUnavailable ProviderErrorKind = "unavailable"
	// ProviderErrorKindUnknown indicates an unclassified failure.
	ProviderErrorKindUnknown ProviderErrorKind = "unknown"
)

// ProviderError describes a failure returned by a provider variant. The
// orchestration loop retries errors whose Retryable method reports true.
type ProviderError struct {
	provider   string
	operation  string
	http       int
	kind       ProviderErrorKind
	code       string
	message    string
	retryAfter time.Duration
	cause      error
}

// NewProviderError builds a ProviderError. Retryability follows kind: rate
// limited and unavailable errors are retryable.
func NewProviderError(provider, operation string, httpStatus int, kind ProviderErrorKind, message string, cause error) *ProviderError {
	if kind == "" {
		kind = ProviderErrorKindUnknown
	}
	return &ProviderError{
		provider:  provider,
		operation: operation,
		http:      httpStatus,
		kind:      kind,
		message:   message,
		cause:     cause,
	}
}

// WithCode records the provider error code.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.code = code
	return e
}

// WithRetryAfter records the delay requested by the provider.
func (e *ProviderError) WithRetryAfter(d time.Duration) *ProviderError {
	e.retryAfter = d
	return e
}

func (e *ProviderError) Provider() string        { return e.provider }
func (e *ProviderError) Operation() string       { return e.operation }
func (e *ProviderError) HTTPStatus() int         { return e.http }
func (e *ProviderError) Kind() ProviderErrorKind { return e.kind }
func (e *ProviderError) Code() string            { return e.code }
func (e *ProviderError) Message() string         { return e.message }

// RetryAfter returns the provider requested delay, zero when unknown.
func (e *ProviderError) RetryAfter() time.Duration { return e.retryAfter }

// Retryable reports whether the call may succeed unchanged.
func (e *ProviderError) Retryable() bool {
	return e.kind == ProviderErrorKindRateLimited || e.kind == ProviderErrorKindUnavailable
}

func (e *ProviderError) Error() string {
	op := e.operation
	if op == "" {
		op = "request"
	}
	status := ""
	if e.http > 0 {
		status = fmt.Sprintf("%d ", e.http)
	}
	code := ""
	if e.code != "" {
		code = e.code + ": "
	}
	msg := e.message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	return fmt.Sprintf("%s %s %s(%s): %s", e.provider, e.kind, status, op, code+msg)
}

func (e *ProviderError) Unwrap() error { return e.cause }

// Is makes rate limited provider errors match ErrRateLimited.
func (e *ProviderError) Is(target error) bool {
	return target == ErrRateLimited && e.kind == ProviderErrorKindRateLimited
}

// AsProviderError returns the first ProviderError in err's chain.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// KindForStatus maps an HTTP status to a provider error kind.
func KindForStatus(status int) ProviderErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ProviderErrorKindAuth
	case status == http.StatusTooManyRequests:
		return ProviderErrorKindRateLimited
	case status == http.StatusRequestTimeout || status >= 500:
		return ProviderErrorKindUnavailable
	case status >= 400:
		return ProviderErrorKindInvalidRequest
	default:
		return ProviderErrorKindUnknown
	}
}
