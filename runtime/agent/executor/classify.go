package executor

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"goa.design/agentcore/runtime/agent/toolerrors"
)

// ErrSandbox marks failures of the isolation layer running sandboxed tools.
// Sandbox backends wrap it so the executor reports SANDBOX_ERROR.
var ErrSandbox = errors.New("sandbox failure")

// Classify maps a handler error to the tool error taxonomy:
//
//   - a *toolerrors.ToolError anywhere in the chain is returned as is
//   - deadline exceeded maps to TIMEOUT
//   - errors wrapping ErrSandbox map to SANDBOX_ERROR
//   - errors exposing HTTPStatus() map 429 to RATE_LIMIT and 5xx to
//     PROVIDER_ERROR
//   - net.Error values map to NETWORK_ERROR
//   - anything else maps to UNKNOWN
func Classify(err error) *toolerrors.ToolError {
	if err == nil {
		return nil
	}
	var te *toolerrors.ToolError
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return toolerrors.NewWithCause(toolerrors.CodeTimeout, "", err)
	}
	if errors.Is(err, ErrSandbox) {
		return toolerrors.NewWithCause(toolerrors.CodeSandbox, "", err)
	}
	var status interface{ HTTPStatus() int }
	if errors.As(err, &status) {
		code := status.HTTPStatus()
		var terr *toolerrors.ToolError
		switch {
		case code == http.StatusTooManyRequests:
			terr = toolerrors.RateLimited(err.Error(), retryAfter(err))
		case code >= 500:
			terr = toolerrors.NewWithCause(toolerrors.CodeProvider, "", err)
		default:
			terr = toolerrors.NewWithCause(toolerrors.CodeUnknown, "", err)
		}
		return terr.WithDetail(toolerrors.DetailHTTPStatus, code)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return toolerrors.NewWithCause(toolerrors.CodeNetwork, "", err)
	}
	return toolerrors.NewWithCause(toolerrors.CodeUnknown, "", err)
}

func retryAfter(err error) time.Duration {
	var ra interface{ RetryAfter() time.Duration }
	if errors.As(err, &ra) {
		return ra.RetryAfter()
	}
	return 0
}
