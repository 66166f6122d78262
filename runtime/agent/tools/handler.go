package tools

import "context"

type (
	// Invocation is the resolved context handed to a tool implementation.
	Invocation struct {
		// RunID identifies the run issuing the call.
		RunID string
		// CallID is the deterministic identifier of the call.
		CallID string
		// Call is the validated call.
		Call Call
		// Descriptor is the resolved descriptor.
		Descriptor Descriptor
		// Credentials holds the resolved secrets when the descriptor requires
		// credentials.
		Credentials map[string]string
	}

	// Handler is the execution entry point of a tool. Implementations return
	// any JSON-marshalable value. Returning a *toolerrors.ToolError preserves its
	// code; other errors are classified by the executor.
	Handler interface {
		Invoke(ctx context.Context, inv Invocation) (any, error)
	}

	// HandlerFunc adapts a function to the Handler interface.
	HandlerFunc func(ctx context.Context, inv Invocation) (any, error)
)

// Invoke calls f.
func (f HandlerFunc) Invoke(ctx context.Context, inv Invocation) (any, error) {
	return f(ctx, inv)
}
