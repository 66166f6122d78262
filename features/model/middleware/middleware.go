// Package middleware wraps model.Client values with cross-cutting behavior:
// adaptive token throttling and call logging.
package middleware

import (
	"context"
	"time"

	"goa.design/agentcore/runtime/agent/model"
	"goa.design/agentcore/runtime/agent/telemetry"
)

type (
	// Middleware decorates a model client.
	Middleware func(model.Client) model.Client

	loggingClient struct {
		next   model.Client
		logger telemetry.Logger
		now    func() time.Time
	}
)

// Chain applies mws to c. The first middleware is the outermost.
func Chain(c model.Client, mws ...Middleware) model.Client {
	for i := len(mws) - 1; i >= 0; i-- {
		c = mws[i](c)
	}
	return c
}

// Logging logs every model call with its duration, usage and outcome.
func Logging(logger telemetry.Logger) Middleware {
	return func(next model.Client) model.Client {
		return &loggingClient{next: next, logger: logger, now: time.Now}
	}
}

func (c *loggingClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	start := c.now()
	resp, err := c.next.Complete(ctx, req)
	kv := []any{"model", req.Model, "messages", len(req.Messages), "duration", c.now().Sub(start)}
	if err != nil {
		c.logger.Error(ctx, "model completion failed", append(kv, "err", err)...)
		return nil, err
	}
	c.logger.Debug(ctx, "model completion",
		append(kv, "tool_calls", len(resp.ToolCalls), "input_tokens", resp.Usage.InputTokens,
			"output_tokens", resp.Usage.OutputTokens, "stop_reason", resp.StopReason)...)
	return resp, nil
}

func (c *loggingClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	s, err := c.next.Stream(ctx, req)
	if err != nil {
		c.logger.Debug(ctx, "model stream not opened", "model", req.Model, "err", err)
		return nil, err
	}
	c.logger.Debug(ctx, "model stream opened", "model", req.Model, "messages", len(req.Messages))
	return s, nil
}
