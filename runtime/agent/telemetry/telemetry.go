// Package telemetry carries the logging, tracing, and metrics seams used by
// the executor and the orchestration loop. The clue-backed implementations
// are used in production, the no-op ones in tests and embedded setups.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Metric names.
const (
	MetricToolCalls     = "agent.tool.calls"
	MetricToolErrors    = "agent.tool.errors"
	MetricToolDuration  = "agent.tool.duration"
	MetricRunIterations = "agent.run.iterations"
	MetricModelDuration = "agent.model.duration"
)

// Span attribute keys.
const (
	AttrToolName      = "tool.name"
	AttrToolVersion   = "tool.version"
	AttrToolCallID    = "tool.call_id"
	AttrToolCached    = "tool.cached"
	AttrToolErrorCode = "tool.error_code"
	AttrRunID         = "run.id"
)

type (
	// Logger emits structured log lines. keyvals alternate string keys and
	// values.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers, and gauges. tags alternate keys and
	// values.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer starts spans.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span is an in-flight span.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetAttributes(attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)
