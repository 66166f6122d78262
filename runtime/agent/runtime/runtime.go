// Package runtime implements the orchestration loop: the per-run state
// machine that asks the model for a proposal, guards every proposed call
// against the run policy, executes the allowed calls as one concurrent batch,
// feeds every envelope back into the conversation, and assembles
// AgentOutputs once the run terminates.
//
// A Runtime is safe for concurrent use. Each Run owns its counters,
// conversation, and outputs; runs share only the tool registry, the executor
// (and through it the tool cache), and the model client.
//
//	rt, err := runtime.New(
//		runtime.WithRegistry(reg),
//		runtime.WithModel(cat),
//		runtime.WithExecutor(exec),
//	)
//	res, err := rt.Run(ctx, runtime.RunInput{Model: "claude-sonnet", Prompt: "hi", Policy: p})
package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"goa.design/agentcore/runtime/agent/executor"
	"goa.design/agentcore/runtime/agent/hooks"
	"goa.design/agentcore/runtime/agent/model"
	"goa.design/agentcore/runtime/agent/model/catalog"
	"goa.design/agentcore/runtime/agent/policy"
	"goa.design/agentcore/runtime/agent/retry"
	"goa.design/agentcore/runtime/agent/run"
	"goa.design/agentcore/runtime/agent/secrets"
	"goa.design/agentcore/runtime/agent/telemetry"
	"goa.design/agentcore/runtime/agent/toolregistry"
)

const (
	// DefaultProposeTimeout bounds a single model call.
	DefaultProposeTimeout = 60 * time.Second
	// DefaultPersistTimeout bounds saving the replay bundle.
	DefaultPersistTimeout = 10 * time.Second
)

type (
	// Options configures a Runtime.
	Options struct {
		// Registry supplies the tool snapshot each run captures at Init.
		// Required.
		Registry ToolSource
		// Model proposes the next step. A *catalog.Catalog routes requests to
		// provider variants by model ID. Required.
		Model model.Client
		// Executor runs allowed calls. Required.
		Executor *executor.Executor
		// Pricing converts model token usage into budget. Optional.
		Pricing Pricing
		// Hooks receives run events. Optional.
		Hooks hooks.Bus
		// RunStore receives the replay bundle of every run. Optional.
		RunStore run.Store
		// Traces produces AgentOutputs.TracesURL. Optional.
		Traces TracesLinker
		// Retry configures proposal retries.
		Retry retry.Config
		// ProposeTimeout bounds each model call attempt.
		ProposeTimeout time.Duration
		// PersistTimeout bounds saving the replay bundle.
		PersistTimeout time.Duration
		// DisableStreaming makes proposals use Complete only.
		DisableStreaming bool

		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}

	// Option mutates Options.
	Option func(*Options)

	// ToolSource exposes the current registry snapshot. *toolregistry.Registry
	// implements it.
	ToolSource interface {
		Snapshot() *toolregistry.Snapshot
	}

	// Pricing looks up model prices. *catalog.Catalog implements it.
	Pricing interface {
		Lookup(id string) (catalog.Model, error)
	}

	// TracesLinker returns the URL of a run trace, or "" when none exists.
	TracesLinker interface {
		TracesURL(runID string) string
	}

	// Runtime runs agent loops.
	Runtime struct {
		opts Options
	}

	// RunInput starts a run.
	RunInput struct {
		// RunID identifies the run. A random UUID is used when empty.
		RunID string
		// Model is the catalog model ID passed to the model client.
		Model string
		// System is the system prompt.
		System string
		// Prompt is the user message that starts the run.
		Prompt string
		// History is prior conversation placed before Prompt.
		History []*model.Message
		// Policy bounds the run. Start from policy.Default.
		Policy policy.RunPolicy
		// Tenant selects credential scopes for tools requiring credentials.
		Tenant secrets.Tenant
		// MaxTokens caps each model reply. Zero uses the model default.
		MaxTokens int
		// Temperature sets the sampling temperature when non-nil.
		Temperature *float64
		// ResponseFormat asks for the final answer as a JSON document
		// matching a schema. The run ends only on a matching answer or when
		// its policy stops it.
		ResponseFormat *model.ResponseFormat
	}

	// RunResult is returned by a run that terminated normally or was forced
	// to stop by its policy.
	RunResult struct {
		RunID   string
		Outputs *AgentOutputs
		// Counters are the counters at termination.
		Counters policy.RunCounters
		// Stop is StopFinalResponse or the policy reason that ended the run.
		Stop  string
		Usage model.TokenUsage
	}
)

// New builds a Runtime from options.
func New(opts ...Option) (*Runtime, error) {
	o := Options{
		Retry:          retry.DefaultConfig(),
		ProposeTimeout: DefaultProposeTimeout,
		PersistTimeout: DefaultPersistTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return NewFromOptions(o)
}

// NewFromOptions validates o, applies defaults, and builds a Runtime.
func NewFromOptions(o Options) (*Runtime, error) {
	switch {
	case o.Registry == nil:
		return nil, errors.New("runtime: tool registry is required")
	case o.Model == nil:
		return nil, errors.New("runtime: model client is required")
	case o.Executor == nil:
		return nil, errors.New("runtime: executor is required")
	}
	if o.ProposeTimeout <= 0 {
		o.ProposeTimeout = DefaultProposeTimeout
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = DefaultPersistTimeout
	}
	if o.Logger == nil {
		o.Logger = telemetry.NewNoopLogger()
	}
	if o.Metrics == nil {
		o.Metrics = telemetry.NewNoopMetrics()
	}
	if o.Tracer == nil {
		o.Tracer = telemetry.NewNoopTracer()
	}
	return &Runtime{opts: o}, nil
}

// WithRegistry sets the tool registry.
func WithRegistry(s ToolSource) Option { return func(o *Options) { o.Registry = s } }

// WithModel sets the model client.
func WithModel(c model.Client) Option { return func(o *Options) { o.Model = c } }

// WithExecutor sets the tool executor.
func WithExecutor(e *executor.Executor) Option { return func(o *Options) { o.Executor = e } }

// WithPricing sets the model price lookup used for budget accrual.
func WithPricing(p Pricing) Option { return func(o *Options) { o.Pricing = p } }

// WithHooks sets the event bus.
func WithHooks(b hooks.Bus) Option { return func(o *Options) { o.Hooks = b } }

// WithRunStore sets the replay bundle store.
func WithRunStore(s run.Store) Option { return func(o *Options) { o.RunStore = s } }

// WithTraces sets the traces URL producer.
func WithTraces(t TracesLinker) Option { return func(o *Options) { o.Traces = t } }

// WithRetry sets the proposal retry configuration.
func WithRetry(c retry.Config) Option { return func(o *Options) { o.Retry = c } }

// WithProposeTimeout overrides DefaultProposeTimeout.
func WithProposeTimeout(d time.Duration) Option { return func(o *Options) { o.ProposeTimeout = d } }

// WithoutStreaming disables streamed proposals.
func WithoutStreaming() Option { return func(o *Options) { o.DisableStreaming = true } }

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option { return func(o *Options) { o.Logger = l } }

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option { return func(o *Options) { o.Metrics = m } }

// WithTracer sets the tracer.
func WithTracer(t telemetry.Tracer) Option { return func(o *Options) { o.Tracer = t } }

// Run executes one agent run to termination.
//
// It returns a RunResult when the model produced a final answer or the policy
// forced termination. Run-level failures are returned as *RunError: invalid
// policy or input, a model backend failing past its retries, or caller
// cancellation, in which case no outputs are produced. When the run completed
// but its replay bundle could not be saved, both the result and a RunError of
// kind persistence are returned.
func (r *Runtime) Run(ctx context.Context, in RunInput) (*RunResult, error) {
	runID := in.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	ctx, span := r.opts.Tracer.Start(ctx, "agent.run")
	defer span.End()
	span.SetAttributes(telemetry.AttrRunID, runID)

	res, err := newRunState(r, runID, in).execute(ctx)
	if err != nil {
		span.RecordError(err)
	}
	return res, err
}
