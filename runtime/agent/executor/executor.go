// Package executor runs batches of tool calls concurrently and folds every
// outcome, success or failure, into a tools.Envelope.
//
// Per call the executor validates the input against the descriptor schema,
// consults the cache, resolves credentials, applies the client-side rate
// limit, invokes the handler under a deadline, enforces the output ceiling,
// and writes cacheable successes back to the cache. No step aborts the batch:
// each failure becomes a ToolError carried by that call's envelope.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"goa.design/agentcore/runtime/agent/blob"
	"goa.design/agentcore/runtime/agent/callid"
	"goa.design/agentcore/runtime/agent/hooks"
	"goa.design/agentcore/runtime/agent/secrets"
	"goa.design/agentcore/runtime/agent/telemetry"
	"goa.design/agentcore/runtime/agent/toolcache"
	"goa.design/agentcore/runtime/agent/toolerrors"
	"goa.design/agentcore/runtime/agent/toolregistry"
	"goa.design/agentcore/runtime/agent/tools"
)

const (
	// DefaultTimeout is the per-call deadline used when the descriptor sets
	// none.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxOutputBytes is the serialized output ceiling.
	DefaultMaxOutputBytes = 2 << 20
)

// CacheScope selects how cache keys are derived.
type CacheScope int

const (
	// CacheScopeRun keys entries by run and call ID. Entries are only ever
	// hit by retries of the same step within the same run.
	CacheScopeRun CacheScope = iota
	// CacheScopeGlobal keys entries of side-effect free tools by tool,
	// version, and normalized input so unrelated runs share results. Tools
	// with side effects keep run-scoped keys.
	CacheScopeGlobal
)

type (
	// Executor runs tool calls. It is safe for concurrent use by many runs.
	Executor struct {
		mu       sync.RWMutex
		handlers map[string]tools.Handler

		cache          toolcache.Cache
		cacheScope     CacheScope
		secrets        secrets.Resolver
		blobs          blob.Store
		limiters       map[string]*rate.Limiter
		defaultTimeout time.Duration
		maxOutput      int
		bus            hooks.Bus
		logger         telemetry.Logger
		tracer         telemetry.Tracer
		metrics        telemetry.Metrics
		now            func() time.Time
	}

	// Option configures an Executor.
	Option func(*Executor)

	// BatchRequest is one batch of calls issued by a run.
	BatchRequest struct {
		// RunID identifies the issuing run.
		RunID string
		// Tenant selects the credential scopes.
		Tenant secrets.Tenant
		// Tools resolves call targets. Runs pass the registry snapshot they
		// captured at start.
		Tools toolregistry.Resolver
		// Calls are the calls to execute, in proposal order.
		Calls []tools.Call
	}
)

// WithCache enables result caching for tools whose cache policy allows it.
func WithCache(c toolcache.Cache) Option {
	return func(e *Executor) { e.cache = c }
}

// WithCacheScope selects the cache key scope. Defaults to CacheScopeRun.
func WithCacheScope(s CacheScope) Option {
	return func(e *Executor) { e.cacheScope = s }
}

// WithSecrets sets the resolver consulted for tools requiring credentials.
func WithSecrets(r secrets.Resolver) Option {
	return func(e *Executor) { e.secrets = r }
}

// WithBlobStore sets the store receiving oversized outputs. Defaults to an
// in-memory store.
func WithBlobStore(s blob.Store) Option {
	return func(e *Executor) { e.blobs = s }
}

// WithRateLimit limits calls to the named tool to r per second with the
// given burst.
func WithRateLimit(name string, r rate.Limit, burst int) Option {
	return func(e *Executor) { e.limiters[name] = rate.NewLimiter(r, burst) }
}

// WithDefaultTimeout overrides DefaultTimeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Executor) { e.defaultTimeout = d }
}

// WithMaxOutputBytes overrides DefaultMaxOutputBytes.
func WithMaxOutputBytes(n int) Option {
	return func(e *Executor) { e.maxOutput = n }
}

// WithBus publishes tool start and completion events to b.
func WithBus(b hooks.Bus) Option {
	return func(e *Executor) { e.bus = b }
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithTracer sets the tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithClock overrides the time source used for envelope timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// New returns an executor with no registered handlers.
func New(opts ...Option) *Executor {
	e := &Executor{
		handlers:       make(map[string]tools.Handler),
		limiters:       make(map[string]*rate.Limiter),
		defaultTimeout: DefaultTimeout,
		maxOutput:      DefaultMaxOutputBytes,
		logger:         telemetry.NewNoopLogger(),
		tracer:         telemetry.NewNoopTracer(),
		metrics:        telemetry.NewNoopMetrics(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.blobs == nil {
		e.blobs = blob.NewMemoryStore()
	}
	return e
}

// Handle registers h for every version of the named tool.
func (e *Executor) Handle(name string, h tools.Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = h
}

// HandleVersion registers h for one version of the named tool. It takes
// precedence over a handler registered with Handle.
func (e *Executor) HandleVersion(name, version string, h tools.Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[tools.Ident(name, version)] = h
}

func (e *Executor) handler(d tools.Descriptor) (tools.Handler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if h, ok := e.handlers[d.Ident()]; ok {
		return h, true
	}
	h, ok := e.handlers[d.Name]
	return h, ok
}

// ExecuteBatch runs every call of req concurrently and returns one envelope
// per call in the order of req.Calls. It returns once every call resolved.
func (e *Executor) ExecuteBatch(ctx context.Context, req BatchRequest) []tools.Envelope {
	out := make([]tools.Envelope, len(req.Calls))
	var g errgroup.Group
	for i, call := range req.Calls {
		g.Go(func() error {
			out[i] = e.execute(ctx, req, call)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// CallID returns the deterministic identifier of call. Inputs that are not
// valid JSON fall back to hashing the raw bytes as a JSON string.
func CallID(call tools.Call) string {
	id, err := callid.Compute(call.Name, call.Version, call.Input, call.Sequence)
	if err == nil {
		return id
	}
	id, _ = callid.Compute(call.Name, call.Version, quoteRaw(call.Input), call.Sequence)
	return id
}

func (e *Executor) execute(ctx context.Context, req BatchRequest, call tools.Call) tools.Envelope {
	start := e.now()
	ctx, span := e.tracer.Start(ctx, "tool."+call.Name)
	defer span.End()

	res, terr := resolve(req.Tools, call)
	if terr == nil {
		call.Version = res.Descriptor.Version
	}
	id := CallID(call)
	span.SetAttributes(
		telemetry.AttrRunID, req.RunID,
		telemetry.AttrToolName, call.Name,
		telemetry.AttrToolVersion, call.Version,
		telemetry.AttrToolCallID, id,
	)
	e.publish(ctx, hooks.NewToolCallStartedEvent(req.RunID, id, call))
	if res.Deprecated {
		e.logger.Warn(ctx, "deprecated tool version", "tool", call.Ident(), "run_id", req.RunID)
	}

	var env tools.Envelope
	if terr != nil {
		env = tools.NewFailure(call, id, terr, start, e.now())
	} else {
		env = e.run(ctx, req, call, id, res, start)
	}
	e.record(ctx, span, req.RunID, env)
	return env
}

func (e *Executor) run(ctx context.Context, req BatchRequest, call tools.Call, id string, res toolregistry.Resolution, start time.Time) tools.Envelope {
	desc := res.Descriptor
	fail := func(terr *toolerrors.ToolError) tools.Envelope {
		return tools.NewFailure(call, id, terr, start, e.now())
	}

	if err := res.ValidateInput(call.Input); err != nil {
		return fail(toolerrors.NewWithCause(toolerrors.CodeValidation, fmt.Sprintf("invalid input for %s: %v", desc.Ident(), err), err))
	}

	key := e.cacheKey(req.RunID, id, call, desc)
	if key != "" {
		cached, ok, err := e.cache.Get(ctx, key)
		if err != nil {
			e.logger.Warn(ctx, "tool cache read failed", "tool", desc.Ident(), "err", err)
		} else if ok {
			return cached.AsCached(id)
		}
	}

	var creds map[string]string
	if desc.RequiresCredentials {
		if e.secrets == nil {
			return fail(toolerrors.Errorf(toolerrors.CodeAuthRequired, "%s requires credentials and no resolver is configured", desc.Name))
		}
		r, err := e.secrets.Resolve(ctx, desc.Name, req.Tenant)
		if err != nil {
			return fail(toolerrors.NewWithCause(toolerrors.CodeAuthRequired, fmt.Sprintf("no credentials for %s", desc.Name), err))
		}
		creds = r.Credentials
		e.logger.Debug(ctx, "credentials resolved", "tool", desc.Name, "scope", string(r.Scope))
	}

	if lim := e.limiters[desc.Name]; lim != nil {
		r := lim.Reserve()
		if d := r.Delay(); !r.OK() || d > 0 {
			r.Cancel()
			return fail(toolerrors.RateLimited(fmt.Sprintf("%s rate limit exceeded", desc.Name), d))
		}
	}

	h, ok := e.handler(desc)
	if !ok {
		return fail(toolerrors.Errorf(toolerrors.CodeUnknown, "no handler registered for %s", desc.Ident()))
	}

	timeout := e.defaultTimeout
	if desc.Timeout > 0 {
		timeout = desc.Timeout
	}
	inv := tools.Invocation{RunID: req.RunID, CallID: id, Call: call, Descriptor: desc, Credentials: creds}
	value, terr := invoke(ctx, h, inv, timeout)
	if terr != nil {
		return fail(terr)
	}

	output, err := marshalOutput(value)
	if err != nil {
		return fail(toolerrors.NewWithCause(toolerrors.CodeUnknown, fmt.Sprintf("encode %s output", desc.Name), err))
	}
	env := tools.NewSuccess(call, id, output, start, time.Time{})
	if len(output) > e.maxOutput {
		if env, err = e.truncate(ctx, env); err != nil {
			return fail(toolerrors.NewWithCause(toolerrors.CodeUnknown, "store oversized output", err))
		}
	}
	env.TEnd = e.now()

	if key != "" {
		if err := e.cache.Put(ctx, key, env, cacheTTL(desc)); err != nil {
			e.logger.Warn(ctx, "tool cache write failed", "tool", desc.Ident(), "err", err)
		}
	}
	return env
}

// invoke calls h under a deadline. The handler runs in its own goroutine so
// an uncooperative handler is abandoned once the deadline passes.
func invoke(ctx context.Context, h tools.Handler, inv tools.Invocation, timeout time.Duration) (any, *toolerrors.ToolError) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("tool panicked: %v", p)}
			}
		}()
		v, err := h.Invoke(callCtx, inv)
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				return nil, timeoutError(inv.Descriptor.Name, timeout)
			}
			return nil, Classify(r.err)
		}
		return r.value, nil
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, toolerrors.NewWithCause(toolerrors.CodeUnknown, "call cancelled", err)
		}
		return nil, timeoutError(inv.Descriptor.Name, timeout)
	}
}

func timeoutError(name string, timeout time.Duration) *toolerrors.ToolError {
	return toolerrors.Errorf(toolerrors.CodeTimeout, "%s did not complete within %s", name, timeout)
}

func resolve(r toolregistry.Resolver, call tools.Call) (toolregistry.Resolution, *toolerrors.ToolError) {
	if r == nil {
		return toolregistry.Resolution{}, toolerrors.Errorf(toolerrors.CodeValidation, "unknown tool %q", call.Name)
	}
	res, err := r.Resolve(call.Name, call.Version)
	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, toolregistry.ErrBlocked):
		return res, toolerrors.Denied("tool_blocked", err.Error())
	default:
		return res, toolerrors.NewWithCause(toolerrors.CodeValidation, fmt.Sprintf("unknown tool %q", call.Name), err)
	}
}

func (e *Executor) cacheKey(runID, id string, call tools.Call, desc tools.Descriptor) string {
	if e.cache == nil || !desc.CachePolicy.Cacheable() {
		return ""
	}
	if e.cacheScope == CacheScopeGlobal && desc.SideEffects == tools.SideEffectsNone {
		if key, err := callid.ContentKey(call.Name, desc.Version, call.Input); err == nil {
			return key
		}
	}
	return runID + "/" + id
}

func cacheTTL(desc tools.Descriptor) time.Duration {
	if desc.CachePolicy == tools.CacheTTL && desc.TTL > 0 {
		return desc.TTL
	}
	return toolcache.Forever
}

func (e *Executor) record(ctx context.Context, span telemetry.Span, runID string, env tools.Envelope) {
	d := env.TEnd.Sub(env.TStart)
	tags := []string{"tool", env.Name}
	e.metrics.IncCounter(telemetry.MetricToolCalls, 1, tags...)
	e.metrics.RecordTimer(telemetry.MetricToolDuration, d, tags...)
	span.SetAttributes(telemetry.AttrToolCached, env.Cached)
	if env.Error != nil {
		code := string(env.Error.Code)
		e.metrics.IncCounter(telemetry.MetricToolErrors, 1, "tool", env.Name, "code", code)
		span.SetAttributes(telemetry.AttrToolErrorCode, code)
		span.SetStatus(codes.Error, env.Error.Message)
		e.logger.Info(ctx, "tool call failed", "run_id", runID, "call_id", env.CallID, "tool", env.Name, "code", code, "msg", env.Error.Message)
	} else {
		span.SetStatus(codes.Ok, "")
		e.logger.Debug(ctx, "tool call succeeded", "run_id", runID, "call_id", env.CallID, "tool", env.Name, "cached", env.Cached, "truncated", env.Truncated)
	}
	e.publish(ctx, hooks.NewToolCallCompletedEvent(runID, env, d))
}

func (e *Executor) publish(ctx context.Context, evt hooks.Event) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, evt); err != nil {
		e.logger.Warn(ctx, "publish tool event failed", "event", string(evt.Type()), "err", err)
	}
}
