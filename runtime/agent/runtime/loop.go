package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/codes"

	"goa.design/agentcore/runtime/agent/executor"
	"goa.design/agentcore/runtime/agent/hooks"
	"goa.design/agentcore/runtime/agent/model"
	"goa.design/agentcore/runtime/agent/policy"
	"goa.design/agentcore/runtime/agent/retry"
	"goa.design/agentcore/runtime/agent/run"
	"goa.design/agentcore/runtime/agent/telemetry"
	"goa.design/agentcore/runtime/agent/toolerrors"
	"goa.design/agentcore/runtime/agent/toolregistry"
	"goa.design/agentcore/runtime/agent/tools"
)

type (
	// runState is the state of one run. It is confined to the goroutine
	// calling Run.
	runState struct {
		rt    *Runtime
		in    RunInput
		runID string

		snap     *toolregistry.Snapshot
		defs     []*model.ToolDefinition
		messages []*model.Message
		counters policy.RunCounters
		usage    model.TokenUsage
		out      *outputsBuilder
		// sequence numbers proposed calls across the whole run.
		sequence int
		stop     string

		// answerSchema validates final answers when the run asks for
		// structured output.
		answerSchema *jsonschema.Schema

		state     State
		stateSpan telemetry.Span
		started   time.Time
	}

	// plannedCall is a proposed call after guarding.
	plannedCall struct {
		call   tools.Call
		id     string
		desc   *tools.Descriptor
		denied *toolerrors.ToolError
	}
)

var emptyObject = json.RawMessage(`{}`)

func newRunState(rt *Runtime, runID string, in RunInput) *runState {
	return &runState{
		rt:      rt,
		in:      in,
		runID:   runID,
		out:     newOutputsBuilder(),
		state:   StateInit,
		started: time.Now(),
	}
}

func (s *runState) execute(ctx context.Context) (*RunResult, error) {
	defer s.endStateSpan()
	if err := s.init(ctx); err != nil {
		return nil, s.fail(ctx, KindInvalidPolicy, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, s.cancel(ctx, err)
		}
		sctx := s.enter(ctx, StateProposing)
		if d := policy.CheckIteration(s.in.Policy, s.counters); !d.Allowed {
			s.rt.opts.Logger.Info(sctx, "iteration cap reached", "run_id", s.runID, "max_iterations", s.in.Policy.MaxIterations)
			s.stop = string(d.Reason)
			break
		}
		s.counters.IterationsCompleted++
		iteration := s.counters.IterationsCompleted
		resp, err := s.propose(sctx, iteration)
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return nil, s.cancel(ctx, cerr)
			}
			return nil, s.fail(ctx, KindProposalFailed, err)
		}

		sctx = s.enter(ctx, StateGuarding)
		plan := s.guard(sctx, resp.ToolCalls)

		sctx = s.enter(ctx, StateExecuting)
		envs := s.executePlan(sctx, plan)
		if err := ctx.Err(); err != nil {
			return nil, s.cancel(ctx, err)
		}

		sctx = s.enter(ctx, StateIntegrating)
		s.integrate(sctx, resp, plan, envs)

		if len(resp.ToolCalls) == 0 && s.accept(sctx, resp) {
			s.stop = StopFinalResponse
			break
		}
		if reason, done := policy.Exhausted(s.in.Policy, s.counters); done {
			s.rt.opts.Logger.Info(sctx, "run limits reached", "run_id", s.runID, "reason", string(reason))
			s.stop = string(reason)
			break
		}
	}
	return s.terminate(ctx)
}

// init validates the input and seeds the conversation and tool schemas.
func (s *runState) init(ctx context.Context) error {
	s.stateSpan = s.startStateSpan(ctx, StateInit)
	if err := s.in.Policy.Validate(); err != nil {
		return err
	}
	if f := s.in.ResponseFormat; f != nil {
		schema, err := compileResponseFormat(f)
		if err != nil {
			return fmt.Errorf("runtime: response format: %w", err)
		}
		s.answerSchema = schema
	}
	if s.in.Prompt == "" && len(s.in.History) == 0 {
		return errors.New("runtime: prompt or history is required")
	}
	s.snap = s.rt.opts.Registry.Snapshot()
	s.messages = slices.Clone(s.in.History)
	if s.in.Prompt != "" {
		s.messages = append(s.messages, model.NewTextMessage(model.RoleUser, s.in.Prompt))
	}

	var idents []string
	for _, name := range s.in.Policy.EnabledTools {
		res, err := s.snap.Resolve(name, "")
		if err != nil {
			s.rt.opts.Logger.Warn(ctx, "enabled tool unavailable", "run_id", s.runID, "tool", name, "err", err)
			continue
		}
		d := res.Descriptor
		s.defs = append(s.defs, &model.ToolDefinition{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema})
		idents = append(idents, d.Ident())
	}

	s.rt.opts.Logger.Info(ctx, "run started", "run_id", s.runID, "model", s.in.Model, "tools", len(s.defs))
	s.publish(ctx, hooks.NewRunStartedEvent(s.runID, s.in.Policy, idents, s.in.Model, s.runID))
	return nil
}

// propose asks the model for the next step, retrying transient failures.
func (s *runState) propose(ctx context.Context, iteration int) (*model.Response, error) {
	req := &model.Request{
		Model:       s.in.Model,
		System:      s.in.System,
		Messages:    slices.Clone(s.messages),
		Tools:       s.defs,
		MaxTokens:      s.in.MaxTokens,
		Temperature:    s.in.Temperature,
		ResponseFormat: s.in.ResponseFormat,
	}
	cfg := s.rt.opts.Retry
	cfg.OnRetry = func(attempt int, err error, backoff time.Duration) {
		s.rt.opts.Logger.Warn(ctx, "model proposal failed, retrying", "run_id", s.runID, "attempt", attempt, "backoff", backoff, "err", err)
		s.publish(ctx, hooks.NewModelRetryEvent(s.runID, iteration, attempt, err, backoff))
	}

	var resp *model.Response
	start := time.Now()
	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		actx, cancel := context.WithTimeout(ctx, s.rt.opts.ProposeTimeout)
		defer cancel()
		r, err := s.callModel(actx, req, iteration)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	s.rt.opts.Metrics.RecordTimer(telemetry.MetricModelDuration, time.Since(start), "model", s.in.Model)
	s.rt.opts.Metrics.IncCounter(telemetry.MetricRunIterations, 1)
	if err != nil {
		return nil, err
	}

	s.usage.Add(resp.Usage)
	if p := s.rt.opts.Pricing; p != nil && s.in.Model != "" {
		if m, err := p.Lookup(s.in.Model); err == nil {
			s.counters.BudgetAccrued += m.Cost(resp.Usage)
		}
	}
	s.publish(ctx, hooks.NewAssistantMessageEvent(s.runID, iteration, resp.Text, len(resp.ToolCalls), resp.Usage.InputTokens, resp.Usage.OutputTokens))
	return resp, nil
}

// callModel streams when the client supports it so fragments reach the hooks
// bus, and falls back to Complete otherwise.
func (s *runState) callModel(ctx context.Context, req *model.Request, iteration int) (*model.Response, error) {
	if !s.rt.opts.DisableStreaming {
		st, err := s.rt.opts.Model.Stream(ctx, req)
		switch {
		case err == nil:
			return model.Accumulate(st, func(text string) {
				s.publish(ctx, hooks.NewAssistantFragmentEvent(s.runID, iteration, text))
			})
		case !errors.Is(err, model.ErrStreamingUnsupported):
			return nil, err
		}
	}
	return s.rt.opts.Model.Complete(ctx, req)
}

// guard turns proposed calls into planned calls and evaluates the policy for
// each. Calls allowed earlier in the batch count against the caps of later
// ones.
func (s *runState) guard(ctx context.Context, proposed []model.ToolCall) []plannedCall {
	pending := s.counters
	plan := make([]plannedCall, 0, len(proposed))
	for _, tc := range proposed {
		call := tools.Call{Name: tc.Name, Input: tc.Input, Sequence: s.sequence, ProviderID: tc.ID}
		s.sequence++
		if len(call.Input) == 0 {
			call.Input = emptyObject
		}
		var desc *tools.Descriptor
		res, rerr := s.snap.Resolve(tc.Name, "")
		if rerr == nil {
			d := res.Descriptor
			desc = &d
			call.Version = d.Version
		}
		pc := plannedCall{call: call, id: executor.CallID(call), desc: desc}
		d := policy.CheckCall(s.in.Policy, pending, call, desc)
		if d.Allowed && errors.Is(rerr, toolregistry.ErrBlocked) {
			d = policy.Decision{Reason: policy.ReasonToolBlocked, Message: rerr.Error()}
		}
		if !d.Allowed {
			pc.denied = d.ToolError()
			s.rt.opts.Logger.Info(ctx, "tool call denied", "run_id", s.runID, "tool", call.Name, "reason", string(d.Reason))
			s.publish(ctx, hooks.NewToolCallDeniedEvent(s.runID, pc.id, call, pc.denied))
		} else {
			pending.ToolCallsIssued++
			pending.BudgetAccrued += policy.EstimatedCost(desc)
		}
		plan = append(plan, pc)
	}
	return plan
}

// executePlan runs the allowed calls as one batch and synthesizes envelopes
// for denied ones. Envelopes are returned in proposal order.
func (s *runState) executePlan(ctx context.Context, plan []plannedCall) []tools.Envelope {
	var allowed []tools.Call
	for _, pc := range plan {
		if pc.denied == nil {
			allowed = append(allowed, pc.call)
		}
	}
	var executed []tools.Envelope
	if len(allowed) > 0 {
		executed = s.rt.opts.Executor.ExecuteBatch(ctx, executor.BatchRequest{
			RunID:  s.runID,
			Tenant: s.in.Tenant,
			Tools:  s.snap,
			Calls:  allowed,
		})
	}
	envs := make([]tools.Envelope, len(plan))
	next := 0
	for i, pc := range plan {
		if pc.denied != nil {
			now := time.Now()
			envs[i] = tools.NewFailure(pc.call, pc.id, pc.denied, now, now)
			continue
		}
		envs[i] = executed[next]
		next++
	}
	return envs
}

// integrate records the envelopes, updates the counters, and extends the
// conversation with the assistant turn and the tool results.
func (s *runState) integrate(ctx context.Context, resp *model.Response, plan []plannedCall, envs []tools.Envelope) {
	text := answerText(resp)
	s.out.setText(text)

	var assistant []model.Part
	if text != "" {
		assistant = append(assistant, model.TextPart{Text: text})
	}
	results := make([]model.Part, 0, len(envs))
	for i, env := range envs {
		if err := s.out.add(env); err != nil {
			s.rt.opts.Logger.Error(ctx, "envelope not recorded", "run_id", s.runID, "err", err)
			continue
		}
		pc := plan[i]
		if pc.denied == nil {
			s.counters.ToolCallsIssued++
			s.counters.BudgetAccrued += policy.EstimatedCost(pc.desc)
		}
		assistant = append(assistant, model.ToolUsePart{ID: env.CallID, Name: pc.call.Name, Input: pc.call.Input})
		results = append(results, model.ToolResultPart{ToolUseID: env.CallID, Content: resultContent(env), IsError: env.Error != nil})
	}
	if len(assistant) > 0 {
		s.messages = append(s.messages, &model.Message{Role: model.RoleAssistant, Parts: assistant})
	}
	if len(results) > 0 {
		s.messages = append(s.messages, &model.Message{Role: model.RoleUser, Parts: results})
	}
}

// accept reports whether a turn without tool calls ends the run. Runs asking
// for structured output only accept answers matching the response schema;
// other answers are sent back to the model with the validation error.
func (s *runState) accept(ctx context.Context, resp *model.Response) bool {
	if s.answerSchema == nil {
		return true
	}
	doc, err := checkAnswer(s.answerSchema, answerText(resp))
	if err != nil {
		s.rt.opts.Logger.Warn(ctx, "structured answer rejected", "run_id", s.runID, "err", err)
		s.messages = append(s.messages, model.NewTextMessage(model.RoleUser, correction(err)))
		return false
	}
	s.out.setStructured(doc)
	return true
}

// resultContent is what the model sees of an envelope: the output on success,
// the structured error on failure. Truncated outputs also carry the
// attachments pointing to the full payload.
func resultContent(env tools.Envelope) json.RawMessage {
	var v any
	switch {
	case env.Error != nil:
		v = map[string]any{"error": env.Error}
	case env.Truncated:
		v = map[string]any{"output": env.Output, "truncated": true, "attachments": env.Attachments}
	default:
		return env.Output
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf(`{"error":{"code":%q,"message":%q}}`, toolerrors.CodeUnknown, err.Error()))
	}
	return data
}

func (s *runState) terminate(ctx context.Context) (*RunResult, error) {
	s.enter(ctx, StateTerminating)
	var tracesURL string
	if t := s.rt.opts.Traces; t != nil {
		tracesURL = t.TracesURL(s.runID)
	}
	res := &RunResult{
		RunID:    s.runID,
		Outputs:  s.out.build(tracesURL),
		Counters: s.counters,
		Stop:     s.stop,
		Usage:    s.usage,
	}
	s.enter(ctx, StateTerminated)
	s.rt.opts.Logger.Info(ctx, "run completed", "run_id", s.runID, "stop", s.stop,
		"iterations", s.counters.IterationsCompleted, "tool_calls", s.counters.ToolCallsIssued)
	s.publish(ctx, hooks.NewRunCompletedEvent(s.runID, s.stop, s.counters))
	if err := s.persist(ctx, run.StatusCompleted, nil); err != nil {
		return res, newRunError(KindPersistence, s.runID, s.counters.IterationsCompleted, err)
	}
	return res, nil
}

// fail ends the run with a run-level failure and persists what it produced.
func (s *runState) fail(ctx context.Context, kind ErrorKind, cause error) error {
	rerr := newRunError(kind, s.runID, s.counters.IterationsCompleted, cause)
	if s.stateSpan != nil {
		s.stateSpan.SetStatus(codes.Error, cause.Error())
	}
	s.enter(ctx, StateTerminating)
	s.enter(ctx, StateTerminated)
	s.rt.opts.Logger.Error(ctx, "run failed", "run_id", s.runID, "kind", string(kind), "err", cause)
	s.publish(ctx, hooks.NewRunFailedEvent(s.runID, string(kind), cause))
	if kind != KindInvalidPolicy {
		_ = s.persist(ctx, run.StatusFailed, rerr)
	}
	return rerr
}

// cancel ends a run whose context was cancelled. Events and the partial
// bundle are written on a context detached from the cancelled one.
func (s *runState) cancel(ctx context.Context, cause error) error {
	dctx := context.WithoutCancel(ctx)
	rerr := newRunError(KindCancelled, s.runID, s.counters.IterationsCompleted, cause)
	s.enter(dctx, StateTerminating)
	s.enter(dctx, StateTerminated)
	s.rt.opts.Logger.Info(dctx, "run cancelled", "run_id", s.runID, "err", cause)
	s.publish(dctx, hooks.NewRunCancelledEvent(s.runID, cause))
	_ = s.persist(dctx, run.StatusCancelled, rerr)
	return rerr
}

func (s *runState) persist(ctx context.Context, status run.Status, runErr error) error {
	store := s.rt.opts.RunStore
	if store == nil {
		return nil
	}
	b := &run.Bundle{
		RunID:     s.runID,
		Status:    status,
		Model:     s.in.Model,
		System:    s.in.System,
		Prompt:    s.in.Prompt,
		Messages:  s.messages,
		Tools:     s.defs,
		Policy:    s.in.Policy,
		Counters:  s.counters,
		Envelopes: s.out.envelopes(),
		Response:  s.out.text,
		Stop:      s.stop,
		Usage:     s.usage,
		StartedAt: s.started,
		EndedAt:   time.Now(),

		ResponseFormat: s.in.ResponseFormat,
		Structured:     s.out.doc,
	}
	if runErr != nil {
		b.Error = runErr.Error()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.rt.opts.PersistTimeout)
	defer cancel()
	if err := store.Save(ctx, b); err != nil {
		s.rt.opts.Logger.Error(ctx, "replay bundle not saved", "run_id", s.runID, "err", err)
		return err
	}
	return nil
}

// enter moves the state machine to next, publishes the transition, and
// returns a context carrying the span of the new state.
func (s *runState) enter(ctx context.Context, next State) context.Context {
	prev := s.state
	if !CanTransition(prev, next) {
		s.rt.opts.Logger.Error(ctx, "unexpected state transition", "run_id", s.runID, "from", string(prev), "to", string(next))
	}
	s.state = next
	s.endStateSpan()
	s.publish(ctx, hooks.NewStateChangedEvent(s.runID, string(prev), string(next), s.counters.IterationsCompleted))
	if next == StateTerminated {
		return ctx
	}
	sctx, span := s.rt.opts.Tracer.Start(ctx, "agent.state."+string(next))
	span.SetAttributes(telemetry.AttrRunID, s.runID)
	s.stateSpan = span
	return sctx
}

func (s *runState) startStateSpan(ctx context.Context, st State) telemetry.Span {
	_, span := s.rt.opts.Tracer.Start(ctx, "agent.state."+string(st))
	span.SetAttributes(telemetry.AttrRunID, s.runID)
	return span
}

func (s *runState) endStateSpan() {
	if s.stateSpan != nil {
		s.stateSpan.End()
		s.stateSpan = nil
	}
}

func (s *runState) publish(ctx context.Context, evt hooks.Event) {
	bus := s.rt.opts.Hooks
	if bus == nil {
		return
	}
	if err := bus.Publish(ctx, evt); err != nil {
		s.rt.opts.Logger.Warn(ctx, "publish run event failed", "run_id", s.runID, "event", string(evt.Type()), "err", err)
	}
}
