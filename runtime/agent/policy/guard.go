package policy

import (
	"fmt"

	"goa.design/agentcore/runtime/agent/toolerrors"
	"goa.design/agentcore/runtime/agent/tools"
)

// Reason identifies the check that denied an action. It is recorded as the
// POLICY_DENIED sub-reason.
type Reason string

const (
	// ReasonIterationCap denies a proposal once the iteration cap is reached.
	ReasonIterationCap Reason = "max_iterations"
	// ReasonToolNotEnabled denies calls to tools outside the allow-list.
	ReasonToolNotEnabled Reason = "tool_not_enabled"
	// ReasonToolCallCap denies calls once the tool call cap is reached.
	ReasonToolCallCap Reason = "max_tool_calls"
	// ReasonSideEffects denies calls to tools whose side-effect class is not
	// allowed.
	ReasonSideEffects Reason = "side_effects_not_allowed"
	// ReasonBudget denies calls whose estimated cost exceeds the budget.
	ReasonBudget Reason = "budget_exceeded"
	// ReasonToolBlocked denies calls to tools whose only versions are
	// blocked in the registry.
	ReasonToolBlocked Reason = "tool_blocked"
)

// Decision is the guard verdict. The zero value denies with no reason; use
// Allow to build an allowing decision.
type Decision struct {
	Allowed bool
	Reason  Reason
	Message string
}

// Allow is the allowing decision.
func Allow() Decision {
	return Decision{Allowed: true}
}

func deny(reason Reason, format string, args ...any) Decision {
	return Decision{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// ToolError converts a denial into the POLICY_DENIED error carried by the
// envelope. It returns nil for allowing decisions.
func (d Decision) ToolError() *toolerrors.ToolError {
	if d.Allowed {
		return nil
	}
	return toolerrors.Denied(string(d.Reason), d.Message)
}

// CheckIteration evaluates the iteration cap. The loop calls it once per
// iteration before invoking the model so a denied iteration costs nothing.
func CheckIteration(p RunPolicy, c RunCounters) Decision {
	if c.IterationsCompleted >= p.MaxIterations {
		return deny(ReasonIterationCap, "iteration cap of %d reached", p.MaxIterations)
	}
	return Allow()
}

// CheckCall evaluates the per-call checks in order: allow-list, tool call cap,
// side-effect allowance, budget. The first failing check wins. desc may be nil
// when the tool could not be resolved; descriptor-dependent checks are then
// skipped and the caller reports the resolution failure.
func CheckCall(p RunPolicy, c RunCounters, call tools.Call, desc *tools.Descriptor) Decision {
	if !p.Enabled(call.Name) {
		return deny(ReasonToolNotEnabled, "tool %q is not enabled for this run", call.Name)
	}
	if c.ToolCallsIssued >= p.MaxToolCalls {
		return deny(ReasonToolCallCap, "tool call cap of %d reached", p.MaxToolCalls)
	}
	if desc == nil {
		return Allow()
	}
	if !p.Allows(desc.SideEffects) {
		return deny(ReasonSideEffects, "tool %q has side effects %q which this run does not allow", call.Name, desc.SideEffects)
	}
	if p.MaxBudget != nil {
		cost := EstimatedCost(desc)
		if c.BudgetAccrued+cost > *p.MaxBudget {
			return deny(ReasonBudget, "call cost %.4g would exceed budget %.4g (accrued %.4g)", cost, *p.MaxBudget, c.BudgetAccrued)
		}
	}
	return Allow()
}

// EstimatedCost returns the cost charged for one call of the tool.
func EstimatedCost(desc *tools.Descriptor) float64 {
	if desc == nil {
		return 0
	}
	return desc.Cost
}

// Exhausted reports whether the run must stop after integrating a turn because
// the iteration or tool call cap has been reached or the budget exceeded. A
// budget spent exactly to its ceiling still lets the model answer.
func Exhausted(p RunPolicy, c RunCounters) (Reason, bool) {
	if c.IterationsCompleted >= p.MaxIterations {
		return ReasonIterationCap, true
	}
	if c.ToolCallsIssued >= p.MaxToolCalls {
		return ReasonToolCallCap, true
	}
	if p.MaxBudget != nil && c.BudgetAccrued > *p.MaxBudget {
		return ReasonBudget, true
	}
	return "", false
}
