package policy

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/agentcore/runtime/agent/toolerrors"
	"goa.design/agentcore/runtime/agent/tools"
)

func echoPolicy() RunPolicy {
	p := Default()
	p.EnabledTools = []string{"echo", "write"}
	return p
}

func descWith(se tools.SideEffects, cost float64) *tools.Descriptor {
	return &tools.Descriptor{Name: "echo", Version: "1.0.0", SideEffects: se, Cost: cost}
}

func TestCheckIteration(t *testing.T) {
	p := echoPolicy()
	p.MaxIterations = 0
	d := CheckIteration(p, RunCounters{})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonIterationCap, d.Reason)

	p.MaxIterations = 2
	assert.True(t, CheckIteration(p, RunCounters{IterationsCompleted: 1}).Allowed)
	assert.False(t, CheckIteration(p, RunCounters{IterationsCompleted: 2}).Allowed)
}

func TestCheckCallOrder(t *testing.T) {
	p := echoPolicy()
	p.MaxToolCalls = 1
	p.SideEffectAllowance = []tools.SideEffects{tools.SideEffectsNone}
	p.MaxBudget = Budget(1)

	cases := []struct {
		name     string
		call     tools.Call
		counters RunCounters
		desc     *tools.Descriptor
		want     Reason
	}{
		{
			name:     "not_enabled_wins_over_everything",
			call:     tools.Call{Name: "rm"},
			counters: RunCounters{ToolCallsIssued: 5, BudgetAccrued: 10},
			desc:     descWith(tools.SideEffectsWrites, 5),
			want:     ReasonToolNotEnabled,
		},
		{
			name:     "tool_cap_before_side_effects",
			call:     tools.Call{Name: "write"},
			counters: RunCounters{ToolCallsIssued: 1},
			desc:     descWith(tools.SideEffectsWrites, 5),
			want:     ReasonToolCallCap,
		},
		{
			name: "side_effects_before_budget",
			call: tools.Call{Name: "write"},
			desc: descWith(tools.SideEffectsWrites, 5),
			want: ReasonSideEffects,
		},
		{
			name:     "budget",
			call:     tools.Call{Name: "echo"},
			counters: RunCounters{BudgetAccrued: 0.75},
			desc:     descWith(tools.SideEffectsNone, 0.5),
			want:     ReasonBudget,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := CheckCall(p, tc.counters, tc.call, tc.desc)
			require.False(t, d.Allowed)
			assert.Equal(t, tc.want, d.Reason)
			te := d.ToolError()
			require.NotNil(t, te)
			assert.Equal(t, toolerrors.CodePolicyDenied, te.Code)
			assert.Equal(t, string(tc.want), te.Reason())
		})
	}
}

func TestCheckCallAllows(t *testing.T) {
	p := echoPolicy()
	d := CheckCall(p, RunCounters{}, tools.Call{Name: "echo"}, descWith(tools.SideEffectsReads, 1))
	assert.True(t, d.Allowed)
	assert.Nil(t, d.ToolError())

	// Budget equal to the ceiling is still allowed.
	p.MaxBudget = Budget(1)
	assert.True(t, CheckCall(p, RunCounters{BudgetAccrued: 0.5}, tools.Call{Name: "echo"}, descWith(tools.SideEffectsNone, 0.5)).Allowed)

	// Unresolved descriptors skip descriptor checks.
	assert.True(t, CheckCall(p, RunCounters{}, tools.Call{Name: "echo"}, nil).Allowed)
}

func TestExhausted(t *testing.T) {
	p := echoPolicy()
	p.MaxIterations = 3
	p.MaxToolCalls = 2
	_, done := Exhausted(p, RunCounters{IterationsCompleted: 1, ToolCallsIssued: 1})
	assert.False(t, done)

	r, done := Exhausted(p, RunCounters{IterationsCompleted: 1, ToolCallsIssued: 2})
	assert.True(t, done)
	assert.Equal(t, ReasonToolCallCap, r)

	p.MaxBudget = Budget(2)
	_, done = Exhausted(p, RunCounters{BudgetAccrued: 2})
	assert.False(t, done, "budget spent to the ceiling is not exceeded")
	r, done = Exhausted(p, RunCounters{BudgetAccrued: 2.5})
	assert.True(t, done)
	assert.Equal(t, ReasonBudget, r)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Default().Validate())

	p := Default()
	p.MaxIterations = -1
	assert.Error(t, p.Validate())

	p = Default()
	p.SideEffectAllowance = nil
	assert.Error(t, p.Validate())

	p = Default()
	p.SideEffectAllowance = []tools.SideEffects{"explodes"}
	assert.Error(t, p.Validate())

	p = Default()
	p.MaxBudget = Budget(-3)
	assert.Error(t, p.Validate())

	p = Default()
	p.EnabledTools = []string{""}
	assert.Error(t, p.Validate())
}

func TestLoad(t *testing.T) {
	p, err := Load(strings.NewReader("enabled_tools: [echo]\nmax_iterations: 3\nmax_budget: 1.5\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"echo"}, p.EnabledTools)
	assert.Equal(t, 3, p.MaxIterations)
	assert.Equal(t, DefaultMaxToolCalls, p.MaxToolCalls)
	require.NotNil(t, p.MaxBudget)
	assert.Equal(t, 1.5, *p.MaxBudget)
	assert.Equal(t, tools.AllSideEffects(), p.SideEffectAllowance)

	_, err = Load(strings.NewReader("max_tool_calls: -2\n"))
	assert.Error(t, err)

	p, err = Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), p)
}

// TestGuardIsPure verifies that CheckCall depends only on its inputs.
func TestGuardIsPure(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("repeated evaluation yields the same decision", prop.ForAll(
		func(issued, maxCalls int, accrued, cost float64, pick int) bool {
			name := []string{"echo", "write", "other"}[pick]
			p := echoPolicy()
			p.MaxToolCalls = maxCalls
			p.MaxBudget = Budget(10)
			c := RunCounters{ToolCallsIssued: issued, BudgetAccrued: accrued}
			call := tools.Call{Name: name}
			d := descWith(tools.SideEffectsReads, cost)
			first := CheckCall(p, c, call, d)
			second := CheckCall(p, c, call, d)
			return first == second
		},
		gen.IntRange(0, 50),
		gen.IntRange(0, 50),
		gen.Float64Range(0, 20),
		gen.Float64Range(0, 5),
		gen.IntRange(0, 2),
	))

	properties.Property("counters at or above the call cap always deny", prop.ForAll(
		func(maxCalls, extra int) bool {
			p := echoPolicy()
			p.MaxToolCalls = maxCalls
			d := CheckCall(p, RunCounters{ToolCallsIssued: maxCalls + extra}, tools.Call{Name: "echo"}, descWith(tools.SideEffectsNone, 0))
			return !d.Allowed && d.Reason == ReasonToolCallCap
		},
		gen.IntRange(0, 50),
		gen.IntRange(0, 50),
	))

	properties.TestingRun(t)
}
