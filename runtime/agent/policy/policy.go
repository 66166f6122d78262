// Package policy implements the run policy guard.
//
// The guard is a set of pure functions over a RunPolicy, the run counters, and
// the proposed action. They hold no state, so the same inputs always produce
// the same Decision.
package policy

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"goa.design/agentcore/runtime/agent/tools"
)

// Defaults applied by Default.
const (
	DefaultMaxIterations = 10
	DefaultMaxToolCalls  = 25
)

type (
	// RunPolicy is supplied at run start and is immutable for the run.
	RunPolicy struct {
		// EnabledTools is the strict allow-list of tool names.
		EnabledTools []string `yaml:"enabled_tools" json:"enabled_tools"`
		// MaxIterations caps model proposals.
		MaxIterations int `yaml:"max_iterations" json:"max_iterations"`
		// MaxToolCalls caps allowed tool calls.
		MaxToolCalls int `yaml:"max_tool_calls" json:"max_tool_calls"`
		// MaxBudget is the optional ceiling on accrued cost.
		MaxBudget *float64 `yaml:"max_budget" json:"max_budget,omitempty"`
		// SideEffectAllowance lists the side-effect classes tools may declare.
		SideEffectAllowance []tools.SideEffects `yaml:"side_effect_allowance" json:"side_effect_allowance"`
	}

	// RunCounters is the mutable run state read by the guard. It is owned by a
	// single run and never shared.
	RunCounters struct {
		IterationsCompleted int     `json:"iterations_completed"`
		ToolCallsIssued     int     `json:"tool_calls_issued"`
		BudgetAccrued       float64 `json:"budget_accrued"`
	}
)

// Default returns a policy with the default caps, no budget, every side-effect
// class allowed, and no enabled tools.
func Default() RunPolicy {
	return RunPolicy{
		MaxIterations:       DefaultMaxIterations,
		MaxToolCalls:        DefaultMaxToolCalls,
		SideEffectAllowance: tools.AllSideEffects(),
	}
}

// Budget returns a pointer to v for use as RunPolicy.MaxBudget.
func Budget(v float64) *float64 {
	return &v
}

// Validate reports malformed policies.
func (p RunPolicy) Validate() error {
	var errs []error
	if p.MaxIterations < 0 {
		errs = append(errs, errors.New("max_iterations must not be negative"))
	}
	if p.MaxToolCalls < 0 {
		errs = append(errs, errors.New("max_tool_calls must not be negative"))
	}
	if p.MaxBudget != nil && *p.MaxBudget < 0 {
		errs = append(errs, errors.New("max_budget must not be negative"))
	}
	if len(p.SideEffectAllowance) == 0 {
		errs = append(errs, errors.New("side_effect_allowance must list at least one class"))
	}
	for _, se := range p.SideEffectAllowance {
		if !se.Valid() {
			errs = append(errs, fmt.Errorf("unknown side effect class %q", se))
		}
	}
	for _, name := range p.EnabledTools {
		if name == "" {
			errs = append(errs, errors.New("enabled_tools contains an empty name"))
			break
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("policy: %w", errors.Join(errs...))
}

// Enabled reports whether name is in the allow-list.
func (p RunPolicy) Enabled(name string) bool {
	for _, n := range p.EnabledTools {
		if n == name {
			return true
		}
	}
	return false
}

// Allows reports whether the side-effect class is allowed.
func (p RunPolicy) Allows(se tools.SideEffects) bool {
	for _, a := range p.SideEffectAllowance {
		if a == se {
			return true
		}
	}
	return false
}

// LoadFile reads a policy from a YAML file. Keys that are absent keep their
// Default values.
func LoadFile(path string) (RunPolicy, error) {
	f, err := os.Open(path)
	if err != nil {
		return RunPolicy{}, fmt.Errorf("policy: open: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Load(f)
}

// Load reads a policy from YAML on top of Default.
func Load(r io.Reader) (RunPolicy, error) {
	p := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return RunPolicy{}, fmt.Errorf("policy: decode: %w", err)
	}
	if err := p.Validate(); err != nil {
		return RunPolicy{}, err
	}
	return p, nil
}
