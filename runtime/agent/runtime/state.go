package runtime

// State is a step of the per-run state machine:
//
//	Init -> Proposing -> Guarding -> Executing -> Integrating -> (Proposing | Terminating) -> Terminated
//
// Proposing goes straight to Terminating when the iteration cap denies the
// next proposal. Run-level failures and cancellation also reach Terminating
// from any working state.
type State string

const (
	StateInit        State = "init"
	StateProposing   State = "proposing"
	StateGuarding    State = "guarding"
	StateExecuting   State = "executing"
	StateIntegrating State = "integrating"
	StateTerminating State = "terminating"
	StateTerminated  State = "terminated"
)

// StopFinalResponse is the stop reason of a run whose model answered without
// proposing calls. Forced stops report the policy reason instead.
const StopFinalResponse = "final_response"

var transitions = map[State][]State{
	StateInit:        {StateProposing, StateTerminating},
	StateProposing:   {StateGuarding, StateTerminating},
	StateGuarding:    {StateExecuting, StateTerminating},
	StateExecuting:   {StateIntegrating, StateTerminating},
	StateIntegrating: {StateProposing, StateTerminating},
	StateTerminating: {StateTerminated},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
