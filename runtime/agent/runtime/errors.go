package runtime

import (
	"errors"
	"fmt"
)

// ErrorKind classifies run-level failures. They are distinct from tool
// failures, which are carried as data in envelopes and never end a run.
type ErrorKind string

const (
	// KindInvalidPolicy reports a malformed RunPolicy or RunInput at Init.
	KindInvalidPolicy ErrorKind = "invalid_policy"
	// KindProposalFailed reports a model backend that kept failing after
	// retries.
	KindProposalFailed ErrorKind = "proposal_failed"
	// KindCancelled reports a run aborted by its caller.
	KindCancelled ErrorKind = "cancelled"
	// KindPersistence reports a replay bundle that could not be saved.
	KindPersistence ErrorKind = "persistence"
)

var (
	// ErrInvalidPolicy is matched by run errors of kind invalid_policy.
	ErrInvalidPolicy = errors.New("runtime: invalid run policy")
	// ErrProposalFailed is matched by run errors of kind proposal_failed.
	ErrProposalFailed = errors.New("runtime: model proposal failed")
	// ErrRunCancelled is matched by run errors of kind cancelled.
	ErrRunCancelled = errors.New("runtime: run cancelled")
	// ErrPersistence is matched by run errors of kind persistence.
	ErrPersistence = errors.New("runtime: replay bundle not persisted")
)

// RunError is returned by Run for run-level failures. It matches the
// sentinel of its kind with errors.Is and unwraps to the cause.
type RunError struct {
	Kind  ErrorKind
	RunID string
	// Iteration is the iteration during which the failure happened.
	Iteration int
	Cause     error
}

func newRunError(kind ErrorKind, runID string, iteration int, cause error) *RunError {
	return &RunError{Kind: kind, RunID: runID, Iteration: iteration, Cause: cause}
}

func (e *RunError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("run %s: %s", e.RunID, e.Kind)
	}
	return fmt.Sprintf("run %s: %s: %v", e.RunID, e.Kind, e.Cause)
}

func (e *RunError) Unwrap() []error {
	errs := []error{e.sentinel()}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

func (e *RunError) sentinel() error {
	switch e.Kind {
	case KindInvalidPolicy:
		return ErrInvalidPolicy
	case KindProposalFailed:
		return ErrProposalFailed
	case KindCancelled:
		return ErrRunCancelled
	case KindPersistence:
		return ErrPersistence
	}
	return errors.New("runtime: " + string(e.Kind))
}

// AsRunError extracts a *RunError from err.
func AsRunError(err error) (*RunError, bool) {
	var re *RunError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
