package orchestrator

import "fmt"

// PlanningError means plan creation could not start: no generator matched
// the requirements, or the platform configuration cannot name an owner. No
// side effects occurred.
type PlanningError struct {
	Reason string
}

func (e *PlanningError) Error() string { return "planning failed: " + e.Reason }

// UsageError is a caller programming error, not a workflow failure:
// executing an unapproved plan, or approving a session with no pending plan.
type UsageError struct {
	Reason string
}

func (e *UsageError) Error() string { return "usage error: " + e.Reason }

// StepExecutionError wraps a collaborator failure inside a numbered step.
// Remaining steps do not run.
type StepExecutionError struct {
	StepNumber int
	Operation  string
	Err        error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %d (%s) failed: %v", e.StepNumber, e.Operation, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }
