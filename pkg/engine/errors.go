package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrLoopLimitExceeded is returned when a single enrollment chains more
	// immediate steps than the configured cap in one invocation.
	ErrLoopLimitExceeded = errors.New("step chain limit exceeded")

	// ErrStepNotFound is returned when an enrollment points at a step ID the
	// workflow definition no longer contains.
	ErrStepNotFound = errors.New("step not found in workflow")

	// ErrWorkflowNotRunnable is returned when processing is attempted against
	// a workflow that is not active.
	ErrWorkflowNotRunnable = errors.New("workflow is not active")
)

// StepError records which step of which enrollment failed.
type StepError struct {
	EnrollmentID string
	StepID       string
	Err          error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("enrollment %s step %s: %v", e.EnrollmentID, e.StepID, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
