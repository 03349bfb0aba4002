package models

import "time"

// EnrollmentStatus represents the state of one contact's run through a workflow.
type EnrollmentStatus string

const (
	EnrollmentStatusActive    EnrollmentStatus = "active"
	EnrollmentStatusCompleted EnrollmentStatus = "completed"
	EnrollmentStatusFailed    EnrollmentStatus = "failed"
	EnrollmentStatusExited    EnrollmentStatus = "exited"
)

// Enrollment is one contact's execution instance of a workflow. While active it
// is mutated exclusively by the engine; terminal states are immutable and carry
// a nil NextStepAt so the record never matches a due-enrollment selection again.
type Enrollment struct {
	ID            string           `json:"id"`
	WorkflowID    string           `json:"workflow_id"  validate:"required"`
	ContactID     string           `json:"contact_id"   validate:"required"`
	WorkspaceID   string           `json:"workspace_id" validate:"required"`
	Status        EnrollmentStatus `json:"status"`
	CurrentStepID string           `json:"current_step_id"`

	// Exclusive marks runs created under a re-entry policy that permits at
	// most one active run per contact. Stores enforce uniqueness of active
	// exclusive runs per (workflow, contact).
	Exclusive bool `json:"exclusive"`

	NextStepAt    *time.Time       `json:"next_step_at,omitempty"`
	EnteredAt     time.Time        `json:"entered_at"`
	ExitedAt      *time.Time       `json:"exited_at,omitempty"`

	// Attempts counts transient retries of the current step; LastError holds
	// the recorded cause after a failure, for operator visibility.
	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`

	// ClaimedUntil marks the enrollment as owned by a runner invocation until
	// the given lease expiry. Cross-run coordination lives on the record, not
	// in runner memory.
	ClaimedUntil *time.Time `json:"claimed_until,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewEnrollment creates an active enrollment positioned at the workflow's entry
// step, due immediately.
func NewEnrollment(workflow *Workflow, contactID string, now time.Time) *Enrollment {
	e := &Enrollment{
		WorkflowID:  workflow.ID,
		WorkspaceID: workflow.WorkspaceID,
		ContactID:   contactID,
		Status:      EnrollmentStatusActive,
		Exclusive:   workflow.Settings.Reentry != ReentryConcurrent,
		EnteredAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if first := workflow.FirstStep(); first != nil {
		e.CurrentStepID = first.ID
		e.NextStepAt = &now
	}

	return e
}

// IsTerminal reports whether the enrollment has reached a final state.
func (e *Enrollment) IsTerminal() bool {
	return e.Status != EnrollmentStatusActive
}

// Advance moves the progress pointer to the given step, due at the given time,
// and resets the retry counter for the new step.
func (e *Enrollment) Advance(stepID string, at time.Time) {
	e.CurrentStepID = stepID
	e.NextStepAt = &at
	e.Attempts = 0
	e.LastError = ""
	e.UpdatedAt = time.Now().UTC()
}

// Complete marks the run finished successfully.
func (e *Enrollment) Complete(now time.Time) {
	e.terminate(EnrollmentStatusCompleted, now)
}

// Fail marks the run failed and records the cause.
func (e *Enrollment) Fail(now time.Time, cause string) {
	e.LastError = cause
	e.terminate(EnrollmentStatusFailed, now)
}

// Exit terminates the run early, recording the reason.
func (e *Enrollment) Exit(now time.Time, reason string) {
	e.LastError = reason
	e.terminate(EnrollmentStatusExited, now)
}

// ScheduleRetry leaves the enrollment active and bumps it out by the backoff
// interval, incrementing the attempt counter.
func (e *Enrollment) ScheduleRetry(now time.Time, backoff time.Duration, cause string) {
	at := now.Add(backoff)
	e.NextStepAt = &at
	e.Attempts++
	e.LastError = cause
	e.UpdatedAt = time.Now().UTC()
}

func (e *Enrollment) terminate(status EnrollmentStatus, now time.Time) {
	e.Status = status
	e.NextStepAt = nil
	e.ClaimedUntil = nil
	e.ExitedAt = &now
	e.UpdatedAt = time.Now().UTC()
}
