// Package models defines the core domain models for contact nurture automation.
package models

import (
	"fmt"
	"time"
)

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"    // Editable, not enrolling
	WorkflowStatusActive   WorkflowStatus = "active"   // Enrolling and processing
	WorkflowStatusPaused   WorkflowStatus = "paused"   // Retained, not processing
	WorkflowStatusArchived WorkflowStatus = "archived" // Soft-deactivated
)

// statusTransitions is the allowed lifecycle transition table. Any transition
// not listed here is rejected with ErrInvalidTransition.
var statusTransitions = map[WorkflowStatus][]WorkflowStatus{
	WorkflowStatusDraft:    {WorkflowStatusActive, WorkflowStatusArchived},
	WorkflowStatusActive:   {WorkflowStatusPaused, WorkflowStatusArchived},
	WorkflowStatusPaused:   {WorkflowStatusActive, WorkflowStatusArchived},
	WorkflowStatusArchived: {WorkflowStatusDraft},
}

// CanTransitionTo reports whether the status may move to next.
func (s WorkflowStatus) CanTransitionTo(next WorkflowStatus) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}

// TriggerKind identifies the external event class that creates enrollments.
// Trigger detection itself happens outside the engine; the kind and filter are
// stored so event producers know which workflows a CRM event maps to.
type TriggerKind string

const (
	TriggerContactCreated   TriggerKind = "contact_created"
	TriggerTagApplied       TriggerKind = "tag_applied"
	TriggerFormSubmitted    TriggerKind = "form_submitted"
	TriggerDealStageChanged TriggerKind = "deal_stage_changed"
	TriggerManual           TriggerKind = "manual"
)

// Trigger describes when contacts enter the workflow.
type Trigger struct {
	Kind   TriggerKind    `json:"kind"             validate:"required"`
	Filter map[string]any `json:"filter,omitempty"`
}

// ReentryPolicy controls whether a contact may run a workflow more than once.
type ReentryPolicy string

const (
	ReentryNever      ReentryPolicy = "never"      // One enrollment per contact, ever
	ReentryAfterExit  ReentryPolicy = "after_exit" // New run allowed once the prior run is terminal
	ReentryConcurrent ReentryPolicy = "concurrent" // Concurrent runs allowed
)

// QuietHours is a daily window during which no messages are sent. Enrollments
// that would fire inside the window are pushed to its end. Start may be greater
// than End for windows that cross midnight.
type QuietHours struct {
	StartHour int `json:"start_hour" validate:"min=0,max=23"`
	EndHour   int `json:"end_hour"   validate:"min=0,max=23"`
}

// Contains reports whether t falls inside the quiet window.
func (q QuietHours) Contains(t time.Time) bool {
	h := t.Hour()
	if q.StartHour <= q.EndHour {
		return h >= q.StartHour && h < q.EndHour
	}

	return h >= q.StartHour || h < q.EndHour
}

// NextOpen returns the earliest time at or after t outside the quiet window.
func (q QuietHours) NextOpen(t time.Time) time.Time {
	if !q.Contains(t) {
		return t
	}

	open := time.Date(t.Year(), t.Month(), t.Day(), q.EndHour, 0, 0, 0, t.Location())
	if !open.After(t) {
		open = open.Add(24 * time.Hour)
	}

	return open
}

// WorkflowSettings holds per-workflow execution policy.
type WorkflowSettings struct {
	Reentry    ReentryPolicy `json:"reentry"`
	QuietHours *QuietHours   `json:"quiet_hours,omitempty"`
	Timezone   string        `json:"timezone,omitempty"`
}

// Workflow is a reusable automation definition: a trigger plus a step graph.
type Workflow struct {
	ID             string           `json:"id"`
	WorkspaceID    string           `json:"workspace_id"    validate:"required"`
	Name           string           `json:"name"            validate:"required,min=3"`
	Description    string           `json:"description"`
	Status         WorkflowStatus   `json:"status"          validate:"required"`
	Trigger        *Trigger         `json:"trigger,omitempty"`
	Steps          []*Step          `json:"steps"`
	Settings       WorkflowSettings `json:"settings"`
	EnrolledCount  int64            `json:"enrolled_count"`
	CompletedCount int64            `json:"completed_count"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	DeletedAt      *time.Time       `json:"deleted_at,omitempty"`
}

// FindStep returns the step with the given ID.
func (w *Workflow) FindStep(id string) (*Step, bool) {
	for _, step := range w.Steps {
		if step.ID == id {
			return step, true
		}
	}

	return nil, false
}

// FirstStep returns the entry step of the graph, nil when the workflow is empty.
func (w *Workflow) FirstStep() *Step {
	if len(w.Steps) == 0 {
		return nil
	}

	return w.Steps[0]
}

// TransitionTo applies a lifecycle transition, enforcing the transition table.
// Moving to active additionally requires a valid definition.
func (w *Workflow) TransitionTo(next WorkflowStatus) error {
	if w.Status == next {
		// Re-applying the current status is a no-op; activation in
		// particular must be idempotent.
		return nil
	}

	if !w.Status.CanTransitionTo(next) {
		return &InvalidTransitionError{From: w.Status, To: next}
	}

	if next == WorkflowStatusActive {
		if err := w.Validate(); err != nil {
			return err
		}
	}

	w.Status = next
	w.UpdatedAt = time.Now().UTC()

	return nil
}

// InvalidTransitionError reports a lifecycle transition outside the table.
type InvalidTransitionError struct {
	From WorkflowStatus
	To   WorkflowStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid workflow transition from %q to %q", e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}
