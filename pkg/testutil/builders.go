// Package testutil provides test data builders shared across packages.
package testutil

import (
	"time"

	"github.com/google/uuid"

	"github.com/casaflow/casaflow/pkg/models"
)

// CreateTestWorkflow creates an active workflow with a send-then-end step
// graph. Overrides mutate the workflow before it is returned.
func CreateTestWorkflow(overrides ...func(*models.Workflow)) *models.Workflow {
	workflow := &models.Workflow{
		ID:          uuid.New().String(),
		WorkspaceID: "ws-test",
		Name:        "Test Workflow",
		Status:      models.WorkflowStatusActive,
		Trigger:     &models.Trigger{Kind: models.TriggerManual},
		Steps: []*models.Step{
			ActionStep("welcome", "end"),
			EndStep("end"),
		},
		Settings:  models.WorkflowSettings{Reentry: models.ReentryNever},
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	for _, override := range overrides {
		override(workflow)
	}

	return workflow
}

// WithSteps replaces the step graph.
func WithSteps(steps ...*models.Step) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.Steps = steps
	}
}

// WithStatus sets the workflow status.
func WithStatus(status models.WorkflowStatus) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.Status = status
	}
}

// WithReentry sets the re-entry policy.
func WithReentry(policy models.ReentryPolicy) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.Settings.Reentry = policy
	}
}

// WithQuietHours sets a daily no-send window.
func WithQuietHours(startHour, endHour int) func(*models.Workflow) {
	return func(w *models.Workflow) {
		w.Settings.QuietHours = &models.QuietHours{StartHour: startHour, EndHour: endHour}
	}
}

// ActionStep builds an email action step. next may be empty for a trailing
// action.
func ActionStep(id, next string) *models.Step {
	step := &models.Step{
		ID:   id,
		Kind: models.StepKindAction,
		Action: &models.ActionConfig{
			Channel: models.ChannelEmail,
			Subject: "Hello",
			Body:    "Welcome aboard",
		},
	}
	if next != "" {
		step.NextStepID = &next
	}

	return step
}

// TagStep builds an apply_tag action step.
func TagStep(id, tag, next string) *models.Step {
	step := &models.Step{
		ID:   id,
		Kind: models.StepKindAction,
		Action: &models.ActionConfig{
			Channel: models.ChannelApplyTag,
			Tag:     tag,
		},
	}
	if next != "" {
		step.NextStepID = &next
	}

	return step
}

// WaitStep builds a relative wait step.
func WaitStep(id, duration, next string) *models.Step {
	step := &models.Step{
		ID:   id,
		Kind: models.StepKindWait,
		Wait: &models.WaitConfig{Duration: duration},
	}
	if next != "" {
		step.NextStepID = &next
	}

	return step
}

// ConditionStep builds a structured condition step.
func ConditionStep(id, field string, operator models.ConditionOperator, value any, trueStep, falseStep string) *models.Step {
	return &models.Step{
		ID:   id,
		Kind: models.StepKindCondition,
		Condition: &models.ConditionConfig{
			Field:       field,
			Operator:    operator,
			Value:       value,
			TrueStepID:  trueStep,
			FalseStepID: falseStep,
		},
	}
}

// GoToStep builds an unconditional jump step.
func GoToStep(id, target string) *models.Step {
	return &models.Step{
		ID:   id,
		Kind: models.StepKindGoTo,
		GoTo: &models.GoToConfig{TargetStepID: target},
	}
}

// EndStep builds a terminal step.
func EndStep(id string) *models.Step {
	return &models.Step{ID: id, Kind: models.StepKindEnd}
}

// CreateTestEnrollment creates an active enrollment positioned at the
// workflow's first step, due now.
func CreateTestEnrollment(workflow *models.Workflow, contactID string, overrides ...func(*models.Enrollment)) *models.Enrollment {
	enrollment := models.NewEnrollment(workflow, contactID, time.Now().UTC())
	enrollment.ID = uuid.New().String()

	for _, override := range overrides {
		override(enrollment)
	}

	return enrollment
}

// WithDueAt sets the enrollment's due time.
func WithDueAt(at time.Time) func(*models.Enrollment) {
	return func(e *models.Enrollment) {
		e.NextStepAt = &at
	}
}

// WithEnrollmentStatus sets the enrollment status.
func WithEnrollmentStatus(status models.EnrollmentStatus) func(*models.Enrollment) {
	return func(e *models.Enrollment) {
		e.Status = status
		if status != models.EnrollmentStatusActive {
			e.NextStepAt = nil
		}
	}
}
