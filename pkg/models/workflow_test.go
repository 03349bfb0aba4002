package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validWorkflow() *Workflow {
	next := "end"

	return &Workflow{
		ID:          "wf-1",
		WorkspaceID: "ws-1",
		Name:        "Buyer Nurture",
		Status:      WorkflowStatusDraft,
		Trigger:     &Trigger{Kind: TriggerContactCreated},
		Steps: []*Step{
			{
				ID:         "welcome",
				Kind:       StepKindAction,
				NextStepID: &next,
				Action: &ActionConfig{
					Channel: ChannelEmail,
					Subject: "Welcome",
					Body:    "Hi {{first_name}}",
				},
			},
			{ID: "end", Kind: StepKindEnd},
		},
	}
}

func TestWorkflowStatusTransitions(t *testing.T) {
	cases := []struct {
		from    WorkflowStatus
		to      WorkflowStatus
		allowed bool
	}{
		{WorkflowStatusDraft, WorkflowStatusActive, true},
		{WorkflowStatusDraft, WorkflowStatusArchived, true},
		{WorkflowStatusDraft, WorkflowStatusPaused, false},
		{WorkflowStatusActive, WorkflowStatusPaused, true},
		{WorkflowStatusActive, WorkflowStatusArchived, true},
		{WorkflowStatusActive, WorkflowStatusDraft, false},
		{WorkflowStatusPaused, WorkflowStatusActive, true},
		{WorkflowStatusPaused, WorkflowStatusArchived, true},
		{WorkflowStatusPaused, WorkflowStatusDraft, false},
		{WorkflowStatusArchived, WorkflowStatusDraft, true},
		{WorkflowStatusArchived, WorkflowStatusActive, false},
		{WorkflowStatusArchived, WorkflowStatusPaused, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.allowed, tc.from.CanTransitionTo(tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestWorkflowTransitionTo(t *testing.T) {
	workflow := validWorkflow()

	err := workflow.TransitionTo(WorkflowStatusActive)
	require.NoError(t, err)
	assert.Equal(t, WorkflowStatusActive, workflow.Status)

	// Re-activating an active workflow is a no-op.
	err = workflow.TransitionTo(WorkflowStatusActive)
	require.NoError(t, err)
	assert.Equal(t, WorkflowStatusActive, workflow.Status)
}

func TestWorkflowTransitionToRejected(t *testing.T) {
	workflow := validWorkflow()
	workflow.Status = WorkflowStatusArchived

	err := workflow.TransitionTo(WorkflowStatusActive)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	var transitionErr *InvalidTransitionError

	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, WorkflowStatusArchived, transitionErr.From)
	assert.Equal(t, WorkflowStatusActive, transitionErr.To)

	// Archived workflows go back through draft.
	require.NoError(t, workflow.TransitionTo(WorkflowStatusDraft))
	assert.Equal(t, WorkflowStatusDraft, workflow.Status)
}

func TestWorkflowActivationRequiresValidDefinition(t *testing.T) {
	workflow := validWorkflow()
	workflow.Trigger = nil

	err := workflow.TransitionTo(WorkflowStatusActive)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidDefinition)
	assert.Equal(t, WorkflowStatusDraft, workflow.Status)

	workflow = validWorkflow()
	workflow.Steps = nil

	err = workflow.TransitionTo(WorkflowStatusActive)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

func TestFindStep(t *testing.T) {
	workflow := validWorkflow()

	step, found := workflow.FindStep("welcome")
	require.True(t, found)
	assert.Equal(t, StepKindAction, step.Kind)

	_, found = workflow.FindStep("missing")
	assert.False(t, found)
}

func TestQuietHoursContains(t *testing.T) {
	day := QuietHours{StartHour: 21, EndHour: 8}

	late := time.Date(2025, 3, 10, 22, 30, 0, 0, time.UTC)
	early := time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC)
	noon := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	assert.True(t, day.Contains(late))
	assert.True(t, day.Contains(early))
	assert.False(t, day.Contains(noon))
}

func TestQuietHoursNextOpen(t *testing.T) {
	window := QuietHours{StartHour: 21, EndHour: 8}

	late := time.Date(2025, 3, 10, 22, 30, 0, 0, time.UTC)
	open := window.NextOpen(late)
	assert.Equal(t, time.Date(2025, 3, 11, 8, 0, 0, 0, time.UTC), open)

	noon := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, noon, window.NextOpen(noon))
}

func TestDefinitionErrorUnwraps(t *testing.T) {
	err := &DefinitionError{Violations: []string{"trigger is required"}}
	assert.True(t, errors.Is(err, ErrInvalidDefinition))
}
