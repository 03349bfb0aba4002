// Package web provides the HTTP surface for workflow and enrollment management.
package web

import "github.com/casaflow/casaflow/pkg/models"

// CreateWorkflowRequest represents the request body for creating a new workflow.
type CreateWorkflowRequest struct {
	WorkspaceID string                   `json:"workspace_id" validate:"required"`
	Name        string                   `json:"name"         validate:"required,min=3"`
	Description string                   `json:"description"`
	Trigger     *models.Trigger          `json:"trigger,omitempty"`
	Steps       []*models.Step           `json:"steps,omitempty"`
	Settings    *models.WorkflowSettings `json:"settings,omitempty"`
}

// UpdateWorkflowRequest represents the request body for updating a workflow.
// All fields are optional to support partial updates.
type UpdateWorkflowRequest struct {
	Name        *string                  `json:"name,omitempty" validate:"omitempty,min=3"`
	Description *string                  `json:"description,omitempty"`
	Trigger     *models.Trigger          `json:"trigger,omitempty"`
	Steps       []*models.Step           `json:"steps,omitempty"`
	Settings    *models.WorkflowSettings `json:"settings,omitempty"`
}

// EnrollRequest represents the request body for enrolling a contact.
type EnrollRequest struct {
	ContactID string `json:"contact_id" validate:"required"`
}

// ExitEnrollmentRequest represents the request body for exiting an enrollment.
type ExitEnrollmentRequest struct {
	Reason string `json:"reason,omitempty"`
}

// RunEngineRequest optionally overrides the batch budgets for one manual run.
type RunEngineRequest struct {
	MaxCount      int `json:"max_count,omitempty"       validate:"omitempty,min=1,max=1000"`
	MaxDurationMs int `json:"max_duration_ms,omitempty" validate:"omitempty,min=1"`
}
