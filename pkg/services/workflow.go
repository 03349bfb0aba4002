package services

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/casaflow/casaflow/pkg/eventbus"
	"github.com/casaflow/casaflow/pkg/events"
	"github.com/casaflow/casaflow/pkg/models"
	"github.com/casaflow/casaflow/pkg/persistence"
	"github.com/casaflow/casaflow/pkg/registry"
)

// ErrWorkflowNotFound is returned when a workflow is not found.
var ErrWorkflowNotFound = persistence.ErrWorkflowNotFound

// Workflow manages workflow definitions and their lifecycle.
type Workflow struct {
	persistence persistence.Persistence
	registry    *registry.Registry
	publisher   eventbus.EventPublisher
}

// NewWorkflow creates a new workflow service. The publisher may be nil; in
// that case lifecycle events are not emitted.
func NewWorkflow(store persistence.Persistence, reg *registry.Registry, publisher eventbus.EventPublisher) *Workflow {
	return &Workflow{
		persistence: store,
		registry:    reg,
		publisher:   publisher,
	}
}

// HealthCheck checks the health of the persistence layer.
func (w *Workflow) HealthCheck(ctx context.Context) (string, bool) {
	if w.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := w.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// Counts tallies workflows per lifecycle status for the workspace.
func (w *Workflow) Counts(ctx context.Context, workspaceID string) (map[models.WorkflowStatus]int64, error) {
	return w.persistence.WorkflowRepository().CountByStatus(ctx, workspaceID)
}

// ListWorkflowsRequest contains options for listing workflows.
type ListWorkflowsRequest struct {
	// Pagination
	Limit  int `validate:"min=1,max=100"`
	Offset int `validate:"min=0"`

	// Filtering
	WorkspaceID string
	Status      *models.WorkflowStatus

	// Sorting
	SortBy    string `validate:"oneof=created_at updated_at name"`
	SortOrder string `validate:"oneof=asc desc"`
}

// ListWorkflowsResponse contains the result of listing workflows.
type ListWorkflowsResponse struct {
	Workflows   []*models.Workflow `json:"workflows"`
	TotalCount  int64              `json:"total_count"`
	HasNextPage bool               `json:"has_next_page"`
}

// ListWorkflows retrieves workflows with filtering, sorting, and pagination.
func (w *Workflow) ListWorkflows(ctx context.Context, req ListWorkflowsRequest) (*ListWorkflowsResponse, error) {
	if err := w.validateListWorkflowsRequest(&req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	opts := persistence.ListWorkflowsOptions{
		Limit:       req.Limit,
		Offset:      req.Offset,
		WorkspaceID: req.WorkspaceID,
		Status:      req.Status,
		SortBy:      req.SortBy,
		SortOrder:   req.SortOrder,
	}

	result, err := w.persistence.WorkflowRepository().ListWorkflows(ctx, opts)
	if err != nil {
		if persistence.IsInvalidSortField(err) {
			return nil, ErrInvalidSortField
		}

		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	return &ListWorkflowsResponse{
		Workflows:   result.Workflows,
		TotalCount:  result.TotalCount,
		HasNextPage: result.HasNextPage,
	}, nil
}

func (w *Workflow) validateListWorkflowsRequest(req *ListWorkflowsRequest) error {
	if req.Limit <= 0 {
		req.Limit = 20
	}

	if req.Limit > 100 {
		req.Limit = 100
	}

	if req.Offset < 0 {
		req.Offset = 0
	}

	if req.SortBy == "" {
		req.SortBy = "created_at"
	}

	if req.SortOrder == "" {
		req.SortOrder = "desc"
	}

	allowedSorts := []string{"created_at", "updated_at", "name"}

	if !slices.Contains(allowedSorts, req.SortBy) {
		return NewValidationError(
			"validateListWorkflowsRequest",
			"INVALID_SORT_FIELD",
			fmt.Sprintf("invalid sort field '%s', allowed: %s", req.SortBy, strings.Join(allowedSorts, ", ")),
			ErrInvalidSortField,
		)
	}

	if req.SortOrder != "asc" && req.SortOrder != "desc" {
		return NewValidationError(
			"validateListWorkflowsRequest",
			"INVALID_SORT_ORDER",
			fmt.Sprintf("invalid sort order '%s', allowed: asc, desc", req.SortOrder),
			ErrInvalidSortOrder,
		)
	}

	if req.Status != nil {
		allowedStatuses := []models.WorkflowStatus{
			models.WorkflowStatusDraft,
			models.WorkflowStatusActive,
			models.WorkflowStatusPaused,
			models.WorkflowStatusArchived,
		}

		if !slices.Contains(allowedStatuses, *req.Status) {
			return NewValidationError(
				"validateListWorkflowsRequest",
				"INVALID_STATUS",
				fmt.Sprintf("invalid status '%s'", *req.Status),
				ErrInvalidStatus,
			)
		}
	}

	if req.WorkspaceID != "" {
		req.WorkspaceID = strings.TrimSpace(req.WorkspaceID)
		if req.WorkspaceID == "" {
			return ErrEmptyWorkspaceID
		}
	}

	return nil
}

// FetchByID retrieves a workflow by its ID.
func (w *Workflow) FetchByID(ctx context.Context, id string) (*models.Workflow, error) {
	workflow, err := w.persistence.WorkflowRepository().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if workflow == nil {
		return nil, ErrWorkflowNotFound
	}

	return workflow, nil
}

// Create adds a new workflow in draft status. The definition is not required
// to be complete yet; full validation runs on activation.
func (w *Workflow) Create(ctx context.Context, workflow *models.Workflow) (*models.Workflow, error) {
	if workflow == nil {
		return nil, ErrWorkflowNil
	}

	if workflow.Trigger != nil {
		if err := w.registry.ValidateTriggerFilter(*workflow.Trigger); err != nil {
			return nil, NewValidationError("Create", "INVALID_TRIGGER_FILTER", err.Error(), ErrInvalidRequest)
		}
	}

	now := time.Now().UTC()
	workflow.ID = uuid.New().String()
	workflow.CreatedAt = now
	workflow.UpdatedAt = now
	workflow.Status = models.WorkflowStatusDraft
	workflow.EnrolledCount = 0
	workflow.CompletedCount = 0

	if workflow.Settings.Reentry == "" {
		workflow.Settings.Reentry = models.ReentryNever
	}

	err := w.persistence.WorkflowRepository().Save(ctx, workflow)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}

	return workflow, nil
}

// Update modifies an existing workflow's definition. Archived workflows are
// frozen; status and counters never change through this path. In-flight
// enrollments keep their step IDs, so edits that remove a step orphan those
// runs deliberately.
func (w *Workflow) Update(ctx context.Context, workflowID string, workflow *models.Workflow) (*models.Workflow, error) {
	if workflow == nil {
		return nil, ErrWorkflowNil
	}

	existing, err := w.FetchByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if existing.Status == models.WorkflowStatusArchived {
		return nil, ErrCannotEditArchived
	}

	if workflow.Trigger != nil {
		if err := w.registry.ValidateTriggerFilter(*workflow.Trigger); err != nil {
			return nil, NewValidationError("Update", "INVALID_TRIGGER_FILTER", err.Error(), ErrInvalidRequest)
		}
	}

	workflow.ID = workflowID
	workflow.WorkspaceID = existing.WorkspaceID
	workflow.Status = existing.Status
	workflow.EnrolledCount = existing.EnrolledCount
	workflow.CompletedCount = existing.CompletedCount
	workflow.CreatedAt = existing.CreatedAt
	workflow.UpdatedAt = time.Now().UTC()

	// An active workflow must stay valid through edits.
	if workflow.Status == models.WorkflowStatusActive {
		if err := workflow.Validate(); err != nil {
			return nil, err
		}
	}

	err = w.persistence.WorkflowRepository().Save(ctx, workflow)
	if err != nil {
		return nil, fmt.Errorf("failed to update workflow: %w", err)
	}

	return workflow, nil
}

// Delete soft-deletes a workflow by its ID.
func (w *Workflow) Delete(ctx context.Context, workflowID string) error {
	existing, err := w.FetchByID(ctx, workflowID)
	if err != nil {
		return err
	}

	err = w.persistence.WorkflowRepository().Delete(ctx, existing.ID)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}

	return nil
}

// Transition moves a workflow to the requested lifecycle status, enforcing
// the transition table and, on activation, full definition validation.
func (w *Workflow) Transition(ctx context.Context, workflowID string, next models.WorkflowStatus) (*models.Workflow, error) {
	workflow, err := w.FetchByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	previous := workflow.Status

	if err := workflow.TransitionTo(next); err != nil {
		return nil, err
	}

	if err := w.persistence.WorkflowRepository().Save(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to save workflow transition: %w", err)
	}

	if previous != workflow.Status {
		w.publishTransition(ctx, workflow)
	}

	return workflow, nil
}

func (w *Workflow) publishTransition(ctx context.Context, workflow *models.Workflow) {
	if w.publisher == nil {
		return
	}

	base := events.BaseEvent{
		Type:        "",
		Timestamp:   time.Now().UTC(),
		WorkspaceID: workflow.WorkspaceID,
		WorkflowID:  workflow.ID,
	}

	var event eventbus.Event

	switch workflow.Status {
	case models.WorkflowStatusActive:
		base.Type = events.WorkflowActivatedEvent
		event = events.WorkflowActivated{BaseEvent: base}
	case models.WorkflowStatusPaused:
		base.Type = events.WorkflowPausedEvent
		event = events.WorkflowPaused{BaseEvent: base}
	case models.WorkflowStatusArchived:
		base.Type = events.WorkflowArchivedEvent
		event = events.WorkflowArchived{BaseEvent: base}
	default:
		return
	}

	// Event delivery is best effort; the transition is already durable.
	_ = w.publisher.Publish(ctx, workflow.ID, event)
}
