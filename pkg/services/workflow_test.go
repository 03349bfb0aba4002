package services

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casaflow/casaflow/pkg/models"
	"github.com/casaflow/casaflow/pkg/persistence/file"
	"github.com/casaflow/casaflow/pkg/registry"
	"github.com/casaflow/casaflow/pkg/testutil"
)

func newWorkflowService(t *testing.T) *Workflow {
	t.Helper()

	store := file.NewPersistence(t.TempDir())

	return NewWorkflow(store, registry.NewRegistry(slog.Default()), nil)
}

func draftWorkflow() *models.Workflow {
	return testutil.CreateTestWorkflow(testutil.WithStatus(models.WorkflowStatusDraft))
}

func TestCreateWorkflow(t *testing.T) {
	svc := newWorkflowService(t)

	input := draftWorkflow()
	input.ID = ""
	input.Status = "" // status is assigned by the service

	created, err := svc.Create(context.Background(), input)
	require.NoError(t, err)

	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.WorkflowStatusDraft, created.Status)
	assert.Equal(t, models.ReentryNever, created.Settings.Reentry)

	fetched, err := svc.FetchByID(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Name, fetched.Name)
}

func TestCreateWorkflowRejectsBadTriggerFilter(t *testing.T) {
	svc := newWorkflowService(t)

	input := draftWorkflow()
	input.Trigger = &models.Trigger{Kind: models.TriggerTagApplied} // missing required tag

	_, err := svc.Create(context.Background(), input)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestCreateNilWorkflow(t *testing.T) {
	svc := newWorkflowService(t)

	_, err := svc.Create(context.Background(), nil)
	assert.ErrorIs(t, err, ErrWorkflowNil)
}

func TestFetchByIDNotFound(t *testing.T) {
	svc := newWorkflowService(t)

	_, err := svc.FetchByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestUpdateWorkflow(t *testing.T) {
	svc := newWorkflowService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, draftWorkflow())
	require.NoError(t, err)

	edited := draftWorkflow()
	edited.Name = "Renamed Workflow"

	updated, err := svc.Update(ctx, created.ID, edited)
	require.NoError(t, err)

	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, "Renamed Workflow", updated.Name)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)
	assert.Equal(t, models.WorkflowStatusDraft, updated.Status, "status never changes through Update")
}

func TestUpdateArchivedWorkflowRejected(t *testing.T) {
	svc := newWorkflowService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, draftWorkflow())
	require.NoError(t, err)

	_, err = svc.Transition(ctx, created.ID, models.WorkflowStatusArchived)
	require.NoError(t, err)

	_, err = svc.Update(ctx, created.ID, draftWorkflow())
	assert.ErrorIs(t, err, ErrCannotEditArchived)
	assert.True(t, IsConflictError(err))
}

func TestTransitionActivation(t *testing.T) {
	svc := newWorkflowService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, draftWorkflow())
	require.NoError(t, err)

	activated, err := svc.Transition(ctx, created.ID, models.WorkflowStatusActive)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusActive, activated.Status)

	// Re-activating is a no-op, not an error.
	again, err := svc.Transition(ctx, created.ID, models.WorkflowStatusActive)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusActive, again.Status)
}

func TestTransitionActivationRequiresValidDefinition(t *testing.T) {
	svc := newWorkflowService(t)
	ctx := context.Background()

	invalid := draftWorkflow()
	invalid.Steps = nil

	created, err := svc.Create(ctx, invalid)
	require.NoError(t, err, "drafts may be saved incomplete")

	_, err = svc.Transition(ctx, created.ID, models.WorkflowStatusActive)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInvalidDefinition)

	fetched, err := svc.FetchByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusDraft, fetched.Status, "failed activation must not change status")
}

func TestTransitionRejected(t *testing.T) {
	svc := newWorkflowService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, draftWorkflow())
	require.NoError(t, err)

	_, err = svc.Transition(ctx, created.ID, models.WorkflowStatusPaused)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	assert.True(t, IsConflictError(err))
}

func TestTransitionRestoreFromArchive(t *testing.T) {
	svc := newWorkflowService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, draftWorkflow())
	require.NoError(t, err)

	_, err = svc.Transition(ctx, created.ID, models.WorkflowStatusArchived)
	require.NoError(t, err)

	restored, err := svc.Transition(ctx, created.ID, models.WorkflowStatusDraft)
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusDraft, restored.Status)
}

func TestDeleteWorkflow(t *testing.T) {
	svc := newWorkflowService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, draftWorkflow())
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, created.ID))

	_, err = svc.FetchByID(ctx, created.ID)
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestListWorkflows(t *testing.T) {
	svc := newWorkflowService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Create(ctx, draftWorkflow())
		require.NoError(t, err)
	}

	resp, err := svc.ListWorkflows(ctx, ListWorkflowsRequest{})
	require.NoError(t, err)

	assert.Len(t, resp.Workflows, 3)
	assert.Equal(t, int64(3), resp.TotalCount)
	assert.False(t, resp.HasNextPage)
}

func TestListWorkflowsPagination(t *testing.T) {
	svc := newWorkflowService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.Create(ctx, draftWorkflow())
		require.NoError(t, err)
	}

	resp, err := svc.ListWorkflows(ctx, ListWorkflowsRequest{Limit: 2})
	require.NoError(t, err)

	assert.Len(t, resp.Workflows, 2)
	assert.Equal(t, int64(5), resp.TotalCount)
	assert.True(t, resp.HasNextPage)
}

func TestListWorkflowsInvalidSort(t *testing.T) {
	svc := newWorkflowService(t)

	_, err := svc.ListWorkflows(context.Background(), ListWorkflowsRequest{SortBy: "evil; DROP TABLE"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidSortField)
}

func TestHealthCheck(t *testing.T) {
	svc := newWorkflowService(t)

	_, healthy := svc.HealthCheck(context.Background())
	assert.True(t, healthy)
}
