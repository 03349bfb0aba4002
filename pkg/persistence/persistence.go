// Package persistence provides the data storage abstraction for workflows and enrollments.
package persistence

import (
	"context"
	"time"

	"github.com/casaflow/casaflow/pkg/models"
)

// Persistence is the storage entry point shared by the API and the runner.
type Persistence interface {
	WorkflowRepository() WorkflowRepository
	EnrollmentRepository() EnrollmentRepository
	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// ListWorkflowsOptions filters and paginates workflow listings.
type ListWorkflowsOptions struct {
	WorkspaceID string
	Status      *models.WorkflowStatus
	Limit       int
	Offset      int
	SortBy      string
	SortOrder   string
}

// WorkflowListResult is a page of workflows plus paging metadata.
type WorkflowListResult struct {
	Workflows   []*models.Workflow
	TotalCount  int64
	HasNextPage bool
}

// WorkflowRepository stores workflow definitions.
type WorkflowRepository interface {
	ListWorkflows(ctx context.Context, opts ListWorkflowsOptions) (*WorkflowListResult, error)
	GetByID(ctx context.Context, id string) (*models.Workflow, error)
	Save(ctx context.Context, workflow *models.Workflow) error
	// Delete soft-deletes; enrollments referencing the workflow stay intact.
	Delete(ctx context.Context, id string) error
	CountByStatus(ctx context.Context, workspaceID string) (map[models.WorkflowStatus]int64, error)
	// IncrementCounters adjusts the enrolled/completed counters atomically.
	IncrementCounters(ctx context.Context, id string, enrolled, completed int64) error
}

// EnrollmentRepository stores per-contact enrollment state. ClaimDue is the
// coordination point between overlapping runner invocations: it must mark the
// returned enrollments so a concurrent call cannot return the same records.
type EnrollmentRepository interface {
	GetByID(ctx context.Context, id string) (*models.Enrollment, error)
	Save(ctx context.Context, enrollment *models.Enrollment) error
	// ActiveByWorkflowAndContact returns the contact's active run in the
	// workflow, or nil when there is none.
	ActiveByWorkflowAndContact(ctx context.Context, workflowID, contactID string) (*models.Enrollment, error)
	// AnyByWorkflowAndContact reports whether the contact has ever been
	// enrolled in the workflow, in any state.
	AnyByWorkflowAndContact(ctx context.Context, workflowID, contactID string) (bool, error)
	ListByWorkflow(ctx context.Context, workflowID string, limit, offset int) ([]*models.Enrollment, error)
	// ClaimDue atomically selects up to limit active enrollments with
	// next_step_at <= now and no live claim, oldest-due first, stamping each
	// with a claim lease of claimTTL.
	ClaimDue(ctx context.Context, now time.Time, limit int, claimTTL time.Duration) ([]*models.Enrollment, error)
	// Release clears the claim on an enrollment after processing. Terminal
	// saves clear it implicitly.
	Release(ctx context.Context, id string) error
	// CountDue returns how many active enrollments are due and unclaimed at now.
	CountDue(ctx context.Context, now time.Time) (int64, error)
	CountByStatus(ctx context.Context, workspaceID string) (map[models.EnrollmentStatus]int64, error)
}
