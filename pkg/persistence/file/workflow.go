package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/casaflow/casaflow/pkg/models"
	"github.com/casaflow/casaflow/pkg/persistence"
)

// WorkflowRepository handles workflow-related file operations.
type WorkflowRepository struct {
	root string
	mu   sync.Mutex
}

// NewWorkflowRepository creates a new workflow repository.
func NewWorkflowRepository(root string) *WorkflowRepository {
	return &WorkflowRepository{root: root}
}

func (wr *WorkflowRepository) dir() string {
	return filepath.Join(wr.root, "workflows")
}

func (wr *WorkflowRepository) path(id string) string {
	return filepath.Join(wr.dir(), id+".json")
}

// ListWorkflows returns paginated and filtered workflows with in-memory operations.
func (wr *WorkflowRepository) ListWorkflows(ctx context.Context, opts persistence.ListWorkflowsOptions) (*persistence.WorkflowListResult, error) {
	if opts.Limit <= 0 || opts.Limit > 100 {
		opts.Limit = 20
	}

	if opts.SortBy == "" {
		opts.SortBy = "created_at"
	}

	if opts.SortOrder == "" {
		opts.SortOrder = "desc"
	}

	allowedSorts := map[string]bool{
		"created_at": true,
		"updated_at": true,
		"name":       true,
	}
	if !allowedSorts[opts.SortBy] {
		return nil, fmt.Errorf("%w: %s", persistence.ErrInvalidSortField, opts.SortBy)
	}

	all, err := wr.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	filtered := make([]*models.Workflow, 0, len(all))

	for _, workflow := range all {
		if opts.WorkspaceID != "" && workflow.WorkspaceID != opts.WorkspaceID {
			continue
		}

		if opts.Status != nil && workflow.Status != *opts.Status {
			continue
		}

		filtered = append(filtered, workflow)
	}

	sortWorkflows(filtered, opts.SortBy, opts.SortOrder)

	totalCount := int64(len(filtered))
	start := opts.Offset
	end := opts.Offset + opts.Limit

	if start >= len(filtered) {
		return &persistence.WorkflowListResult{
			Workflows:   make([]*models.Workflow, 0),
			TotalCount:  totalCount,
			HasNextPage: false,
		}, nil
	}

	if end > len(filtered) {
		end = len(filtered)
	}

	return &persistence.WorkflowListResult{
		Workflows:   filtered[start:end],
		TotalCount:  totalCount,
		HasNextPage: end < len(filtered),
	}, nil
}

// GetByID loads a single workflow document. Soft-deleted workflows are treated
// as absent.
func (wr *WorkflowRepository) GetByID(_ context.Context, id string) (*models.Workflow, error) {
	data, err := os.ReadFile(wr.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, persistence.NewWorkflowError("GetByID", id, err)
	}

	var workflow models.Workflow
	if err := json.Unmarshal(data, &workflow); err != nil {
		return nil, persistence.NewWorkflowError("GetByID", id, err)
	}

	if workflow.DeletedAt != nil {
		return nil, nil
	}

	return &workflow, nil
}

// Save writes the workflow document, generating an ID when absent.
func (wr *WorkflowRepository) Save(_ context.Context, workflow *models.Workflow) error {
	wr.mu.Lock()
	defer wr.mu.Unlock()

	now := time.Now().UTC()

	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}

	workflow.UpdatedAt = now

	if workflow.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return persistence.NewWorkflowError("Save", "", err)
		}

		workflow.ID = id.String()
	}

	if err := os.MkdirAll(wr.dir(), 0o755); err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, err)
	}

	data, err := json.MarshalIndent(workflow, "", "  ")
	if err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, err)
	}

	if err := os.WriteFile(wr.path(workflow.ID), data, 0o644); err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, err)
	}

	return nil
}

// Delete soft-deletes a workflow by stamping deleted_at on the document.
func (wr *WorkflowRepository) Delete(ctx context.Context, id string) error {
	workflow, err := wr.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if workflow == nil {
		return persistence.NewWorkflowError("Delete", id, persistence.ErrWorkflowNotFound)
	}

	now := time.Now().UTC()
	workflow.DeletedAt = &now

	wr.mu.Lock()
	defer wr.mu.Unlock()

	data, err := json.MarshalIndent(workflow, "", "  ")
	if err != nil {
		return persistence.NewWorkflowError("Delete", id, err)
	}

	if err := os.WriteFile(wr.path(id), data, 0o644); err != nil {
		return persistence.NewWorkflowError("Delete", id, err)
	}

	return nil
}

// CountByStatus tallies workflows per lifecycle status for the workspace.
func (wr *WorkflowRepository) CountByStatus(ctx context.Context, workspaceID string) (map[models.WorkflowStatus]int64, error) {
	all, err := wr.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	counts := make(map[models.WorkflowStatus]int64)

	for _, workflow := range all {
		if workspaceID != "" && workflow.WorkspaceID != workspaceID {
			continue
		}

		counts[workflow.Status]++
	}

	return counts, nil
}

// IncrementCounters adjusts the enrolled/completed counters on the document.
func (wr *WorkflowRepository) IncrementCounters(ctx context.Context, id string, enrolled, completed int64) error {
	workflow, err := wr.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if workflow == nil {
		return persistence.NewWorkflowError("IncrementCounters", id, persistence.ErrWorkflowNotFound)
	}

	workflow.EnrolledCount += enrolled
	workflow.CompletedCount += completed

	return wr.Save(ctx, workflow)
}

func (wr *WorkflowRepository) loadAll(ctx context.Context) ([]*models.Workflow, error) {
	entries, err := os.ReadDir(wr.dir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to list workflow files: %w", err)
	}

	workflows := make([]*models.Workflow, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}

		workflow, err := wr.GetByID(ctx, name[:len(name)-5])
		if err != nil {
			return nil, err
		}

		if workflow != nil {
			workflows = append(workflows, workflow)
		}
	}

	return workflows, nil
}

func sortWorkflows(workflows []*models.Workflow, sortBy, sortOrder string) {
	sort.SliceStable(workflows, func(i, j int) bool {
		var less bool

		switch sortBy {
		case "name":
			less = workflows[i].Name < workflows[j].Name
		case "updated_at":
			less = workflows[i].UpdatedAt.Before(workflows[j].UpdatedAt)
		default:
			less = workflows[i].CreatedAt.Before(workflows[j].CreatedAt)
		}

		if sortOrder == "desc" {
			return !less
		}

		return less
	})
}
