package file

import (
	"context"
	"encoding/json"
	"errors"
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

// EnrollmentRepository handles enrollment-related file operations. The mutex
// makes ClaimDue atomic within the process, mirroring the conditional-update
// claim the postgresql backend performs in SQL.
type EnrollmentRepository struct {
	root string
	mu   sync.Mutex
}

// NewEnrollmentRepository creates a new enrollment repository.
func NewEnrollmentRepository(root string) *EnrollmentRepository {
	return &EnrollmentRepository{root: root}
}

func (er *EnrollmentRepository) dir() string {
	return filepath.Join(er.root, "enrollments")
}

func (er *EnrollmentRepository) path(id string) string {
	return filepath.Join(er.dir(), id+".json")
}

// GetByID loads a single enrollment document.
func (er *EnrollmentRepository) GetByID(_ context.Context, id string) (*models.Enrollment, error) {
	return er.read(id)
}

// Save writes the enrollment document, generating an ID when absent. An active
// exclusive enrollment is rejected when the contact already has another active
// run in the workflow, the same guarantee the postgresql backend gets from its
// partial unique index.
func (er *EnrollmentRepository) Save(_ context.Context, enrollment *models.Enrollment) error {
	er.mu.Lock()
	defer er.mu.Unlock()

	if enrollment.Exclusive && enrollment.Status == models.EnrollmentStatusActive {
		all, err := er.loadAll()
		if err != nil {
			return err
		}

		for _, existing := range all {
			if existing.ID != enrollment.ID &&
				existing.WorkflowID == enrollment.WorkflowID &&
				existing.ContactID == enrollment.ContactID &&
				existing.Status == models.EnrollmentStatusActive {
				return persistence.NewEnrollmentError("Save", enrollment.ID, persistence.ErrActiveEnrollmentExists)
			}
		}
	}

	return er.write(enrollment)
}

// ActiveByWorkflowAndContact returns the contact's active run in the workflow.
func (er *EnrollmentRepository) ActiveByWorkflowAndContact(ctx context.Context, workflowID, contactID string) (*models.Enrollment, error) {
	all, err := er.loadAll()
	if err != nil {
		return nil, err
	}

	for _, enrollment := range all {
		if enrollment.WorkflowID == workflowID &&
			enrollment.ContactID == contactID &&
			enrollment.Status == models.EnrollmentStatusActive {
			return enrollment, nil
		}
	}

	return nil, nil
}

// AnyByWorkflowAndContact reports whether the contact was ever enrolled.
func (er *EnrollmentRepository) AnyByWorkflowAndContact(ctx context.Context, workflowID, contactID string) (bool, error) {
	all, err := er.loadAll()
	if err != nil {
		return false, err
	}

	for _, enrollment := range all {
		if enrollment.WorkflowID == workflowID && enrollment.ContactID == contactID {
			return true, nil
		}
	}

	return false, nil
}

// ListByWorkflow returns the workflow's enrollments, newest first.
func (er *EnrollmentRepository) ListByWorkflow(_ context.Context, workflowID string, limit, offset int) ([]*models.Enrollment, error) {
	all, err := er.loadAll()
	if err != nil {
		return nil, err
	}

	matched := make([]*models.Enrollment, 0)

	for _, enrollment := range all {
		if enrollment.WorkflowID == workflowID {
			matched = append(matched, enrollment)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].EnteredAt.After(matched[j].EnteredAt)
	})

	if limit <= 0 {
		limit = 50
	}

	if offset >= len(matched) {
		return []*models.Enrollment{}, nil
	}

	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}

	return matched[offset:end], nil
}

// ClaimDue atomically selects and leases due enrollments, oldest-due first.
// A record already carrying a live claim is skipped, so overlapping runner
// invocations never see the same enrollment.
func (er *EnrollmentRepository) ClaimDue(_ context.Context, now time.Time, limit int, claimTTL time.Duration) ([]*models.Enrollment, error) {
	er.mu.Lock()
	defer er.mu.Unlock()

	all, err := er.loadAll()
	if err != nil {
		return nil, err
	}

	due := make([]*models.Enrollment, 0)

	for _, enrollment := range all {
		if enrollment.Status != models.EnrollmentStatusActive {
			continue
		}

		if enrollment.NextStepAt == nil || enrollment.NextStepAt.After(now) {
			continue
		}

		if enrollment.ClaimedUntil != nil && enrollment.ClaimedUntil.After(now) {
			continue
		}

		due = append(due, enrollment)
	}

	sort.SliceStable(due, func(i, j int) bool {
		return due[i].NextStepAt.Before(*due[j].NextStepAt)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	lease := now.Add(claimTTL)

	for _, enrollment := range due {
		enrollment.ClaimedUntil = &lease
		if err := er.write(enrollment); err != nil {
			return nil, err
		}
	}

	return due, nil
}

// Release clears the claim lease on an enrollment.
func (er *EnrollmentRepository) Release(_ context.Context, id string) error {
	er.mu.Lock()
	defer er.mu.Unlock()

	enrollment, err := er.read(id)
	if err != nil {
		return err
	}

	if enrollment == nil {
		return persistence.NewEnrollmentError("Release", id, persistence.ErrEnrollmentNotFound)
	}

	enrollment.ClaimedUntil = nil

	return er.write(enrollment)
}

// CountDue counts active enrollments that are due and carry no live claim.
func (er *EnrollmentRepository) CountDue(_ context.Context, now time.Time) (int64, error) {
	all, err := er.loadAll()
	if err != nil {
		return 0, err
	}

	var count int64

	for _, enrollment := range all {
		if enrollment.Status != models.EnrollmentStatusActive {
			continue
		}

		if enrollment.NextStepAt == nil || enrollment.NextStepAt.After(now) {
			continue
		}

		if enrollment.ClaimedUntil != nil && enrollment.ClaimedUntil.After(now) {
			continue
		}

		count++
	}

	return count, nil
}

// CountByStatus tallies enrollments per status for the workspace.
func (er *EnrollmentRepository) CountByStatus(_ context.Context, workspaceID string) (map[models.EnrollmentStatus]int64, error) {
	all, err := er.loadAll()
	if err != nil {
		return nil, err
	}

	counts := make(map[models.EnrollmentStatus]int64)

	for _, enrollment := range all {
		if workspaceID != "" && enrollment.WorkspaceID != workspaceID {
			continue
		}

		counts[enrollment.Status]++
	}

	return counts, nil
}

func (er *EnrollmentRepository) read(id string) (*models.Enrollment, error) {
	data, err := os.ReadFile(er.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, persistence.NewEnrollmentError("GetByID", id, err)
	}

	var enrollment models.Enrollment
	if err := json.Unmarshal(data, &enrollment); err != nil {
		return nil, persistence.NewEnrollmentError("GetByID", id, err)
	}

	return &enrollment, nil
}

func (er *EnrollmentRepository) write(enrollment *models.Enrollment) error {
	now := time.Now().UTC()

	if enrollment.CreatedAt.IsZero() {
		enrollment.CreatedAt = now
	}

	enrollment.UpdatedAt = now

	if enrollment.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return persistence.NewEnrollmentError("Save", "", err)
		}

		enrollment.ID = id.String()
	}

	if err := os.MkdirAll(er.dir(), 0o755); err != nil {
		return persistence.NewEnrollmentError("Save", enrollment.ID, err)
	}

	data, err := json.MarshalIndent(enrollment, "", "  ")
	if err != nil {
		return persistence.NewEnrollmentError("Save", enrollment.ID, err)
	}

	if err := os.WriteFile(er.path(enrollment.ID), data, 0o644); err != nil {
		return persistence.NewEnrollmentError("Save", enrollment.ID, err)
	}

	return nil
}

func (er *EnrollmentRepository) loadAll() ([]*models.Enrollment, error) {
	entries, err := os.ReadDir(er.dir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, err
	}

	enrollments := make([]*models.Enrollment, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}

		enrollment, err := er.read(name[:len(name)-5])
		if err != nil {
			return nil, err
		}

		if enrollment != nil {
			enrollments = append(enrollments, enrollment)
		}
	}

	return enrollments, nil
}
