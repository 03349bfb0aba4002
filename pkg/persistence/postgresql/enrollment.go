package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/casaflow/casaflow/pkg/models"
	"github.com/casaflow/casaflow/pkg/persistence"
)

// EnrollmentRepository handles enrollment-related database operations.
type EnrollmentRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewEnrollmentRepository creates a new enrollment repository.
func NewEnrollmentRepository(db *sql.DB, logger *slog.Logger) *EnrollmentRepository {
	return &EnrollmentRepository{db: db, logger: logger}
}

const enrollmentColumns = `
	id
  , workflow_id
  , contact_id
  , workspace_id
  , status
  , current_step_id
  , exclusive
  , next_step_at
  , entered_at
  , exited_at
  , attempts
  , last_error
  , claimed_until
  , created_at
  , updated_at
`

// GetByID returns an enrollment by its ID, nil when absent.
func (r *EnrollmentRepository) GetByID(ctx context.Context, id string) (*models.Enrollment, error) {
	query := fmt.Sprintf("SELECT %s FROM enrollments WHERE id = $1", enrollmentColumns)

	enrollment, err := scanEnrollment(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan enrollment: %w", err)
	}

	return enrollment, nil
}

// Save upserts the enrollment, generating an ID when absent.
func (r *EnrollmentRepository) Save(ctx context.Context, enrollment *models.Enrollment) error {
	now := time.Now().UTC()

	if enrollment.CreatedAt.IsZero() {
		enrollment.CreatedAt = now
	}

	enrollment.UpdatedAt = now

	if enrollment.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate enrollment ID: %w", err)
		}

		enrollment.ID = id.String()
	}

	query := `
		INSERT INTO enrollments (
			id, workflow_id, contact_id, workspace_id, status, current_step_id,
			exclusive, next_step_at, entered_at, exited_at, attempts, last_error,
			claimed_until, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			current_step_id = EXCLUDED.current_step_id,
			next_step_at = EXCLUDED.next_step_at,
			exited_at = EXCLUDED.exited_at,
			attempts = EXCLUDED.attempts,
			last_error = EXCLUDED.last_error,
			claimed_until = EXCLUDED.claimed_until,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.ExecContext(ctx, query,
		enrollment.ID,
		enrollment.WorkflowID,
		enrollment.ContactID,
		enrollment.WorkspaceID,
		string(enrollment.Status),
		enrollment.CurrentStepID,
		enrollment.Exclusive,
		enrollment.NextStepAt,
		enrollment.EnteredAt,
		enrollment.ExitedAt,
		enrollment.Attempts,
		enrollment.LastError,
		enrollment.ClaimedUntil,
		enrollment.CreatedAt,
		enrollment.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "idx_enrollments_single_active") {
			return persistence.NewEnrollmentError("Save", enrollment.ID, persistence.ErrActiveEnrollmentExists)
		}

		return persistence.NewEnrollmentError("Save", enrollment.ID, err)
	}

	return nil
}

// ActiveByWorkflowAndContact returns the contact's active run in the workflow.
func (r *EnrollmentRepository) ActiveByWorkflowAndContact(ctx context.Context, workflowID, contactID string) (*models.Enrollment, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM enrollments
		WHERE workflow_id = $1 AND contact_id = $2 AND status = 'active'
		ORDER BY entered_at DESC
		LIMIT 1
	`, enrollmentColumns)

	enrollment, err := scanEnrollment(r.db.QueryRowContext(ctx, query, workflowID, contactID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan enrollment: %w", err)
	}

	return enrollment, nil
}

// AnyByWorkflowAndContact reports whether the contact was ever enrolled.
func (r *EnrollmentRepository) AnyByWorkflowAndContact(ctx context.Context, workflowID, contactID string) (bool, error) {
	var exists bool

	err := r.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM enrollments WHERE workflow_id = $1 AND contact_id = $2)",
		workflowID, contactID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query enrollment existence: %w", err)
	}

	return exists, nil
}

// ListByWorkflow returns the workflow's enrollments, newest first.
func (r *EnrollmentRepository) ListByWorkflow(ctx context.Context, workflowID string, limit, offset int) ([]*models.Enrollment, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := fmt.Sprintf(`
		SELECT %s FROM enrollments
		WHERE workflow_id = $1
		ORDER BY entered_at DESC
		LIMIT $2 OFFSET $3
	`, enrollmentColumns)

	rows, err := r.db.QueryContext(ctx, query, workflowID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query enrollments: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	return collectEnrollments(rows)
}

// ClaimDue atomically claims up to limit due enrollments using a conditional
// update. FOR UPDATE SKIP LOCKED keeps concurrent runner instances from
// selecting the same rows; the claimed_until lease keeps a crashed runner from
// parking a row forever.
func (r *EnrollmentRepository) ClaimDue(ctx context.Context, now time.Time, limit int, claimTTL time.Duration) ([]*models.Enrollment, error) {
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`
		UPDATE enrollments
		SET claimed_until = $1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM enrollments
			WHERE status = 'active'
			  AND next_step_at IS NOT NULL
			  AND next_step_at <= $2
			  AND (claimed_until IS NULL OR claimed_until <= $2)
			ORDER BY next_step_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s
	`, enrollmentColumns)

	rows, err := r.db.QueryContext(ctx, query, now.Add(claimTTL), now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due enrollments: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	claimed, err := collectEnrollments(rows)
	if err != nil {
		return nil, err
	}

	// RETURNING does not guarantee ordering; restore oldest-due first.
	sortByNextStepAt(claimed)

	return claimed, nil
}

// Release clears the claim lease on an enrollment.
func (r *EnrollmentRepository) Release(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE enrollments SET claimed_until = NULL, updated_at = NOW() WHERE id = $1", id)
	if err != nil {
		return persistence.NewEnrollmentError("Release", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewEnrollmentError("Release", id, err)
	}

	if affected == 0 {
		return persistence.NewEnrollmentError("Release", id, persistence.ErrEnrollmentNotFound)
	}

	return nil
}

// CountDue counts active enrollments that are due and carry no live claim.
func (r *EnrollmentRepository) CountDue(ctx context.Context, now time.Time) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM enrollments
		WHERE status = 'active'
		  AND next_step_at IS NOT NULL
		  AND next_step_at <= $1
		  AND (claimed_until IS NULL OR claimed_until <= $1)
	`

	var count int64
	if err := r.db.QueryRowContext(ctx, query, now).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count due enrollments: %w", err)
	}

	return count, nil
}

// CountByStatus tallies enrollments per status for the workspace.
func (r *EnrollmentRepository) CountByStatus(ctx context.Context, workspaceID string) (map[models.EnrollmentStatus]int64, error) {
	query := `
		SELECT status, COUNT(*)
		FROM enrollments
		WHERE $1 = '' OR workspace_id = $1
		GROUP BY status
	`

	rows, err := r.db.QueryContext(ctx, query, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to count enrollments by status: %w", err)
	}

	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	counts := make(map[models.EnrollmentStatus]int64)

	for rows.Next() {
		var (
			status string
			count  int64
		)

		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}

		counts[models.EnrollmentStatus(status)] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating status counts: %w", err)
	}

	return counts, nil
}

func collectEnrollments(rows *sql.Rows) ([]*models.Enrollment, error) {
	enrollments := make([]*models.Enrollment, 0)

	for rows.Next() {
		enrollment, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan enrollment: %w", err)
		}

		enrollments = append(enrollments, enrollment)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating enrollments: %w", err)
	}

	return enrollments, nil
}

func scanEnrollment(row rowScanner) (*models.Enrollment, error) {
	var enrollment models.Enrollment

	err := row.Scan(
		&enrollment.ID,
		&enrollment.WorkflowID,
		&enrollment.ContactID,
		&enrollment.WorkspaceID,
		&enrollment.Status,
		&enrollment.CurrentStepID,
		&enrollment.Exclusive,
		&enrollment.NextStepAt,
		&enrollment.EnteredAt,
		&enrollment.ExitedAt,
		&enrollment.Attempts,
		&enrollment.LastError,
		&enrollment.ClaimedUntil,
		&enrollment.CreatedAt,
		&enrollment.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &enrollment, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}

	return pqErr.Code == "23505" && pqErr.Constraint == constraint
}

func sortByNextStepAt(enrollments []*models.Enrollment) {
	sort.SliceStable(enrollments, func(i, j int) bool {
		a, b := enrollments[i].NextStepAt, enrollments[j].NextStepAt
		if a == nil || b == nil {
			return b == nil
		}

		return a.Before(*b)
	})
}
