package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/casaflow/casaflow/pkg/eventbus"
	"github.com/casaflow/casaflow/pkg/events"
	"github.com/casaflow/casaflow/pkg/models"
	"github.com/casaflow/casaflow/pkg/persistence"
)

// ErrEnrollmentNotFound is returned when an enrollment is not found.
var ErrEnrollmentNotFound = persistence.ErrEnrollmentNotFound

// Enrollment manages contact enrollments: entry subject to the workflow's
// re-entry policy, listing, and manual exit.
type Enrollment struct {
	persistence persistence.Persistence
	publisher   eventbus.EventPublisher
}

// NewEnrollment creates a new enrollment service.
func NewEnrollment(store persistence.Persistence, publisher eventbus.EventPublisher) *Enrollment {
	return &Enrollment{
		persistence: store,
		publisher:   publisher,
	}
}

// Enroll enters a contact into an active workflow. The workflow's re-entry
// policy decides whether a contact with prior or concurrent runs may enter
// again; a blocked entry returns ErrReentryBlocked.
func (s *Enrollment) Enroll(ctx context.Context, workflowID, contactID string) (*models.Enrollment, error) {
	contactID = strings.TrimSpace(contactID)
	if contactID == "" {
		return nil, ErrEmptyContactID
	}

	workflow, err := s.persistence.WorkflowRepository().GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if workflow == nil {
		return nil, ErrWorkflowNotFound
	}

	if workflow.Status != models.WorkflowStatusActive {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, ErrWorkflowNotActive)
	}

	if err := s.checkReentry(ctx, workflow, contactID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	enrollment := models.NewEnrollment(workflow, contactID, now)

	if err := s.persistence.EnrollmentRepository().Save(ctx, enrollment); err != nil {
		// A concurrent enroll can pass the policy check before either run is
		// stored; the store's uniqueness guard breaks the tie.
		if persistence.IsActiveEnrollmentExists(err) {
			return nil, fmt.Errorf("contact %s has an active run: %w", contactID, ErrReentryBlocked)
		}

		return nil, fmt.Errorf("failed to save enrollment: %w", err)
	}

	if err := s.persistence.WorkflowRepository().IncrementCounters(ctx, workflow.ID, 1, 0); err != nil {
		return nil, fmt.Errorf("failed to bump enrolled counter: %w", err)
	}

	s.publishCreated(ctx, workflow, enrollment)

	return enrollment, nil
}

func (s *Enrollment) checkReentry(ctx context.Context, workflow *models.Workflow, contactID string) error {
	repo := s.persistence.EnrollmentRepository()

	switch workflow.Settings.Reentry {
	case models.ReentryConcurrent:
		return nil

	case models.ReentryAfterExit:
		active, err := repo.ActiveByWorkflowAndContact(ctx, workflow.ID, contactID)
		if err != nil {
			return err
		}

		if active != nil {
			return fmt.Errorf("contact %s has an active run: %w", contactID, ErrReentryBlocked)
		}

		return nil

	default: // never
		enrolled, err := repo.AnyByWorkflowAndContact(ctx, workflow.ID, contactID)
		if err != nil {
			return err
		}

		if enrolled {
			return fmt.Errorf("contact %s was already enrolled: %w", contactID, ErrReentryBlocked)
		}

		return nil
	}
}

// FetchByID retrieves an enrollment by its ID.
func (s *Enrollment) FetchByID(ctx context.Context, id string) (*models.Enrollment, error) {
	enrollment, err := s.persistence.EnrollmentRepository().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if enrollment == nil {
		return nil, ErrEnrollmentNotFound
	}

	return enrollment, nil
}

// ListByWorkflow returns a page of the workflow's enrollments, newest first.
func (s *Enrollment) ListByWorkflow(ctx context.Context, workflowID string, limit, offset int) ([]*models.Enrollment, error) {
	workflow, err := s.persistence.WorkflowRepository().GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if workflow == nil {
		return nil, ErrWorkflowNotFound
	}

	return s.persistence.EnrollmentRepository().ListByWorkflow(ctx, workflowID, limit, offset)
}

// Exit removes a contact from a workflow before completion. Terminal
// enrollments cannot be exited again.
func (s *Enrollment) Exit(ctx context.Context, enrollmentID, reason string) (*models.Enrollment, error) {
	enrollment, err := s.FetchByID(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}

	if enrollment.IsTerminal() {
		return nil, fmt.Errorf("enrollment %s is %s: %w", enrollmentID, enrollment.Status, ErrEnrollmentTerminal)
	}

	now := time.Now().UTC()
	enrollment.Exit(now, reason)

	if err := s.persistence.EnrollmentRepository().Save(ctx, enrollment); err != nil {
		return nil, fmt.Errorf("failed to save enrollment exit: %w", err)
	}

	s.publishExited(ctx, enrollment, reason)

	return enrollment, nil
}

// Stats tallies enrollments per status for a workspace. An empty workspace ID
// means all workspaces.
func (s *Enrollment) Stats(ctx context.Context, workspaceID string) (map[models.EnrollmentStatus]int64, error) {
	return s.persistence.EnrollmentRepository().CountByStatus(ctx, workspaceID)
}

func (s *Enrollment) publishCreated(ctx context.Context, workflow *models.Workflow, enrollment *models.Enrollment) {
	if s.publisher == nil {
		return
	}

	_ = s.publisher.Publish(ctx, enrollment.WorkflowID, events.EnrollmentCreated{
		BaseEvent: events.BaseEvent{
			Type:        events.EnrollmentCreatedEvent,
			Timestamp:   time.Now().UTC(),
			WorkspaceID: workflow.WorkspaceID,
			WorkflowID:  workflow.ID,
		},
		EnrollmentID: enrollment.ID,
		ContactID:    enrollment.ContactID,
		StepID:       enrollment.CurrentStepID,
	})
}

func (s *Enrollment) publishExited(ctx context.Context, enrollment *models.Enrollment, reason string) {
	if s.publisher == nil {
		return
	}

	_ = s.publisher.Publish(ctx, enrollment.WorkflowID, events.EnrollmentExited{
		BaseEvent: events.BaseEvent{
			Type:        events.EnrollmentExitedEvent,
			Timestamp:   time.Now().UTC(),
			WorkspaceID: enrollment.WorkspaceID,
			WorkflowID:  enrollment.WorkflowID,
		},
		EnrollmentID: enrollment.ID,
		ContactID:    enrollment.ContactID,
		Reason:       reason,
	})
}
