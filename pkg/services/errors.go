// Package services implements the business operations exposed over HTTP:
// workflow lifecycle management and enrollment control.
package services

import (
	"errors"
	"fmt"

	"github.com/casaflow/casaflow/pkg/models"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest    = errors.New("invalid request")
	ErrInvalidSortField  = errors.New("invalid sort field")
	ErrInvalidSortOrder  = errors.New("invalid sort order")
	ErrInvalidStatus     = errors.New("invalid workflow status")
	ErrEmptyWorkspaceID  = errors.New("workspace ID cannot be empty")
	ErrWorkflowNil      = errors.New("workflow cannot be nil")
	ErrEmptyContactID   = errors.New("contact ID cannot be empty")

	// Business Logic Conflicts (409 Conflict).
	ErrWorkflowNotActive  = errors.New("workflow is not active")
	ErrReentryBlocked     = errors.New("contact is blocked by the re-entry policy")
	ErrEnrollmentTerminal = errors.New("enrollment is already terminal")
	ErrCannotEditArchived = errors.New("cannot modify archived workflow")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidSortField) ||
		errors.Is(err, ErrInvalidSortOrder) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrEmptyWorkspaceID) ||
		errors.Is(err, ErrEmptyContactID) ||
		errors.Is(err, ErrWorkflowNil) ||
		errors.Is(err, models.ErrInvalidDefinition)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrWorkflowNotActive) ||
		errors.Is(err, ErrReentryBlocked) ||
		errors.Is(err, ErrEnrollmentTerminal) ||
		errors.Is(err, ErrCannotEditArchived) ||
		errors.Is(err, models.ErrInvalidTransition)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
