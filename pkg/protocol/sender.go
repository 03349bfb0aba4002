// Package protocol defines the collaborator boundaries the engine depends on:
// message delivery and contact data access. Implementations live outside the
// engine so it stays testable and transport-agnostic.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/casaflow/casaflow/pkg/models"
)

// Message is one outbound communication to a contact.
type Message struct {
	Channel    models.Channel `json:"channel"`
	To         string         `json:"to"`
	TemplateID string         `json:"template_id,omitempty"`
	Subject    string         `json:"subject,omitempty"`
	Body       string         `json:"body"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Delivery is the sender's receipt for an accepted message.
type Delivery struct {
	ID     string    `json:"id"`
	SentAt time.Time `json:"sent_at"`
}

// MessageSender delivers messages on one channel. Send must either deliver and
// return a receipt or return an error; errors wrapping TransientError are
// retried by the engine, anything else fails the enrollment.
type MessageSender interface {
	ID() string
	Send(ctx context.Context, message Message) (*Delivery, error)
}

// ErrTransient marks a delivery error as retryable.
var ErrTransient = errors.New("transient delivery failure")

// TransientError wraps a retryable failure from an external service.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return ErrTransient
}

// NewTransientError wraps err as retryable.
func NewTransientError(err error) *TransientError {
	return &TransientError{Err: err}
}

// IsTransient reports whether the error chain marks a retryable failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
