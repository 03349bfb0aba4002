package protocol

import (
	"context"
	"errors"
)

// ErrContactNotFound indicates the contact does not exist in the CRM store.
// The engine treats it as unrecoverable for the enrollment.
var ErrContactNotFound = errors.New("contact not found")

// ContactSource exposes the CRM contact store to the engine: a field snapshot
// for condition evaluation and message addressing, plus the two mutations
// action steps may perform.
type ContactSource interface {
	// Context returns the contact's field snapshot (email, phone, tags,
	// custom fields, deal attributes).
	Context(ctx context.Context, workspaceID, contactID string) (map[string]any, error)
	ApplyTag(ctx context.Context, workspaceID, contactID, tag string) error
	UpdateField(ctx context.Context, workspaceID, contactID, field string, value any) error
}
