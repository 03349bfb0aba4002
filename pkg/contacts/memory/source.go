// Package memory provides an in-memory ContactSource for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/casaflow/casaflow/pkg/protocol"
)

// Source stores contact field snapshots keyed by workspace and contact ID.
type Source struct {
	mu       sync.RWMutex
	contacts map[string]map[string]any
}

// NewSource creates an empty in-memory contact source.
func NewSource() *Source {
	return &Source{contacts: make(map[string]map[string]any)}
}

func key(workspaceID, contactID string) string {
	return workspaceID + "/" + contactID
}

// Put stores or replaces a contact's field snapshot.
func (s *Source) Put(workspaceID, contactID string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}

	s.contacts[key(workspaceID, contactID)] = copied
}

// Context returns a copy of the contact's field snapshot.
func (s *Source) Context(_ context.Context, workspaceID, contactID string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fields, ok := s.contacts[key(workspaceID, contactID)]
	if !ok {
		return nil, fmt.Errorf("contact %s in workspace %s: %w", contactID, workspaceID, protocol.ErrContactNotFound)
	}

	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}

	return copied, nil
}

// ApplyTag appends the tag to the contact's tag list, once.
func (s *Source) ApplyTag(_ context.Context, workspaceID, contactID, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields, ok := s.contacts[key(workspaceID, contactID)]
	if !ok {
		return fmt.Errorf("contact %s in workspace %s: %w", contactID, workspaceID, protocol.ErrContactNotFound)
	}

	tags, _ := fields["tags"].([]string)
	for _, existing := range tags {
		if existing == tag {
			return nil
		}
	}

	fields["tags"] = append(tags, tag)

	return nil
}

// UpdateField sets one field on the contact.
func (s *Source) UpdateField(_ context.Context, workspaceID, contactID, field string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields, ok := s.contacts[key(workspaceID, contactID)]
	if !ok {
		return fmt.Errorf("contact %s in workspace %s: %w", contactID, workspaceID, protocol.ErrContactNotFound)
	}

	fields[field] = value

	return nil
}
