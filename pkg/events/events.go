// Package events defines the notifications published as workflows and
// enrollments move through their lifecycles.
package events

import (
	"time"
)

type EventType string

// Kafka topic carrying all lifecycle events.
const Topic = "casaflow.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Workflow lifecycle events.
	WorkflowActivatedEvent EventType = "workflow.activated"
	WorkflowPausedEvent    EventType = "workflow.paused"
	WorkflowArchivedEvent  EventType = "workflow.archived"

	// Enrollment lifecycle events.
	EnrollmentCreatedEvent   EventType = "enrollment.created"
	EnrollmentCompletedEvent EventType = "enrollment.completed"
	EnrollmentFailedEvent    EventType = "enrollment.failed"
	EnrollmentExitedEvent    EventType = "enrollment.exited"

	// Delivery events.
	MessageSentEvent EventType = "message.sent"

	// Engine events.
	BatchFinishedEvent EventType = "engine.batch.finished"
)

type BaseEvent struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	WorkspaceID string         `json:"workspace_id"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type WorkflowActivated struct {
	BaseEvent

	Version int `json:"version"`
}

func (e WorkflowActivated) GetType() EventType {
	return WorkflowActivatedEvent
}

type WorkflowPaused struct {
	BaseEvent
}

func (e WorkflowPaused) GetType() EventType {
	return WorkflowPausedEvent
}

type WorkflowArchived struct {
	BaseEvent
}

func (e WorkflowArchived) GetType() EventType {
	return WorkflowArchivedEvent
}

type EnrollmentCreated struct {
	BaseEvent

	EnrollmentID string `json:"enrollment_id"`
	ContactID    string `json:"contact_id"`
	StepID       string `json:"step_id"`
}

func (e EnrollmentCreated) GetType() EventType {
	return EnrollmentCreatedEvent
}

type EnrollmentCompleted struct {
	BaseEvent

	EnrollmentID string `json:"enrollment_id"`
	ContactID    string `json:"contact_id"`
}

func (e EnrollmentCompleted) GetType() EventType {
	return EnrollmentCompletedEvent
}

type EnrollmentFailed struct {
	BaseEvent

	EnrollmentID string `json:"enrollment_id"`
	ContactID    string `json:"contact_id"`
	StepID       string `json:"step_id,omitempty"`
	Error        string `json:"error"`
}

func (e EnrollmentFailed) GetType() EventType {
	return EnrollmentFailedEvent
}

type EnrollmentExited struct {
	BaseEvent

	EnrollmentID string `json:"enrollment_id"`
	ContactID    string `json:"contact_id"`
	Reason       string `json:"reason,omitempty"`
}

func (e EnrollmentExited) GetType() EventType {
	return EnrollmentExitedEvent
}

type MessageSent struct {
	BaseEvent

	EnrollmentID string    `json:"enrollment_id"`
	ContactID    string    `json:"contact_id"`
	StepID       string    `json:"step_id"`
	Channel      string    `json:"channel"`
	DeliveryID   string    `json:"delivery_id"`
	SentAt       time.Time `json:"sent_at"`
}

func (e MessageSent) GetType() EventType {
	return MessageSentEvent
}

type BatchFinished struct {
	BaseEvent

	Processed int           `json:"processed"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Remaining int           `json:"remaining"`
	Duration  time.Duration `json:"duration"`
}

func (e BatchFinished) GetType() EventType {
	return BatchFinishedEvent
}
