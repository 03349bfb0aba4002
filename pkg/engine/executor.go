// Package engine advances enrollments through workflow step graphs.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/casaflow/casaflow/pkg/eventbus"
	"github.com/casaflow/casaflow/pkg/events"
	"github.com/casaflow/casaflow/pkg/expressions"
	"github.com/casaflow/casaflow/pkg/models"
	"github.com/casaflow/casaflow/pkg/protocol"
	"github.com/casaflow/casaflow/pkg/registry"
)

const (
	// maxChainedSteps caps the number of steps one enrollment may execute in
	// a single invocation. Authored loops hit this cap and fail instead of
	// spinning forever.
	maxChainedSteps = 10

	maxAttempts      = 5
	retryBackoffBase = 1 * time.Minute
	retryBackoffCap  = 1 * time.Hour
)

// Executor runs the due step of an enrollment, chaining through immediately
// runnable successors. It mutates the enrollment in memory; persisting the
// result is the caller's job.
type Executor struct {
	registry    *registry.Registry
	contacts    protocol.ContactSource
	expressions *expressions.Engine
	publisher   eventbus.EventPublisher
	logger      *slog.Logger
}

func NewExecutor(
	reg *registry.Registry,
	contacts protocol.ContactSource,
	publisher eventbus.EventPublisher,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		registry:    reg,
		contacts:    contacts,
		expressions: expressions.NewEngine(),
		publisher:   publisher,
		logger:      logger.With("module", "executor"),
	}
}

// Process executes the enrollment's current step and every immediately due
// successor, stopping when the enrollment terminates, a wait schedules it into
// the future, or the chain cap is hit.
func (x *Executor) Process(ctx context.Context, workflow *models.Workflow, enrollment *models.Enrollment, now time.Time) error {
	if workflow.Status != models.WorkflowStatusActive {
		return fmt.Errorf("workflow %s: %w", workflow.ID, ErrWorkflowNotRunnable)
	}

	logger := x.logger.With(
		"workflow_id", workflow.ID,
		"enrollment_id", enrollment.ID,
		"contact_id", enrollment.ContactID,
	)

	for executed := 0; ; executed++ {
		if executed >= maxChainedSteps {
			enrollment.Fail(now, ErrLoopLimitExceeded.Error())
			logger.Warn("Enrollment failed", "step_id", enrollment.CurrentStepID, "error", ErrLoopLimitExceeded)
			x.publishFailed(ctx, workflow, enrollment, ErrLoopLimitExceeded.Error())

			return &StepError{EnrollmentID: enrollment.ID, StepID: enrollment.CurrentStepID, Err: ErrLoopLimitExceeded}
		}

		step, found := workflow.FindStep(enrollment.CurrentStepID)
		if !found {
			cause := fmt.Sprintf("step %q not found", enrollment.CurrentStepID)
			enrollment.Fail(now, cause)
			x.publishFailed(ctx, workflow, enrollment, cause)

			return &StepError{EnrollmentID: enrollment.ID, StepID: enrollment.CurrentStepID, Err: ErrStepNotFound}
		}

		logger.Debug("Executing step", "step_id", step.ID, "kind", step.Kind)

		again, err := x.executeStep(ctx, workflow, enrollment, step, now)
		if err != nil {
			return err
		}

		if !again {
			return nil
		}
	}
}

// executeStep runs one step. It returns true when the enrollment advanced to a
// successor that is due immediately and the chain should continue.
func (x *Executor) executeStep(ctx context.Context, workflow *models.Workflow, enrollment *models.Enrollment, step *models.Step, now time.Time) (bool, error) {
	switch step.Kind {
	case models.StepKindEnd:
		enrollment.Complete(now)
		x.publishCompleted(ctx, workflow, enrollment)

		return false, nil

	case models.StepKindGoTo:
		enrollment.Advance(step.GoTo.TargetStepID, now)

		return true, nil

	case models.StepKindWait:
		return false, x.executeWait(enrollment, step, now)

	case models.StepKindCondition:
		return x.executeCondition(ctx, workflow, enrollment, step, now)

	case models.StepKindAction:
		return x.executeAction(ctx, workflow, enrollment, step, now)

	default:
		cause := fmt.Sprintf("unknown step kind %q", step.Kind)
		enrollment.Fail(now, cause)
		x.publishFailed(ctx, workflow, enrollment, cause)

		return false, &StepError{EnrollmentID: enrollment.ID, StepID: step.ID, Err: fmt.Errorf("%s", cause)}
	}
}

func (x *Executor) executeWait(enrollment *models.Enrollment, step *models.Step, now time.Time) error {
	var (
		due time.Time
		err error
	)

	if step.Wait.Duration != "" {
		var d time.Duration

		d, err = step.Wait.ParseDuration()
		due = now.Add(d)
	} else {
		due, err = step.Wait.NextUntil(now)
	}

	if err != nil {
		cause := fmt.Sprintf("invalid wait config: %v", err)
		enrollment.Fail(now, cause)

		return &StepError{EnrollmentID: enrollment.ID, StepID: step.ID, Err: err}
	}

	next := ""
	if step.NextStepID != nil {
		next = *step.NextStepID
	}

	if next == "" {
		// A trailing wait has no successor to schedule, so the run
		// completes immediately instead of holding the enrollment open.
		enrollment.Complete(now)

		return nil
	}

	enrollment.Advance(next, due)

	return nil
}

func (x *Executor) executeCondition(ctx context.Context, workflow *models.Workflow, enrollment *models.Enrollment, step *models.Step, now time.Time) (bool, error) {
	contactCtx, err := x.contacts.Context(ctx, enrollment.WorkspaceID, enrollment.ContactID)
	if err != nil {
		return false, x.handleStepFailure(ctx, workflow, enrollment, step, now, err)
	}

	result, err := x.evaluateCondition(step.Condition, contactCtx)
	if err != nil {
		// A predicate that cannot be evaluated is a definition problem,
		// never transient.
		enrollment.Fail(now, err.Error())
		x.publishFailed(ctx, workflow, enrollment, err.Error())

		return false, &StepError{EnrollmentID: enrollment.ID, StepID: step.ID, Err: err}
	}

	target := step.Condition.FalseStepID
	if result {
		target = step.Condition.TrueStepID
	}

	enrollment.Advance(target, now)

	return true, nil
}

func (x *Executor) evaluateCondition(cfg *models.ConditionConfig, contactCtx map[string]any) (bool, error) {
	if cfg.Expression != "" {
		return x.expressions.EvaluateBool(cfg.Expression, contactCtx)
	}

	value, exists := contactCtx[cfg.Field]

	switch cfg.Operator {
	case models.OperatorExists:
		return exists && value != nil, nil
	case models.OperatorNotExists:
		return !exists || value == nil, nil
	case models.OperatorEquals:
		return compareEqual(value, cfg.Value), nil
	case models.OperatorNotEquals:
		return !compareEqual(value, cfg.Value), nil
	case models.OperatorContains:
		return contains(value, cfg.Value), nil
	case models.OperatorGreater:
		return compareOrder(value, cfg.Value, false)
	case models.OperatorLess:
		return compareOrder(value, cfg.Value, true)
	default:
		return false, fmt.Errorf("unknown condition operator %q", cfg.Operator)
	}
}

func (x *Executor) executeAction(ctx context.Context, workflow *models.Workflow, enrollment *models.Enrollment, step *models.Step, now time.Time) (bool, error) {
	cfg := step.Action

	if isMessagingChannel(cfg.Channel) {
		if quiet := workflow.Settings.QuietHours; quiet != nil {
			local := inWorkflowZone(now, workflow.Settings.Timezone)
			if quiet.Contains(local) {
				open := quiet.NextOpen(local)
				enrollment.Advance(step.ID, open)
				// Advance resets the attempt counter; the step has not run.
				x.logger.Debug("Message deferred past quiet hours",
					"enrollment_id", enrollment.ID, "step_id", step.ID, "resume_at", open)

				return false, nil
			}
		}
	}

	if err := x.performAction(ctx, workflow, enrollment, step, cfg); err != nil {
		failure := x.handleStepFailure(ctx, workflow, enrollment, step, now, err)

		return false, failure
	}

	next := ""
	if step.NextStepID != nil {
		next = *step.NextStepID
	}

	if next == "" {
		enrollment.Complete(now)
		x.publishCompleted(ctx, workflow, enrollment)

		return false, nil
	}

	enrollment.Advance(next, now)

	return true, nil
}

func (x *Executor) performAction(ctx context.Context, workflow *models.Workflow, enrollment *models.Enrollment, step *models.Step, cfg *models.ActionConfig) error {
	switch cfg.Channel {
	case models.ChannelApplyTag:
		return x.contacts.ApplyTag(ctx, enrollment.WorkspaceID, enrollment.ContactID, cfg.Tag)

	case models.ChannelUpdateField:
		return x.contacts.UpdateField(ctx, enrollment.WorkspaceID, enrollment.ContactID, cfg.Field, cfg.Value)

	case models.ChannelEmail, models.ChannelSMS:
		sender, err := x.registry.Sender(cfg.Channel)
		if err != nil {
			return err
		}

		delivery, err := sender.Send(ctx, protocol.Message{
			Channel:    cfg.Channel,
			To:         enrollment.ContactID,
			TemplateID: cfg.TemplateID,
			Subject:    cfg.Subject,
			Body:       cfg.Body,
		})
		if err != nil {
			return err
		}

		x.publishMessageSent(ctx, workflow, enrollment, step, cfg, delivery)

		return nil

	default:
		return fmt.Errorf("unknown action channel %q", cfg.Channel)
	}
}

// handleStepFailure applies the retry policy: transient failures reschedule
// with exponential backoff until the attempt cap, everything else fails the
// enrollment immediately.
func (x *Executor) handleStepFailure(ctx context.Context, workflow *models.Workflow, enrollment *models.Enrollment, step *models.Step, now time.Time, err error) error {
	if protocol.IsTransient(err) && enrollment.Attempts < maxAttempts-1 {
		backoff := retryBackoff(enrollment.Attempts)
		enrollment.ScheduleRetry(now, backoff, err.Error())
		x.logger.Warn("Step failed, retry scheduled",
			"enrollment_id", enrollment.ID,
			"step_id", step.ID,
			"attempt", enrollment.Attempts,
			"backoff", backoff,
			"error", err,
		)

		return nil
	}

	enrollment.Fail(now, err.Error())
	x.publishFailed(ctx, workflow, enrollment, err.Error())

	return &StepError{EnrollmentID: enrollment.ID, StepID: step.ID, Err: err}
}

// retryBackoff doubles from the base per prior attempt, capped.
func retryBackoff(attempts int) time.Duration {
	backoff := retryBackoffBase
	for i := 0; i < attempts; i++ {
		backoff *= 2
		if backoff >= retryBackoffCap {
			return retryBackoffCap
		}
	}

	return backoff
}

func isMessagingChannel(c models.Channel) bool {
	return c == models.ChannelEmail || c == models.ChannelSMS
}

func inWorkflowZone(t time.Time, tz string) time.Time {
	if tz == "" {
		return t
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		return t
	}

	return t.In(loc)
}

func (x *Executor) publishCompleted(ctx context.Context, workflow *models.Workflow, enrollment *models.Enrollment) {
	x.publish(ctx, enrollment.WorkflowID, events.EnrollmentCompleted{
		BaseEvent:    x.baseEvent(events.EnrollmentCompletedEvent, workflow),
		EnrollmentID: enrollment.ID,
		ContactID:    enrollment.ContactID,
	})
}

func (x *Executor) publishFailed(ctx context.Context, workflow *models.Workflow, enrollment *models.Enrollment, cause string) {
	x.publish(ctx, enrollment.WorkflowID, events.EnrollmentFailed{
		BaseEvent:    x.baseEvent(events.EnrollmentFailedEvent, workflow),
		EnrollmentID: enrollment.ID,
		ContactID:    enrollment.ContactID,
		StepID:       enrollment.CurrentStepID,
		Error:        cause,
	})
}

func (x *Executor) publishMessageSent(ctx context.Context, workflow *models.Workflow, enrollment *models.Enrollment, step *models.Step, cfg *models.ActionConfig, delivery *protocol.Delivery) {
	x.publish(ctx, enrollment.WorkflowID, events.MessageSent{
		BaseEvent:    x.baseEvent(events.MessageSentEvent, workflow),
		EnrollmentID: enrollment.ID,
		ContactID:    enrollment.ContactID,
		StepID:       step.ID,
		Channel:      string(cfg.Channel),
		DeliveryID:   delivery.ID,
		SentAt:       delivery.SentAt,
	})
}

func (x *Executor) baseEvent(eventType events.EventType, workflow *models.Workflow) events.BaseEvent {
	return events.BaseEvent{
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		WorkspaceID: workflow.WorkspaceID,
		WorkflowID:  workflow.ID,
	}
}

func (x *Executor) publish(ctx context.Context, key string, event eventbus.Event) {
	if x.publisher == nil {
		return
	}

	if err := x.publisher.Publish(ctx, key, event); err != nil {
		x.logger.Warn("Failed to publish event", "event_type", event.GetType(), "error", err)
	}
}
