package engine

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casaflow/casaflow/pkg/contacts/memory"
	"github.com/casaflow/casaflow/pkg/models"
	"github.com/casaflow/casaflow/pkg/protocol"
	"github.com/casaflow/casaflow/pkg/registry"
	"github.com/casaflow/casaflow/pkg/testutil"
)

// fakeSender records sent messages and fails on demand.
type fakeSender struct {
	sent []protocol.Message
	errs []error
}

func (f *fakeSender) ID() string { return "fake" }

func (f *fakeSender) Send(_ context.Context, message protocol.Message) (*protocol.Delivery, error) {
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]

		if err != nil {
			return nil, err
		}
	}

	f.sent = append(f.sent, message)

	return &protocol.Delivery{ID: "d-1", SentAt: time.Now().UTC()}, nil
}

func newTestExecutor(t *testing.T, sender protocol.MessageSender, fields map[string]any) (*Executor, *memory.Source) {
	t.Helper()

	logger := slog.Default()
	reg := registry.NewRegistry(logger)
	reg.RegisterSender(models.ChannelEmail, sender)
	reg.RegisterSender(models.ChannelSMS, sender)

	source := memory.NewSource()
	if fields != nil {
		source.Put("ws-test", "contact-1", fields)
	}

	return NewExecutor(reg, source, nil, logger), source
}

func TestProcessActionThenEnd(t *testing.T) {
	sender := &fakeSender{}
	executor, _ := newTestExecutor(t, sender, map[string]any{"email": "ana@example.com"})

	workflow := testutil.CreateTestWorkflow()
	enrollment := testutil.CreateTestEnrollment(workflow, "contact-1")
	now := time.Now().UTC()

	err := executor.Process(context.Background(), workflow, enrollment, now)
	require.NoError(t, err)

	assert.Len(t, sender.sent, 1)
	assert.Equal(t, models.EnrollmentStatusCompleted, enrollment.Status)
	assert.Nil(t, enrollment.NextStepAt)
	assert.NotNil(t, enrollment.ExitedAt)
}

func TestProcessWaitSchedulesFuture(t *testing.T) {
	sender := &fakeSender{}
	executor, _ := newTestExecutor(t, sender, map[string]any{})

	workflow := testutil.CreateTestWorkflow(testutil.WithSteps(
		testutil.WaitStep("pause", "1h", "send"),
		testutil.ActionStep("send", "end"),
		testutil.EndStep("end"),
	))
	enrollment := testutil.CreateTestEnrollment(workflow, "contact-1")
	now := time.Now().UTC()

	err := executor.Process(context.Background(), workflow, enrollment, now)
	require.NoError(t, err)

	assert.Equal(t, models.EnrollmentStatusActive, enrollment.Status)
	assert.Equal(t, "send", enrollment.CurrentStepID)
	require.NotNil(t, enrollment.NextStepAt)
	assert.Equal(t, now.Add(time.Hour), *enrollment.NextStepAt)
	assert.Empty(t, sender.sent, "the step after a wait must not run early")
}

func TestProcessTrailingWaitCompletesImmediately(t *testing.T) {
	sender := &fakeSender{}
	executor, _ := newTestExecutor(t, sender, map[string]any{"email": "ana@example.com"})

	workflow := testutil.CreateTestWorkflow(testutil.WithSteps(
		testutil.ActionStep("send", "pause"),
		testutil.WaitStep("pause", "1h", ""),
	))
	enrollment := testutil.CreateTestEnrollment(workflow, "contact-1")
	now := time.Now().UTC()

	err := executor.Process(context.Background(), workflow, enrollment, now)
	require.NoError(t, err)

	assert.Len(t, sender.sent, 1)
	assert.Equal(t, models.EnrollmentStatusCompleted, enrollment.Status)
	assert.Nil(t, enrollment.NextStepAt)
	require.NotNil(t, enrollment.ExitedAt)
	assert.Equal(t, now, *enrollment.ExitedAt)
}

func TestProcessConditionBranchesOnContactField(t *testing.T) {
	steps := []*models.Step{
		testutil.ConditionStep("check", "budget", models.OperatorGreater, 500000, "hot", "warm"),
		testutil.TagStep("hot", "hot-lead", "end"),
		testutil.TagStep("warm", "warm-lead", "end"),
		testutil.EndStep("end"),
	}

	tests := []struct {
		name    string
		budget  int
		wantTag string
	}{
		{"above threshold", 750000, "hot-lead"},
		{"below threshold", 250000, "warm-lead"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			executor, source := newTestExecutor(t, &fakeSender{}, map[string]any{"budget": tt.budget})

			workflow := testutil.CreateTestWorkflow(testutil.WithSteps(steps...))
			enrollment := testutil.CreateTestEnrollment(workflow, "contact-1")

			err := executor.Process(context.Background(), workflow, enrollment, time.Now().UTC())
			require.NoError(t, err)

			assert.Equal(t, models.EnrollmentStatusCompleted, enrollment.Status)

			fields, err := source.Context(context.Background(), "ws-test", "contact-1")
			require.NoError(t, err)
			assert.Equal(t, []string{tt.wantTag}, fields["tags"])
		})
	}
}

func TestProcessConditionExpression(t *testing.T) {
	executor, source := newTestExecutor(t, &fakeSender{}, map[string]any{
		"budget": 800000,
		"city":   "Porto",
	})

	workflow := testutil.CreateTestWorkflow(testutil.WithSteps(
		&models.Step{
			ID:   "check",
			Kind: models.StepKindCondition,
			Condition: &models.ConditionConfig{
				Expression:  `budget > 500000 && city == "Porto"`,
				TrueStepID:  "hot",
				FalseStepID: "end",
			},
		},
		testutil.TagStep("hot", "hot-lead", "end"),
		testutil.EndStep("end"),
	))
	enrollment := testutil.CreateTestEnrollment(workflow, "contact-1")

	err := executor.Process(context.Background(), workflow, enrollment, time.Now().UTC())
	require.NoError(t, err)

	fields, err := source.Context(context.Background(), "ws-test", "contact-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"hot-lead"}, fields["tags"])
}

func TestProcessGoToLoopHitsChainCap(t *testing.T) {
	executor, _ := newTestExecutor(t, &fakeSender{}, map[string]any{})

	workflow := testutil.CreateTestWorkflow(testutil.WithSteps(
		testutil.GoToStep("a", "b"),
		testutil.GoToStep("b", "a"),
		testutil.EndStep("end"),
	))
	enrollment := testutil.CreateTestEnrollment(workflow, "contact-1")

	err := executor.Process(context.Background(), workflow, enrollment, time.Now().UTC())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLoopLimitExceeded)
	assert.Equal(t, models.EnrollmentStatusFailed, enrollment.Status)
	assert.Nil(t, enrollment.NextStepAt)
}

func TestProcessTransientFailureSchedulesRetry(t *testing.T) {
	sender := &fakeSender{errs: []error{protocol.NewTransientError(errors.New("gateway 503"))}}
	executor, _ := newTestExecutor(t, sender, map[string]any{})

	workflow := testutil.CreateTestWorkflow()
	enrollment := testutil.CreateTestEnrollment(workflow, "contact-1")
	now := time.Now().UTC()

	err := executor.Process(context.Background(), workflow, enrollment, now)
	require.NoError(t, err)

	assert.Equal(t, models.EnrollmentStatusActive, enrollment.Status)
	assert.Equal(t, 1, enrollment.Attempts)
	assert.Contains(t, enrollment.LastError, "gateway 503")
	require.NotNil(t, enrollment.NextStepAt)
	assert.Equal(t, now.Add(time.Minute), *enrollment.NextStepAt)
}

func TestProcessRetryBackoffDoubles(t *testing.T) {
	sender := &fakeSender{errs: []error{
		protocol.NewTransientError(errors.New("busy")),
		protocol.NewTransientError(errors.New("busy")),
	}}
	executor, _ := newTestExecutor(t, sender, map[string]any{})

	workflow := testutil.CreateTestWorkflow()
	enrollment := testutil.CreateTestEnrollment(workflow, "contact-1")
	now := time.Now().UTC()

	require.NoError(t, executor.Process(context.Background(), workflow, enrollment, now))
	assert.Equal(t, now.Add(time.Minute), *enrollment.NextStepAt)

	require.NoError(t, executor.Process(context.Background(), workflow, enrollment, now))
	assert.Equal(t, 2, enrollment.Attempts)
	assert.Equal(t, now.Add(2*time.Minute), *enrollment.NextStepAt)
}

func TestProcessTransientFailureExhaustsAttempts(t *testing.T) {
	failures := make([]error, maxAttempts)
	for i := range failures {
		failures[i] = protocol.NewTransientError(errors.New("gateway down"))
	}

	sender := &fakeSender{errs: failures}
	executor, _ := newTestExecutor(t, sender, map[string]any{})

	workflow := testutil.CreateTestWorkflow()
	enrollment := testutil.CreateTestEnrollment(workflow, "contact-1")
	now := time.Now().UTC()

	for i := 0; i < maxAttempts-1; i++ {
		require.NoError(t, executor.Process(context.Background(), workflow, enrollment, now))
		assert.Equal(t, models.EnrollmentStatusActive, enrollment.Status)
	}

	err := executor.Process(context.Background(), workflow, enrollment, now)
	require.Error(t, err)
	assert.Equal(t, models.EnrollmentStatusFailed, enrollment.Status)
	assert.Contains(t, enrollment.LastError, "gateway down")
}

func TestProcessPermanentFailureFailsImmediately(t *testing.T) {
	sender := &fakeSender{errs: []error{errors.New("invalid recipient")}}
	executor, _ := newTestExecutor(t, sender, map[string]any{})

	workflow := testutil.CreateTestWorkflow()
	enrollment := testutil.CreateTestEnrollment(workflow, "contact-1")

	err := executor.Process(context.Background(), workflow, enrollment, time.Now().UTC())
	require.Error(t, err)
	assert.Equal(t, models.EnrollmentStatusFailed, enrollment.Status)
	assert.Equal(t, 0, enrollment.Attempts)
}

func TestProcessQuietHoursDefersMessage(t *testing.T) {
	sender := &fakeSender{}
	executor, _ := newTestExecutor(t, sender, map[string]any{})

	workflow := testutil.CreateTestWorkflow(testutil.WithQuietHours(21, 8))
	enrollment := testutil.CreateTestEnrollment(workflow, "contact-1")

	// 23:30 falls inside the 21:00-08:00 window.
	now := time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)

	err := executor.Process(context.Background(), workflow, enrollment, now)
	require.NoError(t, err)

	assert.Empty(t, sender.sent)
	assert.Equal(t, models.EnrollmentStatusActive, enrollment.Status)
	assert.Equal(t, "welcome", enrollment.CurrentStepID)
	require.NotNil(t, enrollment.NextStepAt)
	assert.Equal(t, time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC), *enrollment.NextStepAt)
}

func TestProcessQuietHoursDoesNotDeferTagging(t *testing.T) {
	executor, source := newTestExecutor(t, &fakeSender{}, map[string]any{})

	workflow := testutil.CreateTestWorkflow(
		testutil.WithQuietHours(21, 8),
		testutil.WithSteps(
			testutil.TagStep("tag", "night-owl", "end"),
			testutil.EndStep("end"),
		),
	)
	enrollment := testutil.CreateTestEnrollment(workflow, "contact-1")
	now := time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)

	require.NoError(t, executor.Process(context.Background(), workflow, enrollment, now))

	fields, err := source.Context(context.Background(), "ws-test", "contact-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"night-owl"}, fields["tags"])
}

func TestProcessUpdateField(t *testing.T) {
	executor, source := newTestExecutor(t, &fakeSender{}, map[string]any{})

	next := "end"
	workflow := testutil.CreateTestWorkflow(testutil.WithSteps(
		&models.Step{
			ID:         "score",
			Kind:       models.StepKindAction,
			NextStepID: &next,
			Action: &models.ActionConfig{
				Channel: models.ChannelUpdateField,
				Field:   "lead_score",
				Value:   80,
			},
		},
		testutil.EndStep("end"),
	))

	enrollment := testutil.CreateTestEnrollment(workflow, "contact-1")

	require.NoError(t, executor.Process(context.Background(), workflow, enrollment, time.Now().UTC()))

	fields, err := source.Context(context.Background(), "ws-test", "contact-1")
	require.NoError(t, err)
	assert.Equal(t, 80, fields["lead_score"])
}

func TestProcessMissingStepFailsEnrollment(t *testing.T) {
	executor, _ := newTestExecutor(t, &fakeSender{}, map[string]any{})

	workflow := testutil.CreateTestWorkflow()
	enrollment := testutil.CreateTestEnrollment(workflow, "contact-1")
	enrollment.CurrentStepID = "deleted-step"

	err := executor.Process(context.Background(), workflow, enrollment, time.Now().UTC())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStepNotFound)
	assert.Equal(t, models.EnrollmentStatusFailed, enrollment.Status)
}

func TestProcessInactiveWorkflowRejected(t *testing.T) {
	executor, _ := newTestExecutor(t, &fakeSender{}, map[string]any{})

	workflow := testutil.CreateTestWorkflow(testutil.WithStatus(models.WorkflowStatusPaused))
	enrollment := testutil.CreateTestEnrollment(workflow, "contact-1")

	err := executor.Process(context.Background(), workflow, enrollment, time.Now().UTC())
	assert.ErrorIs(t, err, ErrWorkflowNotRunnable)
	assert.Equal(t, models.EnrollmentStatusActive, enrollment.Status)
}

func TestProcessTrailingActionCompletes(t *testing.T) {
	sender := &fakeSender{}
	executor, _ := newTestExecutor(t, sender, map[string]any{})

	workflow := testutil.CreateTestWorkflow(testutil.WithSteps(
		testutil.ActionStep("only", ""),
	))
	enrollment := testutil.CreateTestEnrollment(workflow, "contact-1")

	require.NoError(t, executor.Process(context.Background(), workflow, enrollment, time.Now().UTC()))

	assert.Len(t, sender.sent, 1)
	assert.Equal(t, models.EnrollmentStatusCompleted, enrollment.Status)
}

func TestRetryBackoff(t *testing.T) {
	assert.Equal(t, time.Minute, retryBackoff(0))
	assert.Equal(t, 2*time.Minute, retryBackoff(1))
	assert.Equal(t, 4*time.Minute, retryBackoff(2))
	assert.Equal(t, 32*time.Minute, retryBackoff(5))
	assert.Equal(t, time.Hour, retryBackoff(6))
	assert.Equal(t, time.Hour, retryBackoff(20))
}
