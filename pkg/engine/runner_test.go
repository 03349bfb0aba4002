package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casaflow/casaflow/pkg/contacts/memory"
	"github.com/casaflow/casaflow/pkg/models"
	"github.com/casaflow/casaflow/pkg/persistence"
	"github.com/casaflow/casaflow/pkg/persistence/file"
	"github.com/casaflow/casaflow/pkg/protocol"
	"github.com/casaflow/casaflow/pkg/registry"
	"github.com/casaflow/casaflow/pkg/testutil"
)

type runnerFixture struct {
	store  persistence.Persistence
	source *memory.Source
	sender *fakeSender
}

func newTestRunner(t *testing.T, config Config) (*Runner, *runnerFixture) {
	t.Helper()

	logger := slog.Default()
	store := file.NewPersistence(t.TempDir())

	sender := &fakeSender{}
	reg := registry.NewRegistry(logger)
	reg.RegisterSender(models.ChannelEmail, sender)
	reg.RegisterSender(models.ChannelSMS, sender)

	source := memory.NewSource()
	executor := NewExecutor(reg, source, nil, logger)
	runner := NewRunner(config, store, executor, nil, nil, logger)

	return runner, &runnerFixture{store: store, source: source, sender: sender}
}

func seedEnrollments(t *testing.T, fx *runnerFixture, workflow *models.Workflow, count int, due time.Time) []*models.Enrollment {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, fx.store.WorkflowRepository().Save(ctx, workflow))

	seeded := make([]*models.Enrollment, 0, count)

	for i := 0; i < count; i++ {
		contactID := fmt.Sprintf("contact-%d", i)
		fx.source.Put(workflow.WorkspaceID, contactID, map[string]any{"email": contactID + "@example.com"})

		enrollment := testutil.CreateTestEnrollment(workflow, contactID, testutil.WithDueAt(due))
		require.NoError(t, fx.store.EnrollmentRepository().Save(ctx, enrollment))
		seeded = append(seeded, enrollment)
	}

	return seeded
}

func TestRunBatchProcessesDueEnrollments(t *testing.T) {
	runner, fx := newTestRunner(t, Config{RunnerID: "r-1"})

	now := time.Now().UTC()
	workflow := testutil.CreateTestWorkflow()
	seedEnrollments(t, fx, workflow, 4, now.Add(-time.Minute))

	report, err := runner.RunBatch(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, 4, report.Processed)
	assert.Equal(t, 4, report.Succeeded)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, int64(0), report.Remaining)
	assert.Len(t, fx.sender.sent, 4)
}

func TestRunBatchHonorsBatchSize(t *testing.T) {
	runner, fx := newTestRunner(t, Config{RunnerID: "r-1", BatchSize: 3})

	now := time.Now().UTC()
	workflow := testutil.CreateTestWorkflow()
	seedEnrollments(t, fx, workflow, 10, now.Add(-time.Minute))

	report, err := runner.RunBatch(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Processed)
	assert.Equal(t, int64(7), report.Remaining)
}

func TestRunBatchStopsAtTimeBudgetAndReleasesRemainder(t *testing.T) {
	runner, fx := newTestRunner(t, Config{RunnerID: "r-1", BatchSize: 10, MaxDuration: time.Minute})

	ctx := context.Background()
	now := time.Now().UTC()
	workflow := testutil.CreateTestWorkflow()
	seeded := seedEnrollments(t, fx, workflow, 10, now.Add(-time.Minute))

	// The scripted clock lets three enrollments through, then jumps past the
	// deadline: one call for the batch start, one budget check per admitted
	// enrollment.
	base := time.Now()
	calls := 0
	runner.clock = func() time.Time {
		calls++
		if calls <= 4 {
			return base
		}

		return base.Add(time.Hour)
	}

	report, err := runner.RunBatch(ctx, now)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Processed)
	assert.Equal(t, 3, report.Succeeded)
	assert.Equal(t, int64(7), report.Remaining)

	// The cut-off enrollments are untouched: still active, due at their
	// original time, and claimable right away.
	untouched := 0

	for _, enrollment := range seeded {
		reloaded, err := fx.store.EnrollmentRepository().GetByID(ctx, enrollment.ID)
		require.NoError(t, err)

		if reloaded.Status != models.EnrollmentStatusActive {
			continue
		}

		untouched++

		assert.Nil(t, reloaded.ClaimedUntil)
		require.NotNil(t, reloaded.NextStepAt)
		assert.Equal(t, enrollment.NextStepAt.Unix(), reloaded.NextStepAt.Unix())
	}

	assert.Equal(t, 7, untouched)

	runner.clock = time.Now

	second, err := runner.RunBatch(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 7, second.Processed)
	assert.Equal(t, int64(0), second.Remaining)
}

func TestRunBatchSkipsFutureEnrollments(t *testing.T) {
	runner, fx := newTestRunner(t, Config{RunnerID: "r-1"})

	now := time.Now().UTC()
	workflow := testutil.CreateTestWorkflow()
	seedEnrollments(t, fx, workflow, 2, now.Add(time.Hour))

	report, err := runner.RunBatch(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, 0, report.Processed)
	assert.Empty(t, fx.sender.sent)
}

func TestRunBatchExcludesTerminalEnrollments(t *testing.T) {
	runner, fx := newTestRunner(t, Config{RunnerID: "r-1"})

	ctx := context.Background()
	now := time.Now().UTC()
	workflow := testutil.CreateTestWorkflow()
	require.NoError(t, fx.store.WorkflowRepository().Save(ctx, workflow))

	failed := testutil.CreateTestEnrollment(workflow, "contact-failed",
		testutil.WithEnrollmentStatus(models.EnrollmentStatusFailed))
	require.NoError(t, fx.store.EnrollmentRepository().Save(ctx, failed))

	report, err := runner.RunBatch(ctx, now)
	require.NoError(t, err)

	assert.Equal(t, 0, report.Processed)

	reloaded, err := fx.store.EnrollmentRepository().GetByID(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusFailed, reloaded.Status)
}

func TestRunBatchSkipsPausedWorkflow(t *testing.T) {
	runner, fx := newTestRunner(t, Config{RunnerID: "r-1"})

	now := time.Now().UTC()
	workflow := testutil.CreateTestWorkflow(testutil.WithStatus(models.WorkflowStatusPaused))
	seedEnrollments(t, fx, workflow, 2, now.Add(-time.Minute))

	report, err := runner.RunBatch(context.Background(), now)
	require.NoError(t, err)

	assert.Equal(t, 0, report.Processed)
	assert.Empty(t, fx.sender.sent)
}

func TestRunBatchIsolatesFailures(t *testing.T) {
	runner, fx := newTestRunner(t, Config{RunnerID: "r-1"})

	ctx := context.Background()
	now := time.Now().UTC()

	workflow := testutil.CreateTestWorkflow()
	seedEnrollments(t, fx, workflow, 2, now.Add(-time.Minute))

	// A condition step over a missing contact fails its enrollment but must
	// not stop the rest of the batch.
	broken := testutil.CreateTestWorkflow(testutil.WithSteps(
		testutil.ConditionStep("check", "budget", models.OperatorGreater, 1, "end", "end"),
		testutil.EndStep("end"),
	))
	require.NoError(t, fx.store.WorkflowRepository().Save(ctx, broken))

	orphan := testutil.CreateTestEnrollment(broken, "ghost-contact", testutil.WithDueAt(now.Add(-2*time.Minute)))
	require.NoError(t, fx.store.EnrollmentRepository().Save(ctx, orphan))

	report, err := runner.RunBatch(ctx, now)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Processed)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.Len(t, report.Errors, 1)
}

func TestRunBatchRecoversFromPanic(t *testing.T) {
	runner, fx := newTestRunner(t, Config{RunnerID: "r-1"})

	ctx := context.Background()
	now := time.Now().UTC()

	// A nil action config slips past claiming and panics in the executor.
	corrupt := testutil.CreateTestWorkflow(testutil.WithSteps(
		&models.Step{ID: "broken", Kind: models.StepKindAction},
		testutil.EndStep("end"),
	))
	require.NoError(t, fx.store.WorkflowRepository().Save(ctx, corrupt))

	enrollment := testutil.CreateTestEnrollment(corrupt, "contact-1", testutil.WithDueAt(now.Add(-time.Minute)))
	require.NoError(t, fx.store.EnrollmentRepository().Save(ctx, enrollment))

	report, err := runner.RunBatch(ctx, now)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Failed)

	reloaded, err := fx.store.EnrollmentRepository().GetByID(ctx, enrollment.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusFailed, reloaded.Status)
	assert.Contains(t, reloaded.LastError, "panic")
}

func TestRunBatchBumpsCompletionCounter(t *testing.T) {
	runner, fx := newTestRunner(t, Config{RunnerID: "r-1"})

	ctx := context.Background()
	now := time.Now().UTC()
	workflow := testutil.CreateTestWorkflow()
	seedEnrollments(t, fx, workflow, 3, now.Add(-time.Minute))

	_, err := runner.RunBatch(ctx, now)
	require.NoError(t, err)

	reloaded, err := fx.store.WorkflowRepository().GetByID(ctx, workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), reloaded.CompletedCount)
}

func TestRunBatchConcurrentRunnersDoNotOverlap(t *testing.T) {
	runner, fx := newTestRunner(t, Config{RunnerID: "r-1", BatchSize: 5})

	now := time.Now().UTC()
	workflow := testutil.CreateTestWorkflow()
	seedEnrollments(t, fx, workflow, 5, now.Add(-time.Minute))

	// A second runner against the same store must not claim the same work.
	logger := slog.Default()
	reg := registry.NewRegistry(logger)
	secondSender := &fakeSender{}
	reg.RegisterSender(models.ChannelEmail, secondSender)
	second := NewRunner(Config{RunnerID: "r-2", BatchSize: 5},
		fx.store, NewExecutor(reg, fx.source, nil, logger), nil, nil, logger)

	type result struct {
		report *BatchReport
		err    error
	}

	results := make(chan result, 2)

	go func() {
		report, err := runner.RunBatch(context.Background(), now)
		results <- result{report, err}
	}()
	go func() {
		report, err := second.RunBatch(context.Background(), now)
		results <- result{report, err}
	}()

	total := 0

	for i := 0; i < 2; i++ {
		res := <-results
		require.NoError(t, res.err)
		total += res.report.Processed
	}

	assert.Equal(t, 5, total, "each enrollment must be processed exactly once")
	assert.Equal(t, 5, len(fx.sender.sent)+len(secondSender.sent))
}

func TestRunBatchLeavesRetriedEnrollmentClaimable(t *testing.T) {
	runner, fx := newTestRunner(t, Config{RunnerID: "r-1"})

	ctx := context.Background()
	now := time.Now().UTC()

	workflow := testutil.CreateTestWorkflow()
	seeded := seedEnrollments(t, fx, workflow, 1, now.Add(-time.Minute))

	fx.sender.errs = []error{protocol.NewTransientError(errors.New("gateway 503"))}

	report, err := runner.RunBatch(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded, "a scheduled retry is not a batch failure")

	reloaded, err := fx.store.EnrollmentRepository().GetByID(ctx, seeded[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusActive, reloaded.Status)
	assert.Equal(t, 1, reloaded.Attempts)
	assert.Nil(t, reloaded.ClaimedUntil, "the claim must be released for the retry")
	require.NotNil(t, reloaded.NextStepAt)
	assert.True(t, reloaded.NextStepAt.After(now))
}
