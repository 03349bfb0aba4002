package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/casaflow/casaflow/pkg/eventbus"
	"github.com/casaflow/casaflow/pkg/events"
	"github.com/casaflow/casaflow/pkg/models"
	"github.com/casaflow/casaflow/pkg/otelhelper"
	"github.com/casaflow/casaflow/pkg/persistence"
)

const (
	defaultBatchSize   = 100
	defaultMaxDuration = 55 * time.Second
	defaultClaimTTL    = 5 * time.Minute
)

// Config tunes one runner instance.
type Config struct {
	RunnerID string
	// BatchSize caps how many enrollments one invocation claims.
	BatchSize int
	// MaxDuration is the soft time budget. The runner stops claiming work
	// once it is exceeded; the enrollment in flight finishes.
	MaxDuration time.Duration
	// ClaimTTL is the lease stamped on claimed enrollments. A crashed run's
	// claims expire and its work becomes claimable again.
	ClaimTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}

	if c.MaxDuration <= 0 {
		c.MaxDuration = defaultMaxDuration
	}

	if c.ClaimTTL <= 0 {
		c.ClaimTTL = defaultClaimTTL
	}
}

// BatchOptions overrides the configured budgets for a single invocation.
// Zero values fall back to the runner's Config.
type BatchOptions struct {
	MaxCount    int
	MaxDuration time.Duration
}

// BatchReport summarizes one runner invocation.
type BatchReport struct {
	Processed int           `json:"processed"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Remaining int64         `json:"remaining"`
	Duration  time.Duration `json:"duration"`
	Errors    []string      `json:"errors,omitempty"`
}

// Runner claims due enrollments and drives them through the executor. It is
// safe to run multiple instances against the same store; the claim lease
// keeps them off each other's work.
type Runner struct {
	config      Config
	persistence persistence.Persistence
	executor    *Executor
	publisher   eventbus.EventPublisher
	tracer      trace.Tracer
	logger      *slog.Logger
	clock       func() time.Time
}

func NewRunner(
	config Config,
	store persistence.Persistence,
	executor *Executor,
	publisher eventbus.EventPublisher,
	tracer trace.Tracer,
	logger *slog.Logger,
) *Runner {
	config.applyDefaults()

	return &Runner{
		config:      config,
		persistence: store,
		executor:    executor,
		publisher:   publisher,
		tracer:      tracer,
		logger:      logger.With("module", "runner", "runner_id", config.RunnerID),
		clock:       time.Now,
	}
}

// RunBatch claims up to BatchSize due enrollments as of now and processes
// them until the batch is drained or the time budget runs out. Failures are
// isolated per enrollment; the batch always produces a report.
func (r *Runner) RunBatch(ctx context.Context, now time.Time) (*BatchReport, error) {
	return r.RunBatchWith(ctx, now, BatchOptions{})
}

// RunBatchWith is RunBatch with per-invocation budget overrides, used by the
// manual run endpoint.
func (r *Runner) RunBatchWith(ctx context.Context, now time.Time, opts BatchOptions) (*BatchReport, error) {
	started := r.clock()

	batchSize := r.config.BatchSize
	if opts.MaxCount > 0 {
		batchSize = opts.MaxCount
	}

	maxDuration := r.config.MaxDuration
	if opts.MaxDuration > 0 {
		maxDuration = opts.MaxDuration
	}

	if r.tracer != nil {
		var span trace.Span

		ctx, span = otelhelper.StartSpan(ctx, r.tracer, "engine.run_batch",
			attribute.String(otelhelper.RunnerIDKey, r.config.RunnerID),
		)
		defer span.End()
	}

	enrollments := r.persistence.EnrollmentRepository()

	claimed, err := enrollments.ClaimDue(ctx, now, batchSize, r.config.ClaimTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due enrollments: %w", err)
	}

	report := &BatchReport{}
	workflows := make(map[string]*models.Workflow)
	deadline := started.Add(maxDuration)
	admitted := 0

	for _, enrollment := range claimed {
		if r.clock().After(deadline) {
			r.logger.Warn("Batch time budget exhausted",
				"processed", report.Processed, "claimed", len(claimed))

			break
		}

		if err := ctx.Err(); err != nil {
			break
		}

		r.processOne(ctx, enrollment, workflows, now, report)
		admitted++
	}

	// Claims on work the budget cut off are released immediately, so the
	// next invocation can pick the remainder up without waiting out the
	// claim TTL.
	countCtx := context.WithoutCancel(ctx)
	if admitted < len(claimed) {
		r.releaseClaims(countCtx, claimed[admitted:])
	}

	remaining, err := enrollments.CountDue(countCtx, now)
	if err != nil {
		r.logger.Warn("Failed to count remaining enrollments", "error", err)
	}

	report.Remaining = remaining
	report.Duration = r.clock().Sub(started)

	r.logger.Info("Batch finished",
		"processed", report.Processed,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"remaining", report.Remaining,
		"duration", report.Duration,
	)

	r.publishReport(ctx, report)

	return report, nil
}

// processOne runs a single enrollment through the executor and persists the
// outcome. Panics are contained so one poisoned record cannot take down a
// batch.
func (r *Runner) processOne(ctx context.Context, enrollment *models.Enrollment, workflows map[string]*models.Workflow, now time.Time, report *BatchReport) {
	defer func() {
		if rec := recover(); rec != nil {
			cause := fmt.Sprintf("panic: %v", rec)
			enrollment.Fail(now, cause)

			if err := r.persistence.EnrollmentRepository().Save(ctx, enrollment); err != nil {
				r.logger.Error("Failed to persist panicked enrollment", "enrollment_id", enrollment.ID, "error", err)
			}

			report.Processed++
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %s", enrollment.ID, cause))
			r.logger.Error("Enrollment processing panicked", "enrollment_id", enrollment.ID, "panic", rec)
		}
	}()

	workflow, err := r.workflowFor(ctx, enrollment.WorkflowID, workflows)
	if err != nil {
		enrollment.Fail(now, err.Error())
		r.saveAndCount(ctx, enrollment, report, err)

		return
	}

	if workflow.Status != models.WorkflowStatusActive {
		// Paused or archived workflows keep their enrollments parked. The
		// claim lease is left in place so the record is not rechecked until
		// the lease expires.
		r.logger.Debug("Skipping enrollment of inactive workflow",
			"enrollment_id", enrollment.ID, "workflow_id", workflow.ID, "workflow_status", workflow.Status)

		return
	}

	if r.tracer != nil {
		var span trace.Span

		ctx, span = otelhelper.StartSpan(ctx, r.tracer, "engine.process_enrollment",
			attribute.String(otelhelper.WorkflowIDKey, workflow.ID),
			attribute.String(otelhelper.EnrollmentIDKey, enrollment.ID),
			attribute.String(otelhelper.ContactIDKey, enrollment.ContactID),
			attribute.String(otelhelper.StepIDKey, enrollment.CurrentStepID),
		)
		defer span.End()

		if err := r.executor.Process(ctx, workflow, enrollment, now); err != nil {
			otelhelper.SetError(span, err)
			r.saveAndCount(ctx, enrollment, report, err)

			return
		}
	} else if err := r.executor.Process(ctx, workflow, enrollment, now); err != nil {
		r.saveAndCount(ctx, enrollment, report, err)

		return
	}

	r.saveAndCount(ctx, enrollment, report, nil)

	if enrollment.Status == models.EnrollmentStatusCompleted {
		if err := r.persistence.WorkflowRepository().IncrementCounters(ctx, workflow.ID, 0, 1); err != nil {
			r.logger.Warn("Failed to bump completion counter", "workflow_id", workflow.ID, "error", err)
		}
	}
}

// saveAndCount persists the enrollment, clears the claim on still-active
// records, and tallies the outcome.
func (r *Runner) saveAndCount(ctx context.Context, enrollment *models.Enrollment, report *BatchReport, processErr error) {
	report.Processed++

	if enrollment.Status == models.EnrollmentStatusActive {
		enrollment.ClaimedUntil = nil
	}

	if err := r.persistence.EnrollmentRepository().Save(ctx, enrollment); err != nil {
		r.logger.Error("Failed to persist enrollment", "enrollment_id", enrollment.ID, "error", err)

		if processErr == nil {
			processErr = err
		}
	}

	if processErr != nil {
		report.Failed++
		report.Errors = append(report.Errors, processErr.Error())
	} else {
		report.Succeeded++
	}
}

func (r *Runner) releaseClaims(ctx context.Context, unprocessed []*models.Enrollment) {
	repo := r.persistence.EnrollmentRepository()

	for _, enrollment := range unprocessed {
		if err := repo.Release(ctx, enrollment.ID); err != nil {
			r.logger.Error("Failed to release unprocessed claim",
				"enrollment_id", enrollment.ID, "error", err)
		}
	}
}

func (r *Runner) workflowFor(ctx context.Context, workflowID string, cache map[string]*models.Workflow) (*models.Workflow, error) {
	if workflow, ok := cache[workflowID]; ok {
		return workflow, nil
	}

	workflow, err := r.persistence.WorkflowRepository().GetByID(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s: %w", workflowID, err)
	}

	if workflow == nil {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, persistence.ErrWorkflowNotFound)
	}

	cache[workflowID] = workflow

	return workflow, nil
}

func (r *Runner) publishReport(ctx context.Context, report *BatchReport) {
	if r.publisher == nil {
		return
	}

	event := events.BatchFinished{
		BaseEvent: events.BaseEvent{
			Type:      events.BatchFinishedEvent,
			Timestamp: time.Now().UTC(),
			Metadata:  map[string]any{"runner_id": r.config.RunnerID},
		},
		Processed: report.Processed,
		Succeeded: report.Succeeded,
		Failed:    report.Failed,
		Remaining: int(report.Remaining),
		Duration:  report.Duration,
	}

	if err := r.publisher.Publish(ctx, r.config.RunnerID, event); err != nil {
		r.logger.Warn("Failed to publish batch report", "error", err)
	}
}
