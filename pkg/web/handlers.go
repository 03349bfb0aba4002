package web

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/casaflow/casaflow/pkg/engine"
	"github.com/casaflow/casaflow/pkg/models"
	"github.com/casaflow/casaflow/pkg/services"
)

// BatchRunner triggers one engine batch. The HTTP layer only relays the
// report; scheduling lives in the runner binary.
type BatchRunner interface {
	RunBatchWith(ctx context.Context, now time.Time, opts engine.BatchOptions) (*engine.BatchReport, error)
}

type APIHandlers struct {
	workflowService   *services.Workflow
	enrollmentService *services.Enrollment
	runner            BatchRunner
	validator         *validator.Validate
	runnerSecret      string
}

func NewAPIHandlers(
	workflowService *services.Workflow,
	enrollmentService *services.Enrollment,
	runner BatchRunner,
	validator *validator.Validate,
	runnerSecret string,
) *APIHandlers {
	return &APIHandlers{
		workflowService:   workflowService,
		enrollmentService: enrollmentService,
		runner:            runner,
		validator:         validator,
		runnerSecret:      runnerSecret,
	}
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	req, err := h.parseListWorkflowsRequest(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	result, err := h.workflowService.ListWorkflows(c.Context(), *req)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"workflows":     result.Workflows,
		"total_count":   result.TotalCount,
		"has_next_page": result.HasNextPage,
		"pagination": fiber.Map{
			"limit":  req.Limit,
			"offset": req.Offset,
		},
	})
}

func (h *APIHandlers) parseListWorkflowsRequest(c fiber.Ctx) (*services.ListWorkflowsRequest, error) {
	req := &services.ListWorkflowsRequest{}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, err
		}

		req.Limit = limit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return nil, err
		}

		req.Offset = offset
	}

	req.WorkspaceID = c.Query("workspace_id")

	if statusStr := c.Query("status"); statusStr != "" {
		status := models.WorkflowStatus(statusStr)
		req.Status = &status
	}

	req.SortBy = c.Query("sort_by")
	req.SortOrder = c.Query("sort_order")

	return req, nil
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	workflow, err := h.workflowService.FetchByID(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	var req CreateWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	workflow := &models.Workflow{
		WorkspaceID: req.WorkspaceID,
		Name:        req.Name,
		Description: req.Description,
		Trigger:     req.Trigger,
		Steps:       req.Steps,
	}

	if req.Settings != nil {
		workflow.Settings = *req.Settings
	}

	created, err := h.workflowService.Create(c.Context(), workflow)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) UpdateWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	var req UpdateWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	existing, err := h.workflowService.FetchByID(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	if req.Name != nil {
		existing.Name = *req.Name
	}

	if req.Description != nil {
		existing.Description = *req.Description
	}

	if req.Trigger != nil {
		existing.Trigger = req.Trigger
	}

	if req.Steps != nil {
		existing.Steps = req.Steps
	}

	if req.Settings != nil {
		existing.Settings = *req.Settings
	}

	updated, err := h.workflowService.Update(c.Context(), id, existing)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) DeleteWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	if err := h.workflowService.Delete(c.Context(), id); err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// transition handlers

func (h *APIHandlers) ActivateWorkflow(c fiber.Ctx) error {
	return h.transitionWorkflow(c, models.WorkflowStatusActive)
}

func (h *APIHandlers) PauseWorkflow(c fiber.Ctx) error {
	return h.transitionWorkflow(c, models.WorkflowStatusPaused)
}

func (h *APIHandlers) ArchiveWorkflow(c fiber.Ctx) error {
	return h.transitionWorkflow(c, models.WorkflowStatusArchived)
}

func (h *APIHandlers) RestoreWorkflow(c fiber.Ctx) error {
	return h.transitionWorkflow(c, models.WorkflowStatusDraft)
}

func (h *APIHandlers) transitionWorkflow(c fiber.Ctx, next models.WorkflowStatus) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	workflow, err := h.workflowService.Transition(c.Context(), id, next)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

// enrollment handlers

func (h *APIHandlers) EnrollContact(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	var req EnrollRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	enrollment, err := h.enrollmentService.Enroll(c.Context(), id, req.ContactID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(enrollment)
}

func (h *APIHandlers) GetWorkflowEnrollments(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	offset, _ := strconv.Atoi(c.Query("offset", "0"))

	enrollments, err := h.enrollmentService.ListByWorkflow(c.Context(), id, limit, offset)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"enrollments": enrollments})
}

func (h *APIHandlers) GetEnrollment(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Enrollment ID is required")
	}

	enrollment, err := h.enrollmentService.FetchByID(c.Context(), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(enrollment)
}

func (h *APIHandlers) ExitEnrollment(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Enrollment ID is required")
	}

	var req ExitEnrollmentRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	enrollment, err := h.enrollmentService.Exit(c.Context(), id, req.Reason)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(enrollment)
}

// RunEngine triggers one batch on demand. The caller must present the shared
// runner secret; the endpoint is meant for schedulers and operators, not end
// users.
func (h *APIHandlers) RunEngine(c fiber.Ctx) error {
	if h.runner == nil {
		return internalError(c, errors.New("engine runner is not configured"))
	}

	secret := c.Get("X-Runner-Secret")
	if subtle.ConstantTimeCompare([]byte(secret), []byte(h.runnerSecret)) != 1 {
		return unauthorized(c, "Invalid runner secret")
	}

	var req RunEngineRequest

	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid request body: "+err.Error())
		}

		if err := h.validator.Struct(&req); err != nil {
			return badRequest(c, "Validation failed: "+err.Error())
		}
	}

	opts := engine.BatchOptions{
		MaxCount:    req.MaxCount,
		MaxDuration: time.Duration(req.MaxDurationMs) * time.Millisecond,
	}

	report, err := h.runner.RunBatchWith(c.Context(), time.Now().UTC(), opts)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(report)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, repOk := h.workflowService.HealthCheck(c.Context())

	status := "unhealthy"
	httpStatus := http.StatusInternalServerError

	if repOk {
		status = "healthy"
		httpStatus = http.StatusOK
	}

	stats, err := h.enrollmentService.Stats(c.Context(), c.Query("workspace_id"))
	if err != nil {
		stats = nil
	}

	workflowCounts, err := h.workflowService.Counts(c.Context(), c.Query("workspace_id"))
	if err != nil {
		workflowCounts = nil
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"workflows":   workflowCounts,
		"enrollments": stats,
		"timestamp":   time.Now().UTC(),
	})
}

// Register mounts all API routes on the app.
func (h *APIHandlers) Register(app *fiber.App) {
	w := app.Group("/workflows")
	w.Get("/", h.GetWorkflows)
	w.Post("/", h.CreateWorkflow)
	w.Get("/:id", h.GetWorkflow)
	w.Patch("/:id", h.UpdateWorkflow)
	w.Delete("/:id", h.DeleteWorkflow)
	w.Post("/:id/activate", h.ActivateWorkflow)
	w.Post("/:id/pause", h.PauseWorkflow)
	w.Post("/:id/archive", h.ArchiveWorkflow)
	w.Post("/:id/restore", h.RestoreWorkflow)
	w.Post("/:id/enrollments", h.EnrollContact)
	w.Get("/:id/enrollments", h.GetWorkflowEnrollments)

	e := app.Group("/enrollments")
	e.Get("/:id", h.GetEnrollment)
	e.Post("/:id/exit", h.ExitEnrollment)

	app.Post("/engine/run", h.RunEngine)
	app.Get("/health", h.HealthCheck)
}
