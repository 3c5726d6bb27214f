// Package api implements the REST CRUD surface over workflows and runs
// named in spec §4.7: list/get/create/update/delete workflows, get/list/
// cancel runs, and a health check — fiber handlers over the same Store the
// engine and webhook admission path use.
package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/flowforge/enginecore/internal/handler"
	"github.com/flowforge/enginecore/internal/run"
	"github.com/flowforge/enginecore/internal/store"
	"github.com/flowforge/enginecore/internal/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

// Handlers holds the Store dependency and a shared validator, the same
// shape as the teacher's APIHandlers.
type Handlers struct {
	store    store.Store
	validate *validator.Validate
}

func NewHandlers(st store.Store) *Handlers {
	return &Handlers{
		store:    st,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func parseListOptions(c fiber.Ctx) (store.ListOptions, error) {
	opts := store.ListOptions{Limit: 20, SortBy: "created_at", SortDir: "desc"}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return opts, err
		}

		opts.Limit = limit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return opts, err
		}

		opts.Offset = offset
	}

	if sortBy := c.Query("sort_by"); sortBy != "" {
		opts.SortBy = sortBy
	}

	if sortDir := c.Query("sort_dir"); sortDir != "" {
		opts.SortDir = sortDir
	}

	return opts, nil
}

// validateStepConfigs rejects a step list whose config doesn't satisfy the
// JSON Schema registered for its type, before it ever reaches the store.
func validateStepConfigs(steps []*workflow.Step) error {
	for _, s := range steps {
		if err := handler.ValidateConfig(s.Type, s.Config); err != nil {
			return fmt.Errorf("step %q: %w", s.Name, err)
		}
	}

	return nil
}

func (h *Handlers) ListWorkflows(c fiber.Ctx) error {
	opts, err := parseListOptions(c)
	if err != nil {
		return badRequest(c, "invalid query parameters: "+err.Error())
	}

	workflows, total, err := h.store.Workflows().List(c.Context(), opts)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"workflows": workflows,
		"total":     total,
		"limit":     opts.Limit,
		"offset":    opts.Offset,
	})
}

func (h *Handlers) GetWorkflow(c fiber.Ctx) error {
	wf, err := h.store.Workflows().FindByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleStoreError(c, err)
	}

	return c.JSON(wf)
}

func (h *Handlers) CreateWorkflow(c fiber.Ctx) error {
	var req CreateWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid JSON body")
	}

	if err := h.validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := workflow.ValidateSlug(req.Slug); err != nil {
		return badRequest(c, err.Error())
	}

	wf := &workflow.Workflow{
		Name:          req.Name,
		Slug:          req.Slug,
		WebhookSecret: req.WebhookSecret,
		Enabled:       req.Enabled,
		Steps:         workflow.DensifyOrder(stepsFromRequest("", req.Steps)),
	}

	if err := workflow.ValidateStepUniqueness(wf.Steps); err != nil {
		return badRequest(c, err.Error())
	}

	if err := validateStepConfigs(wf.Steps); err != nil {
		return badRequest(c, err.Error())
	}

	if err := h.store.Workflows().Create(c.Context(), wf); err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(wf)
}

func (h *Handlers) UpdateWorkflow(c fiber.Ctx) error {
	id := c.Params("id")

	var req UpdateWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid JSON body")
	}

	if err := h.validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	existing, err := h.store.Workflows().FindByID(c.Context(), id)
	if err != nil {
		return handleStoreError(c, err)
	}

	if req.Name != nil {
		existing.Name = *req.Name
	}

	if req.WebhookSecret != nil {
		existing.WebhookSecret = *req.WebhookSecret
	}

	if req.Enabled != nil {
		existing.Enabled = *req.Enabled
	}

	if req.Steps != nil {
		steps := workflow.DensifyOrder(stepsFromRequest(id, req.Steps))
		if err := workflow.ValidateStepUniqueness(steps); err != nil {
			return badRequest(c, err.Error())
		}

		if err := validateStepConfigs(steps); err != nil {
			return badRequest(c, err.Error())
		}

		existing.Steps = steps
	}

	if err := h.store.Workflows().Update(c.Context(), existing); err != nil {
		return handleStoreError(c, err)
	}

	return c.JSON(existing)
}

func (h *Handlers) DeleteWorkflow(c fiber.Ctx) error {
	if err := h.store.Workflows().SoftDelete(c.Context(), c.Params("id")); err != nil {
		return handleStoreError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handlers) GetRun(c fiber.Ctx) error {
	r, err := h.store.Runs().FindByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleStoreError(c, err)
	}

	steps, err := h.store.StepExecutions().ListByRun(c.Context(), r.ID)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"run": r, "stepExecutions": steps})
}

func (h *Handlers) ListRuns(c fiber.Ctx) error {
	opts, err := parseListOptions(c)
	if err != nil {
		return badRequest(c, "invalid query parameters: "+err.Error())
	}

	runs, total, err := h.store.Runs().List(c.Context(), c.Query("workflow_id"), opts)
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"runs": runs, "total": total, "limit": opts.Limit, "offset": opts.Offset})
}

func (h *Handlers) CancelRun(c fiber.Ctx) error {
	r, err := h.store.Runs().Cancel(c.Context(), c.Params("id"), time.Now().UTC())
	if err != nil {
		return handleStoreError(c, err)
	}

	if r.Status != run.StatusCancelled {
		return problemResponse(c, fiber.StatusConflict, "run_not_cancellable",
			"run is already in a terminal state ("+string(r.Status)+")")
	}

	return c.JSON(r)
}

// HealthCheck reports store reachability, grounded on the teacher's
// registry+repository dual healthcheck merged into a single store check
// since this engine has one dependency to probe, not two.
func (h *Handlers) HealthCheck(c fiber.Ctx) error {
	_, _, err := h.store.Workflows().List(c.Context(), store.ListOptions{Limit: 1})

	status, message, httpStatus := "healthy", "engine api is healthy", http.StatusOK
	if err != nil {
		status, message, httpStatus = "unhealthy", "engine api is unhealthy", http.StatusInternalServerError
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":    status,
		"message":   message,
		"timestamp": time.Now().UTC(),
	})
}
