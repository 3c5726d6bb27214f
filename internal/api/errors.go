package api

import (
	"errors"

	"github.com/flowforge/enginecore/internal/store"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	return problemResponse(c, fiber.StatusBadRequest, "validation_error", detail)
}

func notFound(c fiber.Ctx, detail string) error {
	return problemResponse(c, fiber.StatusNotFound, "not_found", detail)
}

func internalError(c fiber.Ctx, err error) error {
	return problemResponse(c, fiber.StatusInternalServerError, "internal_error", err.Error())
}

func problemResponse(c fiber.Ctx, status int, problemType, detail string) error {
	problem := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(detail)

	return c.Status(status).JSON(problem)
}

// handleStoreError maps the store's sentinel NotFoundError to 404, falling
// back to 500 for anything else — the same dispatch shape as the teacher's
// handleServiceError, generalized to one error type instead of a family of
// IsXError predicates.
func handleStoreError(c fiber.Ctx, err error) error {
	var notFoundErr *store.NotFoundError
	if errors.As(err, &notFoundErr) {
		return notFound(c, notFoundErr.Error())
	}

	return internalError(c, err)
}
