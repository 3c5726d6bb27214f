package api

import (
	"github.com/flowforge/enginecore/internal/store"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

// NewRouter builds the fiber app for the REST CRUD surface, grounded on the
// teacher's cmd/operion-api/api.go App() wiring (cors + request logger
// middleware, a /workflows group, a plain /health route).
func NewRouter(st store.Store) *fiber.App {
	h := NewHandlers(st)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{DisableColors: true}))

	app.Get("/health", h.HealthCheck)

	w := app.Group("/api/v1/workflows")
	w.Get("/", h.ListWorkflows)
	w.Post("/", h.CreateWorkflow)
	w.Get("/:id", h.GetWorkflow)
	w.Patch("/:id", h.UpdateWorkflow)
	w.Delete("/:id", h.DeleteWorkflow)

	r := app.Group("/api/v1/runs")
	r.Get("/", h.ListRuns)
	r.Get("/:id", h.GetRun)
	r.Post("/:id/cancel", h.CancelRun)

	return app
}
