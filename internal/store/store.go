// Package store provides durable, transactional CRUD over workflows, runs,
// step executions, and idempotency keys — the C3 repository layer.
package store

import (
	"context"
	"time"

	"github.com/flowforge/enginecore/internal/run"
	"github.com/flowforge/enginecore/internal/workflow"
)

// ListOptions paginates and sorts a list query, mirroring the REST CRUD
// surface's query parameters.
type ListOptions struct {
	Limit   int
	Offset  int
	SortBy  string
	SortDir string
}

// NotFoundError is returned by any lookup that found no matching row.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return e.Entity + " not found: " + e.ID
}

// WorkflowRepository is the durable store for authoring-side entities.
type WorkflowRepository interface {
	FindBySlug(ctx context.Context, slug string) (*workflow.Workflow, error)
	FindByID(ctx context.Context, id string) (*workflow.Workflow, error)
	List(ctx context.Context, opts ListOptions) ([]*workflow.Workflow, int, error)
	Create(ctx context.Context, w *workflow.Workflow) error
	Update(ctx context.Context, w *workflow.Workflow) error
	SoftDelete(ctx context.Context, id string) error
}

// RunRepository is the durable store for run state. Save persists exactly
// the fields the processor is allowed to mutate while holding the run lock.
type RunRepository interface {
	Create(ctx context.Context, r *run.Run) error
	FindByID(ctx context.Context, id string) (*run.Run, error)
	Save(ctx context.Context, r *run.Run) error
	List(ctx context.Context, workflowID string, opts ListOptions) ([]*run.Run, int, error)
	Cancel(ctx context.Context, id string, now time.Time) (*run.Run, error)
}

// StepExecutionRepository is append-only per (runId, stepId, attempt); the
// only mutations are status/output/error/completedAt/durationMs performed
// by the processor that created the row.
type StepExecutionRepository interface {
	Create(ctx context.Context, se *run.StepExecution) error
	Update(ctx context.Context, se *run.StepExecution) error
	ListByRun(ctx context.Context, runID string) ([]*run.StepExecution, error)
}

// IdempotencyRepository binds client-supplied keys to the run they produced.
type IdempotencyRepository interface {
	Lookup(ctx context.Context, key string) (*run.IdempotencyKey, error)
	Bind(ctx context.Context, key, runID string, now time.Time) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Store aggregates the four repositories behind one dependency, the shape
// spec §9 recommends for "global" persistence handles: an explicit value
// carried by the processor, admission layer, and REST handlers rather than
// package-level singletons.
type Store interface {
	Workflows() WorkflowRepository
	Runs() RunRepository
	StepExecutions() StepExecutionRepository
	IdempotencyKeys() IdempotencyRepository
	Close() error
}
