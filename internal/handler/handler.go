// Package handler maps step type to the handler that executes it, and
// supplies the four canonical handlers the engine ships with.
package handler

import (
	"context"

	"github.com/flowforge/enginecore/internal/workflow"
)

// Handler executes one step against its resolved input and the run's
// context, returning the raw output the processor will write under
// context.steps[step.Name].
type Handler interface {
	Execute(ctx context.Context, step *workflow.Step, resolvedInput any, context map[string]any) (any, error)
}

// Registry maps a step type to the handler that knows how to run it,
// grounded on the teacher's pkg/registry.Registry (map[string]factory,
// Register/Create).
type Registry struct {
	handlers map[workflow.StepType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[workflow.StepType]Handler)}
}

func (r *Registry) Register(stepType workflow.StepType, h Handler) {
	r.handlers[stepType] = h
}

// Lookup returns the handler for stepType, or ok=false if none is registered.
func (r *Registry) Lookup(stepType workflow.StepType) (Handler, bool) {
	h, ok := r.handlers[stepType]

	return h, ok
}

// NewDefaultRegistry wires the four canonical handlers, the registry an
// engine-worker process constructs at startup.
func NewDefaultRegistry(deps Dependencies) *Registry {
	r := NewRegistry()
	r.Register(workflow.StepTypeHTTP, NewHTTPHandler())
	r.Register(workflow.StepTypeTransform, NewTransformHandler())
	r.Register(workflow.StepTypeAI, NewAIHandler(deps.LMStudioURL))
	r.Register(workflow.StepTypeDelay, NewDelayHandler())

	return r
}

// Dependencies carries the external collaborators handlers need, following
// spec §9's "explicit dependency, not a global singleton" design note.
type Dependencies struct {
	LMStudioURL string
}
