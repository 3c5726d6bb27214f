// Package engine implements the queue-driven run processor: the two
// idempotent entry points, onStartRun and onExecuteStep, that advance a run
// one step at a time under a per-run lock.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowforge/enginecore/internal/errtaxonomy"
	"github.com/flowforge/enginecore/internal/events"
	"github.com/flowforge/enginecore/internal/expr"
	"github.com/flowforge/enginecore/internal/handler"
	"github.com/flowforge/enginecore/internal/queue"
	"github.com/flowforge/enginecore/internal/run"
	"github.com/flowforge/enginecore/internal/runlock"
	"github.com/flowforge/enginecore/internal/store"
	"github.com/flowforge/enginecore/internal/telemetry"
	"github.com/flowforge/enginecore/internal/workflow"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// hotLoopWarnEvery is the number of consecutive lock-acquire failures for
// the same run before the processor logs a warning — a signal, not a
// behavior change, per the spec's open question on this re-enqueue loop.
const hotLoopWarnEvery = 20

// Processor runs onStartRun/onExecuteStep against a Store, a queue.Broker,
// and a runlock.Manager, dispatching to the handler registered for each
// step's type.
type Processor struct {
	store     store.Store
	broker    queue.Broker
	locks     *runlock.Manager
	registry  *handler.Registry
	config    Config
	logger    *slog.Logger
	tracer    trace.Tracer
	events    *events.Publisher

	mu             sync.Mutex
	lockMissStreak map[string]int
}

func NewProcessor(st store.Store, broker queue.Broker, locks *runlock.Manager, registry *handler.Registry, cfg Config, logger *slog.Logger, tracer trace.Tracer, publisher *events.Publisher) *Processor {
	return &Processor{
		store:          st,
		broker:         broker,
		locks:          locks,
		registry:       registry,
		config:         cfg,
		logger:         logger.With("module", "engine"),
		tracer:         tracer,
		events:         publisher,
		lockMissStreak: make(map[string]int),
	}
}

// publish fires a best-effort domain event; publisher is optional so unit
// tests can leave it nil without standing up a watermill bus.
func (p *Processor) publish(ctx context.Context, runID string, event events.Event) {
	if p.events == nil {
		return
	}

	p.events.PublishBestEffort(ctx, runID, event)
}

func queueForStepType(t workflow.StepType) queue.Name {
	if t == workflow.StepTypeAI {
		return queue.AI
	}

	return queue.Execute
}

// OnStartRun loads the run and its workflow, marks the run running, and
// enqueues the first enabled step — or completes the run immediately if it
// has none. Idempotent: re-delivery after the run has left pending is a
// silent no-op.
func (p *Processor) OnStartRun(ctx context.Context, msg queue.Message) error {
	ctx, span := telemetry.StartSpan(ctx, p.tracer, "engine.onStartRun",
		attribute.String(telemetry.RunIDKey, msg.RunID),
		attribute.String(telemetry.WorkflowIDKey, msg.WorkflowID))
	defer span.End()

	wf, err := p.store.Workflows().FindByID(ctx, msg.WorkflowID)
	if err != nil {
		telemetry.SetError(span, err)

		return fmt.Errorf("load workflow %s: %w", msg.WorkflowID, err)
	}

	r, err := p.store.Runs().FindByID(ctx, msg.RunID)
	if err != nil {
		telemetry.SetError(span, err)

		return fmt.Errorf("load run %s: %w", msg.RunID, err)
	}

	if r.Status != run.StatusPending {
		return nil
	}

	r.Status = run.StatusRunning

	enabledSteps := workflow.EnabledSteps(wf.Steps)
	if len(enabledSteps) == 0 {
		now := time.Now().UTC()
		r.Status = run.StatusCompleted
		r.CompletedAt = &now

		if err := p.store.Runs().Save(ctx, r); err != nil {
			telemetry.SetError(span, err)

			return fmt.Errorf("save empty-workflow completion for run %s: %w", r.ID, err)
		}

		return nil
	}

	if err := p.store.Runs().Save(ctx, r); err != nil {
		telemetry.SetError(span, err)

		return fmt.Errorf("save run %s as running: %w", r.ID, err)
	}

	p.publish(ctx, r.ID, events.RunStarted{BaseEvent: events.BaseEvent{RunID: r.ID, WorkflowID: wf.ID, Timestamp: time.Now().UTC()}})

	first := enabledSteps[0]

	return p.broker.Enqueue(ctx, queueForStepType(first.Type), queue.Message{
		Type:       queue.TypeExecuteStep,
		RunID:      r.ID,
		WorkflowID: wf.ID,
		StepIndex:  0,
		StepID:     first.ID,
		Attempt:    1,
	}, 0)
}

// OnExecuteStep is the core state-transition step: it acquires the run
// lock, validates the message against current run state, runs the step's
// handler, and either advances the run or schedules a retry/terminal
// failure — releasing the lock on every exit path.
func (p *Processor) OnExecuteStep(ctx context.Context, fromQueue queue.Name, msg queue.Message) error {
	lease, acquired, err := p.locks.Acquire(ctx, msg.RunID, p.config.LockTTL)
	if err != nil {
		return fmt.Errorf("acquire run lock for %s: %w", msg.RunID, err)
	}

	if !acquired {
		p.recordLockMiss(msg.RunID)

		return p.broker.Enqueue(ctx, fromQueue, msg, p.config.LockRetryDelay)
	}

	p.clearLockMiss(msg.RunID)

	defer func() {
		if err := p.locks.Release(ctx, lease); err != nil && !errors.Is(err, runlock.ErrNotHeld) {
			p.logger.WarnContext(ctx, "release run lock failed", "runId", msg.RunID, "error", err)
		}
	}()

	return p.executeStepLocked(ctx, msg)
}

func (p *Processor) recordLockMiss(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lockMissStreak[runID]++

	if n := p.lockMissStreak[runID]; n%hotLoopWarnEvery == 0 {
		p.logger.Warn("run lock contended for many consecutive attempts, possible hot loop", "runId", runID, "consecutiveMisses", n)
	}
}

func (p *Processor) clearLockMiss(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.lockMissStreak, runID)
}

func (p *Processor) executeStepLocked(ctx context.Context, msg queue.Message) error {
	ctx, span := telemetry.StartSpan(ctx, p.tracer, "engine.onExecuteStep",
		attribute.String(telemetry.RunIDKey, msg.RunID),
		attribute.String(telemetry.StepIDKey, msg.StepID),
		attribute.Int(telemetry.AttemptKey, msg.Attempt))
	defer span.End()

	wf, err := p.store.Workflows().FindByID(ctx, msg.WorkflowID)
	if err != nil {
		return fmt.Errorf("load workflow %s: %w", msg.WorkflowID, err)
	}

	r, err := p.store.Runs().FindByID(ctx, msg.RunID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", msg.RunID, err)
	}

	if r.Status != run.StatusRunning {
		return nil
	}

	if r.CurrentStepIndex != msg.StepIndex {
		return nil
	}

	enabledSteps := workflow.EnabledSteps(wf.Steps)

	step := findStep(enabledSteps, msg.StepID)
	if step == nil {
		return p.failRun(ctx, r, &run.Error{Code: "STEP_NOT_FOUND", Message: "step not found among enabled steps", StepID: msg.StepID})
	}

	h, ok := p.registry.Lookup(step.Type)
	if !ok {
		return p.failRun(ctx, r, &run.Error{Code: "HANDLER_NOT_FOUND", Message: "no handler registered for step type " + string(step.Type), StepID: step.ID, StepName: step.Name})
	}

	resolvedInput := expr.ResolveExpressions(step.Config, r.Context.AsMap())

	stepExec := &run.StepExecution{
		RunID:     r.ID,
		StepID:    step.ID,
		StepName:  step.Name,
		Status:    run.StepExecPending,
		Attempt:   msg.Attempt,
		Input:     resolvedInput,
		StartedAt: time.Now().UTC(),
	}

	if err := p.store.StepExecutions().Create(ctx, stepExec); err != nil {
		return fmt.Errorf("create step execution for run %s step %s: %w", r.ID, step.ID, err)
	}

	stepExec.Status = run.StepExecRunning
	if err := p.store.StepExecutions().Update(ctx, stepExec); err != nil {
		return fmt.Errorf("mark step execution running: %w", err)
	}

	timeoutMs := p.config.DefaultStepTimeoutMs
	if step.TimeoutMs != nil {
		timeoutMs = *step.TimeoutMs
	}

	output, handlerErr := p.runWithTimeout(ctx, h, step, resolvedInput, r.Context.AsMap(), timeoutMs)

	duration := time.Since(stepExec.StartedAt)
	durationMs := duration.Milliseconds()

	if handlerErr == nil {
		if sizeErr := checkSize(output, p.config.MaxStepOutputBytes, "STEP_OUTPUT_TOO_LARGE"); sizeErr != nil {
			handlerErr = sizeErr
		}
	}

	if handlerErr == nil {
		return p.onStepSuccess(ctx, wf, r, step, enabledSteps, msg, stepExec, output, durationMs)
	}

	telemetry.SetError(span, handlerErr)

	return p.onStepFailure(ctx, r, step, msg, stepExec, handlerErr, durationMs)
}

func (p *Processor) runWithTimeout(ctx context.Context, h handler.Handler, step *workflow.Step, resolvedInput any, runContext map[string]any, timeoutMs int) (any, error) {
	deadlineCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	type result struct {
		output any
		err    error
	}

	done := make(chan result, 1)

	go func() {
		output, err := h.Execute(deadlineCtx, step, resolvedInput, runContext)
		done <- result{output, err}
	}()

	select {
	case r := <-done:
		return r.output, r.err
	case <-deadlineCtx.Done():
		return nil, &errtaxonomy.Classified{
			Code:      "TIMEOUT",
			Message:   fmt.Sprintf("step exceeded its %dms deadline", timeoutMs),
			Category:  errtaxonomy.CategoryTransient,
			Retryable: true,
		}
	}
}

func findStep(steps []*workflow.Step, stepID string) *workflow.Step {
	for _, s := range steps {
		if s.ID == stepID {
			return s
		}
	}

	return nil
}

func checkSize(v any, limit int, code string) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return &errtaxonomy.Classified{Code: "SERIALIZATION_ERROR", Message: err.Error(), Category: errtaxonomy.CategoryValidation}
	}

	if len(payload) > limit {
		return &errtaxonomy.Classified{
			Code:     code,
			Message:  fmt.Sprintf("output of %d bytes exceeds limit of %d bytes", len(payload), limit),
			Category: errtaxonomy.CategoryValidation,
		}
	}

	return nil
}

func (p *Processor) onStepSuccess(ctx context.Context, wf *workflow.Workflow, r *run.Run, step *workflow.Step, enabledSteps []*workflow.Step, msg queue.Message, stepExec *run.StepExecution, output any, durationMs int64) error {
	now := time.Now().UTC()

	stepExec.Status = run.StepExecCompleted
	stepExec.Output = output
	stepExec.CompletedAt = &now
	stepExec.DurationMs = &durationMs

	if err := p.store.StepExecutions().Update(ctx, stepExec); err != nil {
		return fmt.Errorf("record step completion: %w", err)
	}

	p.publish(ctx, r.ID, events.StepCompleted{
		BaseEvent:  events.BaseEvent{RunID: r.ID, WorkflowID: wf.ID, Timestamp: now},
		StepID:     step.ID,
		StepName:   step.Name,
		Attempt:    msg.Attempt,
		DurationMs: durationMs,
	})

	newContext := r.Context.WithStepOutput(step.Name, output)

	if sizeErr := checkSize(newContext.AsMap(), p.config.MaxContextSizeBytes, "CONTEXT_TOO_LARGE"); sizeErr != nil {
		return p.onStepFailure(ctx, r, step, msg, stepExec, sizeErr, durationMs)
	}

	r.Context = newContext
	r.CurrentStepIndex = msg.StepIndex + 1
	r.Status = run.StatusRunning

	nextIndex := msg.StepIndex + 1

	if nextIndex >= len(enabledSteps) {
		r.Status = run.StatusCompleted
		r.CompletedAt = &now

		if err := p.store.Runs().Save(ctx, r); err != nil {
			return fmt.Errorf("save run completion: %w", err)
		}

		p.publish(ctx, r.ID, events.RunCompleted{
			BaseEvent:  events.BaseEvent{RunID: r.ID, WorkflowID: wf.ID, Timestamp: now},
			DurationMs: now.Sub(r.StartedAt).Milliseconds(),
		})

		return nil
	}

	if err := p.store.Runs().Save(ctx, r); err != nil {
		return fmt.Errorf("save run progress: %w", err)
	}

	delay := time.Duration(0)
	if step.Type == workflow.StepTypeDelay {
		if cfg, ok := stepExec.Input.(map[string]any); ok {
			if ms, ok := cfg["durationMs"].(float64); ok {
				delay = time.Duration(ms) * time.Millisecond
			}
		}
	}

	next := enabledSteps[nextIndex]

	return p.broker.Enqueue(ctx, queueForStepType(next.Type), queue.Message{
		Type:       queue.TypeExecuteStep,
		RunID:      r.ID,
		WorkflowID: wf.ID,
		StepIndex:  nextIndex,
		StepID:     next.ID,
		Attempt:    1,
	}, delay)
}

func (p *Processor) onStepFailure(ctx context.Context, r *run.Run, step *workflow.Step, msg queue.Message, stepExec *run.StepExecution, handlerErr error, durationMs int64) error {
	now := time.Now().UTC()
	classified := errtaxonomy.ClassifyError(handlerErr)

	runErr := &run.Error{
		Code:      classified.Code,
		Message:   classified.Message,
		Category:  string(classified.Category),
		Retryable: classified.Retryable,
		Details:   classified.Details,
		StepID:    step.ID,
		StepName:  step.Name,
	}

	stepExec.Status = run.StepExecFailed
	stepExec.Error = runErr
	stepExec.CompletedAt = &now
	stepExec.DurationMs = &durationMs

	if err := p.store.StepExecutions().Update(ctx, stepExec); err != nil {
		return fmt.Errorf("record step failure: %w", err)
	}

	p.publish(ctx, r.ID, events.StepFailed{
		BaseEvent: events.BaseEvent{RunID: r.ID, WorkflowID: r.WorkflowID, Timestamp: now},
		StepID:    step.ID,
		StepName:  step.Name,
		Attempt:   msg.Attempt,
		Code:      classified.Code,
		Message:   classified.Message,
		Retryable: classified.Retryable,
	})

	policy := step.EffectiveRetryPolicy()

	if classified.Retryable && msg.Attempt < policy.MaxAttempts {
		delayMs := errtaxonomy.CalculateBackoff(errtaxonomy.BackoffType(policy.BackoffType), msg.Attempt, policy.InitialDelayMs, policy.MaxDelayMs)

		return p.broker.Enqueue(ctx, queueForStepType(step.Type), queue.Message{
			Type:       queue.TypeExecuteStep,
			RunID:      r.ID,
			WorkflowID: r.WorkflowID,
			StepIndex:  msg.StepIndex,
			StepID:     step.ID,
			Attempt:    msg.Attempt + 1,
		}, time.Duration(delayMs)*time.Millisecond)
	}

	return p.failRun(ctx, r, runErr)
}

func (p *Processor) failRun(ctx context.Context, r *run.Run, runErr *run.Error) error {
	now := time.Now().UTC()
	r.Status = run.StatusFailed
	r.CompletedAt = &now
	r.Error = runErr

	if err := p.store.Runs().Save(ctx, r); err != nil {
		return fmt.Errorf("save run failure: %w", err)
	}

	p.publish(ctx, r.ID, events.RunFailed{
		BaseEvent: events.BaseEvent{RunID: r.ID, WorkflowID: r.WorkflowID, Timestamp: now},
		Code:      runErr.Code,
		Message:   runErr.Message,
	})

	return nil
}
