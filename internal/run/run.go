// Package run defines the execution-side domain model: one run of a
// workflow against one trigger payload, and the step executions within it.
package run

import "time"

// Status is the lifecycle state of a Run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// TriggerData is the webhook request that created the run.
type TriggerData struct {
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers"`
	Body       any               `json:"body"`
	Query      map[string]string `json:"query"`
	ReceivedAt time.Time         `json:"receivedAt"`
	SourceIP   string            `json:"sourceIp,omitempty"`
}

// ExecutionContext is the JSON record handlers read and the processor
// extends by exactly one key — steps[step.Name] — after each success.
type ExecutionContext struct {
	Trigger   TriggerData    `json:"trigger"`
	Steps     map[string]any `json:"steps"`
	Variables map[string]any `json:"variables"`
}

// AsMap renders the context the way the expression evaluator expects it:
// a plain map keyed by trigger/steps/variables.
func (c ExecutionContext) AsMap() map[string]any {
	return map[string]any{
		"trigger":   c.Trigger,
		"steps":     c.Steps,
		"variables": c.Variables,
	}
}

// WithStepOutput returns a copy of the context with output added under
// stepName — context is copy-on-write per spec §5, never mutated in place.
func (c ExecutionContext) WithStepOutput(stepName string, output any) ExecutionContext {
	steps := make(map[string]any, len(c.Steps)+1)
	for k, v := range c.Steps {
		steps[k] = v
	}

	steps[stepName] = output

	return ExecutionContext{
		Trigger:   c.Trigger,
		Steps:     steps,
		Variables: c.Variables,
	}
}

// Error is the terminal failure recorded on a run, or on a step execution.
type Error struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Category  string         `json:"category,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	StepID    string         `json:"stepId,omitempty"`
	StepName  string         `json:"stepName,omitempty"`
}

func (e *Error) AsError() error {
	if e == nil {
		return nil
	}

	return runError{e}
}

type runError struct{ e *Error }

func (r runError) Error() string { return r.e.Code + ": " + r.e.Message }

// Run is one execution attempt of a workflow.
type Run struct {
	ID                string
	WorkflowID        string
	Status            Status
	TriggerData       TriggerData
	Context           ExecutionContext
	CurrentStepIndex  int
	StartedAt         time.Time
	CompletedAt       *time.Time
	Error             *Error
}

// StepExecutionStatus is the lifecycle state of one attempt at one step.
type StepExecutionStatus string

const (
	StepExecPending   StepExecutionStatus = "pending"
	StepExecRunning   StepExecutionStatus = "running"
	StepExecCompleted StepExecutionStatus = "completed"
	StepExecFailed    StepExecutionStatus = "failed"
)

// StepExecution is one attempt at one step within a run; uniquely keyed by
// (RunID, StepID, Attempt).
type StepExecution struct {
	ID          string
	RunID       string
	StepID      string
	StepName    string
	Status      StepExecutionStatus
	Attempt     int
	Input       any
	Output      any
	Error       *Error
	StartedAt   time.Time
	CompletedAt *time.Time
	DurationMs  *int64
}

// IdempotencyKey binds a client-supplied key to the run it produced, for 24h.
type IdempotencyKey struct {
	Key       string
	RunID     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// IdempotencyTTL is the window during which a key maps to its run.
const IdempotencyTTL = 24 * time.Hour

func (k IdempotencyKey) Expired(now time.Time) bool {
	return !now.Before(k.ExpiresAt)
}
