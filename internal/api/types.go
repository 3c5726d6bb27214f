package api

import (
	"github.com/flowforge/enginecore/internal/workflow"
)

// CreateWorkflowRequest is the request body for POST /api/v1/workflows.
type CreateWorkflowRequest struct {
	Name          string          `json:"name"          validate:"required,min=1,max=200"`
	Slug          string          `json:"slug"          validate:"required,min=1,max=100"`
	WebhookSecret string          `json:"webhook_secret"`
	Enabled       bool            `json:"enabled"`
	Steps         []StepRequest   `json:"steps"`
}

// UpdateWorkflowRequest is the request body for PATCH /api/v1/workflows/:id.
// All fields are optional to support partial updates; Steps, when present,
// replaces the full step list and is re-densified.
type UpdateWorkflowRequest struct {
	Name          *string        `json:"name,omitempty"           validate:"omitempty,min=1,max=200"`
	WebhookSecret *string        `json:"webhook_secret,omitempty"`
	Enabled       *bool          `json:"enabled,omitempty"`
	Steps         []StepRequest  `json:"steps,omitempty"`
}

// StepRequest is one step within a create/update workflow request body.
type StepRequest struct {
	ID          string                  `json:"id,omitempty"`
	Order       int                     `json:"order"`
	Name        string                  `json:"name"       validate:"required,min=1,max=100"`
	Type        workflow.StepType       `json:"type"       validate:"required,oneof=http transform ai delay"`
	Config      map[string]any          `json:"config"`
	RetryPolicy *workflow.RetryPolicy   `json:"retry_policy,omitempty"`
	TimeoutMs   *int                    `json:"timeout_ms,omitempty"`
	Enabled     bool                    `json:"enabled"`
}

func (r StepRequest) toStep(workflowID string) *workflow.Step {
	return &workflow.Step{
		ID:          r.ID,
		WorkflowID:  workflowID,
		Order:       r.Order,
		Name:        r.Name,
		Type:        r.Type,
		Config:      r.Config,
		RetryPolicy: r.RetryPolicy,
		TimeoutMs:   r.TimeoutMs,
		Enabled:     r.Enabled,
	}
}

func stepsFromRequest(workflowID string, reqs []StepRequest) []*workflow.Step {
	steps := make([]*workflow.Step, 0, len(reqs))
	for _, r := range reqs {
		steps = append(steps, r.toStep(workflowID))
	}

	return steps
}

// CancelRunRequest is the (empty) body for POST /api/v1/runs/:id/cancel —
// declared for symmetry with the other request types and to give the route
// a bindable shape if a reason field is added later.
type CancelRunRequest struct{}
