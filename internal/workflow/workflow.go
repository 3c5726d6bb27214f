// Package workflow defines the authoring-side domain model: workflows and
// their ordered steps, independent of any particular run.
package workflow

import (
	"fmt"
	"regexp"
	"sort"
	"time"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// Workflow is a stable authoring entity: a named, ordered sequence of steps
// triggered by a webhook at its slug.
type Workflow struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"                 validate:"required,min=1,max=200"`
	Slug           string    `json:"slug"                 validate:"required,min=1,max=100"`
	WebhookSecret  string    `json:"webhook_secret,omitempty"`
	Enabled        bool      `json:"enabled"`
	Steps          []*Step   `json:"steps"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// StepType enumerates the kinds of steps the engine knows how to execute.
type StepType string

const (
	StepTypeHTTP      StepType = "http"
	StepTypeTransform StepType = "transform"
	StepTypeAI        StepType = "ai"
	StepTypeDelay     StepType = "delay"
)

func (t StepType) Valid() bool {
	switch t {
	case StepTypeHTTP, StepTypeTransform, StepTypeAI, StepTypeDelay:
		return true
	default:
		return false
	}
}

// BackoffType enumerates the shapes the retry delay can take between attempts.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffLinear      BackoffType = "linear"
	BackoffExponential BackoffType = "exponential"
)

// RetryPolicy bounds how many times, and how far apart, a failed step is retried.
type RetryPolicy struct {
	MaxAttempts    int         `json:"maxAttempts"`
	BackoffType    BackoffType `json:"backoffType"`
	InitialDelayMs int         `json:"initialDelayMs"`
	MaxDelayMs     int         `json:"maxDelayMs"`
}

// DefaultRetryPolicy returns the spec-mandated defaults, applied whenever a
// step carries no explicit retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BackoffType:    BackoffExponential,
		InitialDelayMs: 1000,
		MaxDelayMs:     60000,
	}
}

// Normalize fills in defaults and clamps out-of-range fields per spec §3.
func (p RetryPolicy) Normalize() RetryPolicy {
	out := p

	if out.MaxAttempts < 1 {
		out.MaxAttempts = 1
	} else if out.MaxAttempts > 10 {
		out.MaxAttempts = 10
	}

	switch out.BackoffType {
	case BackoffFixed, BackoffLinear, BackoffExponential:
	default:
		out.BackoffType = BackoffExponential
	}

	if out.InitialDelayMs < 100 {
		out.InitialDelayMs = 100
	} else if out.InitialDelayMs > 60000 {
		out.InitialDelayMs = 60000
	}

	if out.MaxDelayMs < 1000 {
		out.MaxDelayMs = 1000
	} else if out.MaxDelayMs > 3_600_000 {
		out.MaxDelayMs = 3_600_000
	}

	return out
}

// Step is one stage of a workflow. Config is type-discriminated by Type; see
// the http/transform/ai/delay config shapes in internal/handler.
type Step struct {
	ID          string         `json:"id"`
	WorkflowID  string         `json:"workflow_id"`
	Order       int            `json:"order"`
	Name        string         `json:"name"    validate:"required,min=1,max=100"`
	Type        StepType       `json:"type"    validate:"required"`
	Config      map[string]any `json:"config"`
	RetryPolicy *RetryPolicy   `json:"retryPolicy,omitempty"`
	TimeoutMs   *int           `json:"timeoutMs,omitempty"`
	Enabled     bool           `json:"enabled"`
}

// EffectiveRetryPolicy returns the step's own policy, normalized, or the
// engine default when none is set.
func (s *Step) EffectiveRetryPolicy() RetryPolicy {
	if s.RetryPolicy == nil {
		return DefaultRetryPolicy()
	}

	return s.RetryPolicy.Normalize()
}

// ValidateSlug reports whether slug matches the required [a-z0-9-]+, 1..100 shape.
func ValidateSlug(slug string) error {
	if len(slug) < 1 || len(slug) > 100 {
		return fmt.Errorf("slug must be 1..100 characters, got %d", len(slug))
	}

	if !slugPattern.MatchString(slug) {
		return fmt.Errorf("slug %q must match [a-z0-9-]+", slug)
	}

	return nil
}

// EnabledSteps returns the workflow's enabled steps, sorted by Order — the
// only sequence the run processor ever considers (spec GLOSSARY).
func EnabledSteps(steps []*Step) []*Step {
	enabled := make([]*Step, 0, len(steps))

	for _, s := range steps {
		if s.Enabled {
			enabled = append(enabled, s)
		}
	}

	sort.Slice(enabled, func(i, j int) bool { return enabled[i].Order < enabled[j].Order })

	return enabled
}

// DensifyOrder renumbers steps to a contiguous [0..n) range in their current
// relative order, and returns the result sorted by the new order. This is
// the spec §9 fix: order must be densified after any delete, on every path.
func DensifyOrder(steps []*Step) []*Step {
	sorted := make([]*Step, len(steps))
	copy(sorted, steps)

	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	for i, s := range sorted {
		s.Order = i
	}

	return sorted
}

// ValidateStepUniqueness checks the §3 invariant that (order) and (name) are
// each unique within a workflow's step set.
func ValidateStepUniqueness(steps []*Step) error {
	orders := make(map[int]bool, len(steps))
	names := make(map[string]bool, len(steps))

	for _, s := range steps {
		if orders[s.Order] {
			return fmt.Errorf("duplicate step order %d", s.Order)
		}

		orders[s.Order] = true

		if names[s.Name] {
			return fmt.Errorf("duplicate step name %q", s.Name)
		}

		names[s.Name] = true
	}

	return nil
}
