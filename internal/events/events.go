// Package events publishes the run lifecycle as domain events —
// RunStarted, RunCompleted, RunFailed, StepCompleted, StepFailed — for
// downstream consumers (dashboards, alerting), independent of the
// durable run state the store already holds. Publishing is fire-and-forget:
// a failure is logged, never propagated back into the run processor.
package events

import "time"

// EventType discriminates the event payloads below.
type EventType string

const (
	RunStartedEvent     EventType = "run.started"
	RunCompletedEvent   EventType = "run.completed"
	RunFailedEvent      EventType = "run.failed"
	StepCompletedEvent  EventType = "step.completed"
	StepFailedEvent     EventType = "step.failed"
)

// Topic is the single watermill/Kafka topic every event type is published
// to, discriminated by the EventTypeMetadataKey metadata entry — the same
// single-topic-plus-metadata shape the teacher's event bus uses.
const Topic = "enginecore.events"

const EventTypeMetadataKey = "event_type"

// Event is any payload with a discriminating type, the minimal contract
// the bus needs to route and marshal it.
type Event interface {
	GetType() EventType
}

// BaseEvent carries the fields common to every event.
type BaseEvent struct {
	RunID      string    `json:"runId"`
	WorkflowID string    `json:"workflowId"`
	Timestamp  time.Time `json:"timestamp"`
}

type RunStarted struct {
	BaseEvent
}

func (e RunStarted) GetType() EventType { return RunStartedEvent }

type RunCompleted struct {
	BaseEvent
	DurationMs int64 `json:"durationMs"`
}

func (e RunCompleted) GetType() EventType { return RunCompletedEvent }

type RunFailed struct {
	BaseEvent
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e RunFailed) GetType() EventType { return RunFailedEvent }

type StepCompleted struct {
	BaseEvent
	StepID     string `json:"stepId"`
	StepName   string `json:"stepName"`
	Attempt    int    `json:"attempt"`
	DurationMs int64  `json:"durationMs"`
}

func (e StepCompleted) GetType() EventType { return StepCompletedEvent }

type StepFailed struct {
	BaseEvent
	StepID    string `json:"stepId"`
	StepName  string `json:"stepName"`
	Attempt   int    `json:"attempt"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e StepFailed) GetType() EventType { return StepFailedEvent }
