package handler

import (
	"context"
	"time"

	"github.com/flowforge/enginecore/internal/workflow"
)

// DelayHandler returns immediately; the processor, not the handler, enforces
// the wait by scheduling the next message delayMs in the future, so a delay
// step never occupies a worker. Grounded on spec §4.3's delay step contract.
type DelayHandler struct{}

func NewDelayHandler() *DelayHandler {
	return &DelayHandler{}
}

func (h *DelayHandler) Execute(_ context.Context, _ *workflow.Step, resolvedInput any, _ map[string]any) (any, error) {
	cfg, ok := resolvedInput.(map[string]any)
	if !ok {
		return nil, validationError("INVALID_CONFIG", "delay step config must be an object", nil)
	}

	delayMs := 0
	if ms, ok := cfg["durationMs"].(float64); ok {
		delayMs = int(ms)
	}

	if delayMs < 0 {
		return nil, validationError("INVALID_DELAY", "durationMs must be non-negative", nil)
	}

	now := time.Now().UTC()

	return map[string]any{
		"delayMs":      delayMs,
		"delayedUntil": now.Add(time.Duration(delayMs) * time.Millisecond).Format(time.RFC3339Nano),
	}, nil
}
