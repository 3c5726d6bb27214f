package handler

import (
	"context"

	exprpkg "github.com/flowforge/enginecore/internal/expr"
	"github.com/flowforge/enginecore/internal/workflow"
)

// TransformHandler evaluates a query-language expression against the run
// context and writes the result under the configured output key, grounded
// on spec §4.3's transform step contract and internal/expr.EvaluateTransform.
type TransformHandler struct{}

func NewTransformHandler() *TransformHandler {
	return &TransformHandler{}
}

func (h *TransformHandler) Execute(_ context.Context, _ *workflow.Step, resolvedInput any, runContext map[string]any) (any, error) {
	cfg, ok := resolvedInput.(map[string]any)
	if !ok {
		return nil, validationError("INVALID_CONFIG", "transform step config must be an object", nil)
	}

	expression, _ := cfg["expression"].(string)
	if expression == "" {
		return nil, validationError("MISSING_EXPRESSION", "transform step requires a non-empty expression", nil)
	}

	outputKey, _ := cfg["outputKey"].(string)
	if outputKey == "" {
		outputKey = "result"
	}

	result, err := exprpkg.EvaluateTransform(expression, runContext)
	if err != nil {
		return nil, validationError("TRANSFORM_ERROR", err.Error(), map[string]any{"expression": expression})
	}

	return map[string]any{outputKey: result}, nil
}
