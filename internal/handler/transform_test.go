package handler_test

import (
	"testing"

	"github.com/flowforge/enginecore/internal/errtaxonomy"
	"github.com/flowforge/enginecore/internal/handler"
	"github.com/flowforge/enginecore/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransformHandlerExecuteEvaluatesExpression(t *testing.T) {
	h := handler.NewTransformHandler()

	out, err := h.Execute(t.Context(), &workflow.Step{}, map[string]any{
		"expression": "steps.fetch.status",
		"outputKey":  "code",
	}, map[string]any{"steps": map[string]any{"fetch": map[string]any{"status": 200}}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"code": 200}, out)
}

func TestTransformHandlerExecuteDefaultsOutputKey(t *testing.T) {
	h := handler.NewTransformHandler()

	out, err := h.Execute(t.Context(), &workflow.Step{}, map[string]any{"expression": "1 + 1"}, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": 2}, out)
}

func TestTransformHandlerExecuteRejectsMissingExpression(t *testing.T) {
	h := handler.NewTransformHandler()

	_, err := h.Execute(t.Context(), &workflow.Step{}, map[string]any{}, map[string]any{})
	require.Error(t, err)

	var classified *errtaxonomy.Classified
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, errtaxonomy.CategoryValidation, classified.Category)
}

func TestTransformHandlerExecuteCompileErrorClassifiedAsValidation(t *testing.T) {
	h := handler.NewTransformHandler()

	_, err := h.Execute(t.Context(), &workflow.Step{}, map[string]any{"expression": "(("}, map[string]any{})
	require.Error(t, err)

	var classified *errtaxonomy.Classified
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, "TRANSFORM_ERROR", classified.Code)
	assert.False(t, classified.Retryable)
}
