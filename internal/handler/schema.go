package handler

import (
	"fmt"
	"strings"

	"github.com/flowforge/enginecore/internal/workflow"
	"github.com/xeipuuv/gojsonschema"
)

// configSchemas holds the JSON Schema each step type's config must satisfy,
// keyed the same way the registry keys handlers.
var configSchemas = map[workflow.StepType]map[string]any{
	workflow.StepTypeHTTP: {
		"type":     "object",
		"required": []any{"url", "method"},
		"properties": map[string]any{
			"url":     map[string]any{"type": "string", "minLength": 1},
			"method":  map[string]any{"type": "string", "enum": []any{"GET", "POST", "PUT", "PATCH", "DELETE"}},
			"headers": map[string]any{"type": "object"},
			"body":    map[string]any{},
		},
	},
	workflow.StepTypeTransform: {
		"type":     "object",
		"required": []any{"expression"},
		"properties": map[string]any{
			"expression": map[string]any{"type": "string", "minLength": 1},
		},
	},
	workflow.StepTypeAI: {
		"type":     "object",
		"required": []any{"prompt"},
		"properties": map[string]any{
			"prompt":      map[string]any{"type": "string", "minLength": 1},
			"model":       map[string]any{"type": "string"},
			"temperature": map[string]any{"type": "number"},
		},
	},
	workflow.StepTypeDelay: {
		"type":     "object",
		"required": []any{"durationMs"},
		"properties": map[string]any{
			"durationMs": map[string]any{"type": "number", "minimum": 0},
		},
	},
}

// ValidateConfig checks a step's config against the JSON Schema registered
// for its type, the same gojsonschema.NewGoLoader/Validate shape the
// teacher's WebhookServer.validateJSONSchema uses for inbound payloads,
// applied here to outbound step configuration at workflow create/update
// time instead.
func ValidateConfig(stepType workflow.StepType, config map[string]any) error {
	schema, ok := configSchemas[stepType]
	if !ok {
		return fmt.Errorf("no config schema registered for step type %q", stepType)
	}

	if config == nil {
		config = map[string]any{}
	}

	schemaLoader := gojsonschema.NewGoLoader(schema)
	dataLoader := gojsonschema.NewGoLoader(config)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return fmt.Errorf("validate step config: %w", err)
	}

	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}

		return fmt.Errorf("step config validation failed: %s", strings.Join(details, "; "))
	}

	return nil
}
