// Package expr resolves {{...}} template placeholders and evaluates
// JSONata-like transform expressions against a run's execution context.
package expr

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"
)

var placeholderPattern = regexp.MustCompile(`\{\{(.+?)\}\}`)
var singlePlaceholderPattern = regexp.MustCompile(`^\{\{(.+)\}\}$`)

// ResolveExpressions walks an arbitrary JSON-shaped value (primitive, slice,
// or map) and resolves every {{ ... }} placeholder found in strings.
//
// A string that is entirely one placeholder resolves to the raw value
// (preserving type); a string with embedded or multiple placeholders has
// each occurrence stringified and spliced back in, in reverse index order
// so earlier offsets stay valid.
func ResolveExpressions(value any, context map[string]any) any {
	switch v := value.(type) {
	case string:
		return resolveString(v, context)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = ResolveExpressions(item, context)
		}

		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = ResolveExpressions(item, context)
		}

		return out
	default:
		return v
	}
}

func resolveString(s string, context map[string]any) any {
	if m := singlePlaceholderPattern.FindStringSubmatch(s); m != nil {
		result, err := evalPlaceholder(m[1], context)
		if err != nil {
			return s
		}

		return result
	}

	matches := placeholderPattern.FindAllStringSubmatchIndex(s, -1)
	if matches == nil {
		return s
	}

	out := s

	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		expression := s[m[2]:m[3]]

		result, err := evalPlaceholder(expression, context)
		if err != nil {
			continue
		}

		out = out[:m[0]] + stringify(result) + out[m[1]:]
	}

	return out
}

// evalPlaceholder evaluates the builtins first, falling back to the
// expression language so $now()/$uuid()/$timestamp() never hit the compiler.
func evalPlaceholder(expression string, context map[string]any) (any, error) {
	if v, ok := evalBuiltin(expression); ok {
		return v, nil
	}

	return EvaluateTransform(expression, context)
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}

		return string(b)
	}
}

func evalBuiltin(expression string) (any, bool) {
	switch expression {
	case "$now()":
		return time.Now().UTC().Format("2006-01-02T15:04:05.000Z"), true
	case "$uuid()":
		id, err := uuid.NewV7()
		if err != nil {
			return uuid.New().String(), true
		}

		return id.String(), true
	case "$timestamp()":
		return time.Now().UnixMilli(), true
	default:
		return nil, false
	}
}

var exprOptions = []expr.Option{
	expr.Function("now", func(_ ...any) (any, error) {
		return time.Now().UTC().Format("2006-01-02T15:04:05.000Z"), nil
	}),
	expr.Function("uuid", func(_ ...any) (any, error) {
		id, err := uuid.NewV7()
		if err != nil {
			return uuid.New().String(), nil
		}

		return id.String(), nil
	}),
	expr.Function("timestamp", func(_ ...any) (any, error) {
		return time.Now().UnixMilli(), nil
	}),
}

// EvaluateTransform compiles and evaluates a single JSONata-like expression
// against the run context. Unlike ResolveExpressions, errors propagate —
// transform steps must fail explicitly rather than degrade silently.
func EvaluateTransform(expression string, context map[string]any) (any, error) {
	opts := make([]expr.Option, 0, len(exprOptions)+2)
	opts = append(opts, expr.Env(context), expr.AllowUndefinedVariables())
	opts = append(opts, exprOptions...)

	program, err := expr.Compile(expression, opts...)
	if err != nil {
		return nil, fmt.Errorf("compile expression: %w", err)
	}

	result, err := expr.Run(program, context)
	if err != nil {
		return nil, fmt.Errorf("evaluate expression: %w", err)
	}

	return result, nil
}
