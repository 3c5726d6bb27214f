// Package errtaxonomy classifies failures into retryable categories and
// computes jittered backoff delays between retries.
package errtaxonomy

import (
	"errors"
	"math"
	"math/rand"
	"strconv"
	"strings"
)

// Category is a value type, not a class hierarchy — every failure crossing a
// component boundary reduces to one of these six.
type Category string

const (
	CategoryTransient     Category = "TRANSIENT"
	CategoryResource      Category = "RESOURCE"
	CategoryAuthorization Category = "AUTHORIZATION"
	CategoryNotFound      Category = "NOT_FOUND"
	CategoryValidation    Category = "VALIDATION"
	CategoryFatal         Category = "FATAL"
)

// Retryable reports whether a category is ever worth retrying.
func (c Category) Retryable() bool {
	return c == CategoryTransient || c == CategoryResource
}

// Classified is the {code, message, category, retryable, details} value
// every handler and the processor exchange at a component boundary.
type Classified struct {
	Code      string
	Message   string
	Category  Category
	Retryable bool
	Details   map[string]any
}

func (c *Classified) Error() string { return c.Code + ": " + c.Message }

func newClassified(code, message string, category Category, details map[string]any) *Classified {
	return &Classified{
		Code:      code,
		Message:   message,
		Category:  category,
		Retryable: category.Retryable(),
		Details:   details,
	}
}

// ClassifyHTTPError maps a non-2xx HTTP status to a category per §4.1.
func ClassifyHTTPError(status int) *Classified {
	code := "HTTP_" + strconv.Itoa(status)

	switch {
	case status == 429 || (status >= 500 && status <= 599):
		return newClassified(code, httpMessage(status), CategoryTransient, nil)
	case status == 401 || status == 403:
		return newClassified(code, httpMessage(status), CategoryAuthorization, nil)
	case status == 404:
		return newClassified(code, httpMessage(status), CategoryNotFound, nil)
	case status >= 400 && status <= 499:
		return newClassified(code, httpMessage(status), CategoryValidation, nil)
	default:
		return newClassified(code, httpMessage(status), CategoryFatal, nil)
	}
}

func httpMessage(status int) string {
	return "request failed with status " + strconv.Itoa(status)
}

var networkMarkers = []string{"ECONNREFUSED", "ENOTFOUND", "ETIMEDOUT", "ECONNRESET", "socket hang up"}

// ClassifyError classifies an arbitrary error for cases that never went
// through an HTTP round-trip — compile errors, connection failures,
// timeouts. Already-classified errors pass through.
func ClassifyError(err error) *Classified {
	if err == nil {
		return nil
	}

	var classified *Classified
	if errors.As(err, &classified) {
		return classified
	}

	msg := err.Error()

	for _, marker := range networkMarkers {
		if strings.Contains(msg, marker) {
			return newClassified("NETWORK_ERROR", msg, CategoryTransient, nil)
		}
	}

	lower := strings.ToLower(msg)
	if strings.Contains(lower, "timeout") || strings.Contains(msg, "TimeoutError") {
		return newClassified("TIMEOUT", msg, CategoryTransient, nil)
	}

	if strings.Contains(msg, "ZodError") || strings.Contains(msg, "ValidationError") {
		return newClassified("VALIDATION_ERROR", msg, CategoryValidation, nil)
	}

	return newClassified("UNKNOWN_ERROR", msg, CategoryFatal, nil)
}

// BackoffType is the shape of the delay curve between attempts.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffLinear      BackoffType = "linear"
	BackoffExponential BackoffType = "exponential"
)

const (
	minJitter = 0.10
	maxJitter = 0.20
)

// CalculateBackoff computes the delay before the next attempt, per §4.1:
// base is chosen by backoffType, jitter is drawn uniformly from
// [0.10, 0.20], and the maxMs cap is applied after jitter.
func CalculateBackoff(backoffType BackoffType, attempt, initialMs, maxMs int) int {
	var base float64

	switch backoffType {
	case BackoffFixed:
		base = float64(initialMs)
	case BackoffLinear:
		base = float64(initialMs) * float64(attempt)
	case BackoffExponential:
		base = float64(initialMs) * math.Pow(2, float64(attempt-1))
	default:
		base = float64(initialMs) * math.Pow(2, float64(attempt-1))
	}

	jitter := minJitter + rand.Float64()*(maxJitter-minJitter) //nolint:gosec // jitter, not a secret

	delay := base * (1 + jitter)
	if delay > float64(maxMs) {
		delay = float64(maxMs)
	}

	return int(delay)
}
