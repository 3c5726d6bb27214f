package handler

import "github.com/flowforge/enginecore/internal/errtaxonomy"

// validationError builds a non-retryable VALIDATION-category failure, the
// shape every handler returns for a malformed step config.
func validationError(code, message string, details map[string]any) *errtaxonomy.Classified {
	return &errtaxonomy.Classified{
		Code:      code,
		Message:   message,
		Category:  errtaxonomy.CategoryValidation,
		Retryable: false,
		Details:   details,
	}
}

// transientError builds a retryable TRANSIENT-category failure.
func transientError(code, message string, details map[string]any) *errtaxonomy.Classified {
	return &errtaxonomy.Classified{
		Code:      code,
		Message:   message,
		Category:  errtaxonomy.CategoryTransient,
		Retryable: true,
		Details:   details,
	}
}
