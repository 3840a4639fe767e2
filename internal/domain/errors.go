package domain

import "strings"

// ValidationError reports input that cannot be imported. Problems holds
// every issue found so they can be reported together.
type ValidationError struct {
	Summary  string
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return e.Summary
	}
	return e.Summary + "\n" + strings.Join(e.Problems, "\n")
}

// NewValidationError builds a ValidationError without detail lines.
func NewValidationError(summary string) *ValidationError {
	return &ValidationError{Summary: summary}
}
