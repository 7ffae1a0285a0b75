package errorutil

import (
	"fmt"
	"math"
	"strings"
)

// ValidationError describes one invalid input field.
type ValidationError struct {
	Field   string
	Message string
	Value   interface{}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error in %s: %s", e.Field, e.Message)
}

// ValidationErrors collects field errors so a request can report all of its
// problems at once.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Add appends a field error.
func (e *ValidationErrors) Add(field, message string, value interface{}) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message, Value: value})
}

// HasErrors reports whether any field failed.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// ValidateCoordinate checks a latitude or longitude value, rejecting NaN and
// infinities as well as out-of-range values.
func ValidateCoordinate(field string, value float64, isLatitude bool) *ValidationError {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return &ValidationError{Field: field, Message: "must be a finite number", Value: value}
	}

	limit := 180.0
	if isLatitude {
		limit = 90.0
	}
	if value < -limit || value > limit {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("must be between %.0f and %.0f, got %.6f", -limit, limit, value),
			Value:   value,
		}
	}
	return nil
}

// ValidateRange checks a float against an inclusive range.
func ValidateRange(field string, value, min, max float64) *ValidationError {
	if value < min || value > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("must be between %g and %g, got %g", min, max, value),
			Value:   value,
		}
	}
	return nil
}
