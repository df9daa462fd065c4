package workflow

import (
	"errors"
	"fmt"
)

// Domain errors surfaced at authoring or initialization time. These are
// never recovered by the worker loop; check them with errors.Is.
var (
	// ErrCircularDependency indicates the dependency graph contains a cycle.
	ErrCircularDependency = errors.New("circular dependency detected")

	// ErrUnknownStep indicates a step slug that is not part of the workflow.
	ErrUnknownStep = errors.New("unknown step")

	// ErrDuplicateStep indicates two steps share a slug.
	ErrDuplicateStep = errors.New("duplicate step")
)

// ValidationError describes an invalid workflow definition. The Field names
// the offending attribute; Err optionally carries a sentinel for errors.Is
// checks.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, message string, err error) *ValidationError {
	return &ValidationError{Field: field, Message: message, Err: err}
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation failed for %s: %s: %v", e.Field, e.Message, e.Err)
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
