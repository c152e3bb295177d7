// internal/controller/errors.go
package controller

import (
	"errors"
	"fmt"
)

// ValidationError reports arguments that failed an action's parameter schema.
// The handler is never invoked when this is returned.
type ValidationError struct {
	Action string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for action %q: %v", e.Action, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ExecutionError reports a handler that ran and failed. It is captured into
// the action result rather than propagated, so one bad action cannot crash
// the run.
type ExecutionError struct {
	Action string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("action %q failed: %v", e.Action, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// IsValidationError reports whether err is a parameter-validation failure.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
