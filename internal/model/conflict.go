package model

import (
	"errors"
	"fmt"
)

// StateConflictError reports an intent or event that does not apply in
// the component's current state. It is returned and logged, never raised.
type StateConflictError struct {
	// Component names the state machine, e.g. "call".
	Component string
	State     string
	Trigger   string
}

// Error implements the error interface.
func (e *StateConflictError) Error() string {
	return fmt.Sprintf("%s: %s not allowed in state %s", e.Component, e.Trigger, e.State)
}

// NewStateConflict creates a StateConflictError.
func NewStateConflict(component, state, trigger string) *StateConflictError {
	return &StateConflictError{Component: component, State: state, Trigger: trigger}
}

// IsStateConflict reports whether err is (or wraps) a StateConflictError.
func IsStateConflict(err error) bool {
	var se *StateConflictError
	return errors.As(err, &se)
}
