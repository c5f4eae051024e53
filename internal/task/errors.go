package task

import "fmt"

// NotRegisteredError indicates a task name has no registered definition.
type NotRegisteredError struct {
	Name string
}

// Error implements the error interface.
func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("task not registered: %s", e.Name)
}

// NewNotRegisteredError creates a NotRegisteredError.
func NewNotRegisteredError(name string) *NotRegisteredError {
	return &NotRegisteredError{Name: name}
}

// IsNotRegisteredError checks if the error is a NotRegisteredError.
func IsNotRegisteredError(err error) bool {
	_, ok := err.(*NotRegisteredError)
	return ok
}
