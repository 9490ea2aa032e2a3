package models

import (
	"errors"
	"fmt"
)

// ErrValidation represents a validation error with field and message.
type ErrValidation struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ErrValidation) Error() string {
	return fmt.Sprintf("validation error on field %s: %s", e.Field, e.Message)
}

// Common validation errors for models.
var (
	// ErrContainerRequired indicates a run without a container format.
	ErrContainerRequired = errors.New("container is required")

	// ErrNotFound indicates a record that does not exist.
	ErrNotFound = errors.New("not found")
)
