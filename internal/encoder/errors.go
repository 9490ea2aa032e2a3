package encoder

import (
	"errors"
	"fmt"
)

// Encoder errors.
var (
	// ErrNotConfigured indicates an operation needs a configured encoder.
	ErrNotConfigured = errors.New("encoder not configured")

	// ErrNotStarted indicates an operation needs a started encoder.
	ErrNotStarted = errors.New("encoder not started")

	// ErrReleased indicates the encoder was already released.
	ErrReleased = errors.New("encoder released")

	// ErrInvalidIndex indicates a buffer index the encoder never handed out.
	ErrInvalidIndex = errors.New("invalid buffer index")

	// ErrSurfaceReleased indicates a post to a released input surface.
	ErrSurfaceReleased = errors.New("input surface released")
)

// ConfigurationError reports that an encoder rejected its input format.
type ConfigurationError struct {
	MIME string
	Err  error
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuring encoder for %s: %v", e.MIME, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(mime string, err error) *ConfigurationError {
	return &ConfigurationError{
		MIME: mime,
		Err:  err,
	}
}
