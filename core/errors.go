package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is().
// These are generic conditions that package-level error types wrap
// with additional context.
var (
	// Connection lifecycle errors
	ErrNotConnected     = errors.New("not connected")
	ErrConnectionFailed = errors.New("connection failed")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// Registry errors
	ErrUnknownTransport = errors.New("unknown transport")
	ErrNoDefault        = errors.New("no default transport configured")
)

// OpError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type OpError struct {
	Op      string // Operation that failed (e.g., "bus.Publish")
	Kind    string // Error kind (e.g., "transport", "codec", "cache")
	Channel string // Optional channel or key involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *OpError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.Channel != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.Channel, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *OpError) Unwrap() error {
	return e.Err
}

// NewOpError creates a new OpError
func NewOpError(op, kind string, err error) *OpError {
	return &OpError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}
