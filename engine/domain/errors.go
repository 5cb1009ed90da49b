package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the engine's error taxonomy.
var (
	ErrInvalidInput          = errors.New("invalid input")
	ErrModelNotReady         = errors.New("model not ready")
	ErrCaptionUnavailable    = errors.New("caption unavailable")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	ErrNotLoaded             = errors.New("collection not loaded")
	ErrUnsupportedModality   = errors.New("unsupported modality")

	// ErrTextTooLong is returned when expansion is requested for text above
	// the configured threshold. It is an invalid-input error.
	ErrTextTooLong = fmt.Errorf("%w: text too long for expansion", ErrInvalidInput)
	// ErrImageTooLarge is returned for image payloads above the upload ceiling.
	ErrImageTooLarge = fmt.Errorf("%w: image too large", ErrInvalidInput)
	ErrEmptyImage    = fmt.Errorf("%w: empty image", ErrInvalidInput)
	ErrEmptyText     = fmt.Errorf("%w: empty text", ErrInvalidInput)
)

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}
