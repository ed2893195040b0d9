package signal

import (
	"errors"
	"fmt"
)

// Sentinel errors for the engine's error taxonomy.
var (
	// ErrSourceUnavailable indicates a producer has no recent events.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrTimeoutExceeded indicates an operation exceeded its time budget.
	ErrTimeoutExceeded = errors.New("timeout exceeded")

	// ErrStorageFailure indicates the underlying persistence is unreachable.
	ErrStorageFailure = errors.New("storage failure")
)

// ValidationError reports malformed event or query input.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements error.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Reason
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

// Invalid returns a ValidationError for the given field.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
