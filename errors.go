package s3orm

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions
var (
	// Data errors
	ErrNotFound        = errors.New("object not found")
	ErrEncoding        = errors.New("value cannot be encoded")
	ErrEmptyCollection = errors.New("collection is empty")

	// Backend errors
	ErrStoreUnavailable = errors.New("object store unavailable")
	ErrUnauthorized     = errors.New("unauthorized access")
	ErrTimeout          = errors.New("operation timed out")

	// Schema errors
	ErrUnknownField = errors.New("field not declared in schema")
	ErrNotIndexed   = errors.New("field is not indexed")
	ErrUnknownModel = errors.New("model not registered")

	// Constraint and validation errors
	ErrUniqueKeyViolation     = errors.New("unique key violation")
	ErrEmptyUniqueValue       = errors.New("unique value cannot be empty")
	ErrInvalidNumericValue    = errors.New("value is not numeric")
	ErrMissingID              = errors.New("record id is required")
	ErrRangeSpecifierRequired = errors.New("one of gt, gte, lt or lte is required")
	ErrQuery                  = errors.New("invalid query")

	// Lock errors
	ErrLockHeld    = errors.New("lock already held by another process")
	ErrLockTimeout = errors.New("failed to acquire lock within timeout")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ErrorWithContext adds additional context to errors for better debugging and logging
type ErrorWithContext struct {
	Err     error
	Context map[string]interface{}
}

func (e *ErrorWithContext) Error() string {
	if len(e.Context) == 0 {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (context: %+v)", e.Err, e.Context)
}

func (e *ErrorWithContext) Unwrap() error {
	return e.Err
}

// WithContext adds context to an error
func WithContext(err error, context map[string]interface{}) error {
	if err == nil {
		return nil
	}
	return &ErrorWithContext{
		Err:     err,
		Context: context,
	}
}

// UniqueViolationError reports which field and value collided. It unwraps to
// ErrUniqueKeyViolation.
type UniqueViolationError struct {
	Model string
	Field string
	Value string
	Owner int64 // id currently holding the value, 0 if unknown
}

func (e *UniqueViolationError) Error() string {
	return fmt.Sprintf("%v: %s.%s=%q", ErrUniqueKeyViolation, e.Model, e.Field, e.Value)
}

func (e *UniqueViolationError) Unwrap() error {
	return ErrUniqueKeyViolation
}

// IsNotFound checks if an error is a "not found" error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUniqueViolation checks if an error signals a unique constraint collision
func IsUniqueViolation(err error) bool {
	return errors.Is(err, ErrUniqueKeyViolation)
}

// IsRetryable checks if an error is safe to retry
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrLockHeld) ||
		errors.Is(err, ErrLockTimeout)
}

// IsPermanent checks if an error is permanent (not retryable)
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrEncoding) ||
		errors.Is(err, ErrUnknownField) ||
		errors.Is(err, ErrNotIndexed) ||
		errors.Is(err, ErrUniqueKeyViolation) ||
		errors.Is(err, ErrInvalidConfig)
}
