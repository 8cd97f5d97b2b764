package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind labels an engine error for step results and notifications.
type ErrorKind string

const (
	ErrorKindValidation      ErrorKind = "ValidationError"
	ErrorKindConnector       ErrorKind = "ConnectorError"
	ErrorKindTimeout         ErrorKind = "TimeoutError"
	ErrorKindCircuitOpen     ErrorKind = "CircuitOpenError"
	ErrorKindLoopExceeded    ErrorKind = "LoopExceededError"
	ErrorKindMissingInput    ErrorKind = "MissingInputError"
	ErrorKindHumanTimeout    ErrorKind = "HumanTaskTimeoutError"
	ErrorKindCompensation    ErrorKind = "CompensationError"
	ErrorKindInternal        ErrorKind = "InternalError"
)

// EngineError is the typed failure every executor produces. Retryable
// drives the retry policy engine; the kind reaches API consumers verbatim.
type EngineError struct {
	Kind      ErrorKind
	Message   string
	Code      string
	Retryable bool
	Cause     error
}

// Error implements the error interface
func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error
func (e *EngineError) Unwrap() error { return e.Cause }

// StepError converts the error into its persisted form.
func (e *EngineError) StepError() *StepError {
	return &StepError{Kind: string(e.Kind), Message: e.Message, Retryable: e.Retryable}
}

// NewValidationError creates a non-retryable validation failure.
func NewValidationError(format string, args ...interface{}) *EngineError {
	return &EngineError{Kind: ErrorKindValidation, Message: fmt.Sprintf(format, args...)}
}

// NewConnectorError creates a connector failure with the adapter's
// retryability classification.
func NewConnectorError(code, message string, retryable bool) *EngineError {
	return &EngineError{Kind: ErrorKindConnector, Code: code, Message: message, Retryable: retryable}
}

// NewTimeoutError creates a timeout failure. Retryability is decided by the
// step policy, so the flag is set by the caller.
func NewTimeoutError(op string, timeout time.Duration, retryable bool) *EngineError {
	return &EngineError{
		Kind:      ErrorKindTimeout,
		Message:   fmt.Sprintf("%s exceeded %s", op, timeout),
		Retryable: retryable,
	}
}

// NewCircuitOpenError creates the fail-fast error returned when a
// definition's breaker is open.
func NewCircuitOpenError(definition string) *EngineError {
	return &EngineError{
		Kind:    ErrorKindCircuitOpen,
		Message: fmt.Sprintf("circuit breaker open for definition %s", definition),
	}
}

// NewLoopExceededError marks a loop that hit its iteration cap with the
// condition still true.
func NewLoopExceededError(stepID string, max int) *EngineError {
	return &EngineError{
		Kind:    ErrorKindLoopExceeded,
		Message: fmt.Sprintf("loop %s exceeded %d iterations", stepID, max),
	}
}

// NewMissingInputError marks an unresolved required step input.
func NewMissingInputError(stepID, key string) *EngineError {
	return &EngineError{
		Kind:    ErrorKindMissingInput,
		Message: fmt.Sprintf("step %s: required input %q did not resolve", stepID, key),
	}
}

// NewHumanTaskTimeoutError marks a human task whose deadline elapsed.
func NewHumanTaskTimeoutError(stepID string) *EngineError {
	return &EngineError{
		Kind:    ErrorKindHumanTimeout,
		Message: fmt.Sprintf("human task %s deadline elapsed", stepID),
	}
}

// NewCompensationError wraps a failed compensation; never fatal to unwind.
func NewCompensationError(stepID string, cause error) *EngineError {
	return &EngineError{
		Kind:    ErrorKindCompensation,
		Message: fmt.Sprintf("compensation for step %s failed", stepID),
		Cause:   cause,
	}
}

// NewInternalError wraps an unexpected failure.
func NewInternalError(cause error) *EngineError {
	return &EngineError{Kind: ErrorKindInternal, Message: "internal error", Cause: cause}
}

// AsEngineError coerces any error into an EngineError, wrapping foreign
// errors as non-retryable internal failures.
func AsEngineError(err error) *EngineError {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee
	}
	return &EngineError{Kind: ErrorKindInternal, Message: err.Error(), Cause: err}
}

// IsRetryable reports whether the error carries a retryable classification.
func IsRetryable(err error) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Retryable
	}
	return false
}

// IsKind reports whether the error carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind == kind
	}
	return false
}

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned by stores on unique constraint conflicts.
var ErrDuplicate = errors.New("duplicate record")
