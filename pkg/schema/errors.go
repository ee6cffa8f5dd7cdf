package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeDevice            = "DEVICE_ERROR"
	ErrCodeLimit             = "LIMIT_VIOLATION"
	ErrCodeInterrupted       = "INTERRUPTED"
	ErrCodeAborted           = "ABORTED"
	ErrCodeHalted            = "HALTED"
	ErrCodeStopped           = "STOPPED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeBreakerOpen       = "BREAKER_OPEN"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
)

// PlanError is the structured error type for all planline operations.
type PlanError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Device  string         `json:"device,omitempty"`
	Cause   error          `json:"-"`
}

func (e *PlanError) Error() string {
	if e.Device != "" {
		return fmt.Sprintf("[%s] device %s: %s", e.Code, e.Device, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *PlanError) Unwrap() error {
	return e.Cause
}

// NewError creates a new PlanError.
func NewError(code, message string) *PlanError {
	return &PlanError{Code: code, Message: message}
}

// NewErrorf creates a new PlanError with a formatted message.
func NewErrorf(code, format string, args ...any) *PlanError {
	return &PlanError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDevice attaches a device name to the error.
func (e *PlanError) WithDevice(device string) *PlanError {
	e.Device = device
	return e
}

// WithCause attaches an underlying cause.
func (e *PlanError) WithCause(err error) *PlanError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *PlanError) WithDetails(details map[string]any) *PlanError {
	e.Details = details
	return e
}

// IsRetryable reports whether an error with this code should be retried.
// Interruptions, validation failures and limit violations are final.
func (e *PlanError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeLimit, ErrCodeNotFound, ErrCodeConflict,
		ErrCodeInvalidTransition, ErrCodeInterrupted, ErrCodeAborted,
		ErrCodeHalted, ErrCodeStopped, ErrCodeRetryExhausted, ErrCodeBreakerOpen:
		return false
	}
	return true
}

// IsInterruption reports whether err is an engine-raised interruption
// (abort, stop or halt) rather than a plan-raised fault. Wrappers run their
// cleanup on interruptions but must re-raise them.
func IsInterruption(err error) bool {
	var pe *PlanError
	if !errors.As(err, &pe) {
		return false
	}
	switch pe.Code {
	case ErrCodeInterrupted, ErrCodeAborted, ErrCodeStopped, ErrCodeHalted:
		return true
	}
	return false
}
