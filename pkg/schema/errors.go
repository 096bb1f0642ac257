package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodePlanning          = "PLANNING_ERROR"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeUnresolvedRef     = "UNRESOLVED_REFERENCE"
	ErrCodeInvalidPath       = "INVALID_PATH"
	ErrCodeStructuralType    = "STRUCTURAL_TYPE_ERROR"
	ErrCodeBudgetExceeded    = "BUDGET_EXCEEDED"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeCollaborator      = "COLLABORATOR_ERROR"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeStore             = "STORE_ERROR"
)

// FlowError is the structured error type for all engine operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *FlowError) WithStep(stepID string) *FlowError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// nonRetryableCodes are error classes where a retry cannot change the outcome.
var nonRetryableCodes = map[string]bool{
	ErrCodeValidation:        true,
	ErrCodePlanning:          true,
	ErrCodeCycleDetected:     true,
	ErrCodeUnresolvedRef:     true,
	ErrCodeInvalidPath:       true,
	ErrCodeStructuralType:    true,
	ErrCodeBudgetExceeded:    true,
	ErrCodeCancelled:         true,
	ErrCodeInvalidTransition: true,
	ErrCodeNotFound:          true,
}

// IsRetryable reports whether retrying the failed operation could succeed.
func (e *FlowError) IsRetryable() bool {
	return !nonRetryableCodes[e.Code]
}

// ErrorCode extracts the code from a FlowError anywhere in err's chain, or
// returns an empty string.
func ErrorCode(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}
