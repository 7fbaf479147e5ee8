package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeToolExecution        = "TOOL_EXECUTION_ERROR"
	ErrCodeEmptyResult          = "EMPTY_RESULT_ERROR"
	ErrCodeRepairExhausted      = "REPAIR_EXHAUSTED"
	ErrCodeConfirmationTimeout  = "CONFIRMATION_TIMEOUT"
	ErrCodeCheckpointCorruption = "CHECKPOINT_CORRUPTION"
	ErrCodeTimeout              = "TIMEOUT_ERROR"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeConflict             = "CONFLICT"
	ErrCodeInvalidTransition    = "INVALID_TRANSITION"
	ErrCodeCycleDetected        = "CYCLE_DETECTED"
	ErrCodeCancelled            = "CANCELLED"
	ErrCodeLeaseHeld            = "LEASE_HELD"
	ErrCodeSkipped              = "STEP_SKIPPED"
	ErrCodeStore                = "STORE_ERROR"
)

// RunError is the structured error type for all datarun operations.
type RunError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *RunError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *RunError) Unwrap() error {
	return e.Cause
}

// NewError creates a new RunError.
func NewError(code, message string) *RunError {
	return &RunError{Code: code, Message: message}
}

// NewErrorf creates a new RunError with a formatted message.
func NewErrorf(code, format string, args ...any) *RunError {
	return &RunError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *RunError) WithStep(stepID string) *RunError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *RunError) WithCause(err error) *RunError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *RunError) WithDetails(details map[string]any) *RunError {
	e.Details = details
	return e
}

// IsStepLevel reports whether the error is handled inside the executor's
// repair loop rather than terminating the run.
func (e *RunError) IsStepLevel() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeToolExecution, ErrCodeEmptyResult, ErrCodeTimeout:
		return true
	}
	return false
}
