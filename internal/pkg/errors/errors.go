// Package errors provides custom error types and error handling utilities.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Error codes.
const (
	// Caller errors.
	CodeValidation      = "VALIDATION_ERROR"
	CodeConfig          = "CONFIG_ERROR"
	CodeNotFound        = "NOT_FOUND"
	CodeInvalidRequest  = "INVALID_REQUEST"
	CodeDegenerateInput = "DEGENERATE_INPUT"

	// Runtime errors.
	CodeInternal    = "INTERNAL_ERROR"
	CodeUnavailable = "SERVICE_UNAVAILABLE"
	CodeTimeout     = "TIMEOUT"
	CodeMLError     = "ML_ERROR"
	CodeCheckpoint  = "CHECKPOINT_ERROR"
	CodeDataset     = "DATASET_ERROR"
	CodeStorage     = "STORAGE_ERROR"
)

// AppError represents an application error with code and details.
type AppError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	Err     error             `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// ExitCode returns the process exit status for this error.
// Configuration and input problems exit with 2, everything else with 1.
func (e *AppError) ExitCode() int {
	switch e.Code {
	case CodeValidation, CodeConfig, CodeInvalidRequest, CodeNotFound, CodeDegenerateInput:
		return 2
	default:
		return 1
	}
}

// New creates a new AppError.
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with an AppError.
func Wrap(code, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails adds details to the error.
func (e *AppError) WithDetails(details map[string]string) *AppError {
	e.Details = details
	return e
}

// WithDetail adds a single detail to the error.
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Convenience constructors.

// ValidationError creates a validation error.
func ValidationError(message string) *AppError {
	return New(CodeValidation, message)
}

// ConfigError creates a fatal configuration error.
func ConfigError(message string) *AppError {
	return New(CodeConfig, message)
}

// NotFoundError creates a not found error.
func NotFoundError(resource string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource))
}

// DegenerateInputError reports input that cannot produce a meaningful result,
// such as an empty dataset.
func DegenerateInputError(message string) *AppError {
	return New(CodeDegenerateInput, message)
}

// InternalError creates an internal error.
func InternalError(message string, err error) *AppError {
	return Wrap(CodeInternal, message, err)
}

// MLError creates a model inference error.
func MLError(message string, err error) *AppError {
	return Wrap(CodeMLError, message, err)
}

// CheckpointError creates a checkpoint loading error.
func CheckpointError(message string, err error) *AppError {
	return Wrap(CodeCheckpoint, message, err)
}

// DatasetError creates a dataset reading error.
func DatasetError(message string, err error) *AppError {
	return Wrap(CodeDataset, message, err)
}

// StorageError creates a result storage error.
func StorageError(message string, err error) *AppError {
	return Wrap(CodeStorage, message, err)
}

// TimeoutError creates a timeout error for a specific operation.
func TimeoutError(operation string) *AppError {
	message := "operation timed out"
	if operation != "" {
		message = fmt.Sprintf("%s timed out", operation)
	}
	return New(CodeTimeout, message)
}

// ServiceUnavailableError creates a service unavailable error.
func ServiceUnavailableError(service string) *AppError {
	message := "service unavailable"
	if service != "" {
		message = fmt.Sprintf("%s is unavailable", service)
	}
	return New(CodeUnavailable, message)
}

// CodeOf returns the code of the first AppError in err's chain, or "".
func CodeOf(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsNotFound checks if error is a not found error.
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}

// IsValidation checks if error is a validation error.
func IsValidation(err error) bool {
	return CodeOf(err) == CodeValidation
}

// IsConfig checks if error is a configuration error.
func IsConfig(err error) bool {
	return CodeOf(err) == CodeConfig
}

// IsDegenerateInput checks if error reports degenerate input.
func IsDegenerateInput(err error) bool {
	return CodeOf(err) == CodeDegenerateInput
}

// ExitCode maps any error to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.ExitCode()
	}
	return 1
}
