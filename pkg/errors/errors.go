package errors

import (
	"errors"
	"fmt"
)

// Common application errors
var (
	// Alignment errors
	ErrParameterMismatch = errors.New("parameter name or order mismatch")
	ErrShapeMismatch     = errors.New("tensor shape mismatch")

	// Round errors
	ErrNoClients  = errors.New("no clients available")
	ErrEmptyRound = errors.New("round produced no client updates")
	ErrZeroWeight = errors.New("total client weight is zero")

	// Resource errors
	ErrInsufficientMemory = errors.New("insufficient compute tier memory")
	ErrSlotReleased       = errors.New("compute slot already released")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrUnknownOptimizer     = errors.New("unknown optimizer kind")
	ErrUnknownStrategy      = errors.New("unknown aggregation strategy")

	// Data errors
	ErrInvalidDataset = errors.New("invalid dataset")

	// Storage errors
	ErrStorageWriteFailed = errors.New("storage write failed")
	ErrNotConnected       = errors.New("storage not connected")
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeAlignment     ErrorType = "alignment"
	ErrorTypeResource      ErrorType = "resource"
	ErrorTypeData          ErrorType = "data"
	ErrorTypeStorage       ErrorType = "storage"
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeInternal      ErrorType = "internal"
)

// AppError represents an application-specific error with additional context
type AppError struct {
	Type    ErrorType              `json:"type"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details string                 `json:"details,omitempty"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Details != "" {
		msg = fmt.Sprintf("%s - %s", msg, e.Details)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// NewAppError creates a new application error
func NewAppError(errType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:    errType,
		Code:    code,
		Message: message,
	}
}

// WrapError wraps an existing error with application context
func WrapError(err error, errType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:    errType,
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// NewConfigurationError creates a configuration error
func NewConfigurationError(code, message string) *AppError {
	return NewAppError(ErrorTypeConfiguration, code, message)
}

// NewAlignmentError creates an alignment error wrapping one of the alignment sentinels
func NewAlignmentError(cause error, message string) *AppError {
	return WrapError(cause, ErrorTypeAlignment, CodeAlignment, message)
}

// NewResourceError creates a resource error
func NewResourceError(code, message string) *AppError {
	return NewAppError(ErrorTypeResource, code, message)
}

// NewDataError creates a data error
func NewDataError(code, message string) *AppError {
	return NewAppError(ErrorTypeData, code, message)
}

// NewStorageError creates a storage error
func NewStorageError(code, message string) *AppError {
	return NewAppError(ErrorTypeStorage, code, message)
}

// NewValidationError creates a validation error
func NewValidationError(code, message string) *AppError {
	return NewAppError(ErrorTypeValidation, code, message)
}

// NewInternalError creates an internal error
func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeInternal, CodeInternalError, message)
}

// TypeOf returns the ErrorType of the first AppError in the chain, or
// ErrorTypeInternal when there is none.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// Classify wraps err as errType unless the chain already carries an
// AppError, in which case the existing classification is kept.
func Classify(err error, errType ErrorType, code, message string) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return fmt.Errorf("%s: %w", message, err)
	}
	return WrapError(err, errType, code, message)
}

// IsFatal reports whether err must abort the round loop. Alignment, resource,
// data and internal failures stop the run; there is no retry path.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	switch TypeOf(err) {
	case ErrorTypeConfiguration, ErrorTypeValidation:
		return false
	default:
		return true
	}
}

// ValidationErrorDetail represents detailed validation error information
type ValidationErrorDetail struct {
	Field   string      `json:"field"`
	Value   interface{} `json:"value,omitempty"`
	Message string      `json:"message"`
	Code    string      `json:"code"`
}

// ValidationErrors represents multiple validation errors
type ValidationErrors struct {
	Message string                  `json:"message"`
	Errors  []ValidationErrorDetail `json:"errors"`
}

// Error implements the error interface for ValidationErrors
func (ve *ValidationErrors) Error() string {
	if len(ve.Errors) == 0 {
		return ve.Message
	}
	msg := ve.Message
	for _, e := range ve.Errors {
		msg += fmt.Sprintf("; %s: %s", e.Field, e.Message)
	}
	return msg
}

// Unwrap lets errors.Is match ErrInvalidConfiguration
func (ve *ValidationErrors) Unwrap() error {
	return ErrInvalidConfiguration
}

// Add adds a validation error
func (ve *ValidationErrors) Add(field, code, message string, value interface{}) {
	ve.Errors = append(ve.Errors, ValidationErrorDetail{
		Field:   field,
		Value:   value,
		Message: message,
		Code:    code,
	})
}

// HasErrors checks if there are any validation errors
func (ve *ValidationErrors) HasErrors() bool {
	return len(ve.Errors) > 0
}

// NewValidationErrors creates a new ValidationErrors instance
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{
		Message: "Validation failed",
		Errors:  make([]ValidationErrorDetail, 0),
	}
}

// Error codes for different error scenarios
const (
	// Validation error codes
	CodeInvalidInput = "INVALID_INPUT"
	CodeMissingField = "MISSING_FIELD"
	CodeOutOfRange   = "OUT_OF_RANGE"
	CodeInvalidValue = "INVALID_VALUE"

	// Configuration error codes
	CodeInvalidConfig    = "INVALID_CONFIG"
	CodeUnknownOptimizer = "UNKNOWN_OPTIMIZER"
	CodeUnknownStrategy  = "UNKNOWN_STRATEGY"

	// Alignment error codes
	CodeAlignment = "PARAMETER_ALIGNMENT"

	// Resource error codes
	CodeInsufficientMemory = "INSUFFICIENT_MEMORY"
	CodeTransferFailed     = "TRANSFER_FAILED"
	CodeSlotUnavailable    = "SLOT_UNAVAILABLE"

	// Data error codes
	CodeInvalidDataset = "INVALID_DATASET"
	CodeTrainingFailed = "TRAINING_FAILED"
	CodeEvalFailed     = "EVALUATION_FAILED"

	// Storage error codes
	CodeConnectionFailed = "CONNECTION_FAILED"
	CodeWriteFailed      = "WRITE_FAILED"
	CodeNotConnected     = "NOT_CONNECTED"

	// Internal error codes
	CodeInternalError = "INTERNAL_ERROR"
)
