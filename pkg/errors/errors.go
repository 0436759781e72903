package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound           = NewError("NOT_FOUND", "resource not found", http.StatusNotFound)
	ErrValidation         = NewError("VALIDATION_ERROR", "validation failed", http.StatusBadRequest)
	ErrInternal           = NewError("INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
	ErrConflict           = NewError("CONFLICT", "resource conflict", http.StatusConflict)
	ErrUnauthorized       = NewError("UNAUTHORIZED", "unauthorized", http.StatusUnauthorized)
	ErrForbidden          = NewError("FORBIDDEN", "forbidden", http.StatusForbidden)
	ErrTimeout            = NewError("TIMEOUT", "operation timed out", http.StatusRequestTimeout)
	ErrServiceUnavailable = NewError("SERVICE_UNAVAILABLE", "service unavailable", http.StatusServiceUnavailable)

	// Ingestion and self-healing taxonomy. DuplicateWebhook is a filtering
	// outcome, not a failure; it maps to 200 and is never retried.
	ErrMalformedPayload = NewError("MALFORMED_PAYLOAD", "webhook payload is malformed", http.StatusBadRequest)
	ErrDuplicateWebhook = NewError("DUPLICATE_WEBHOOK", "webhook already processed", http.StatusOK)
	ErrComponent        = NewError("COMPONENT_ERROR", "component failure", http.StatusInternalServerError)
	ErrRecoveryTimeout  = NewError("RECOVERY_TIMEOUT", "recovery action timed out", http.StatusGatewayTimeout)
	ErrPersistence      = NewError("PERSISTENCE_ERROR", "durable store unavailable", http.StatusServiceUnavailable)
	ErrBusClosed        = NewError("BUS_CLOSED", "event bus is closed", http.StatusServiceUnavailable)
)

// Component error type tags driving recovery strategy selection.
const (
	ErrorTypeConnection = "connection"
	ErrorTypeMemory     = "memory"
	ErrorTypeTimeout    = "timeout"
	ErrorTypeValidation = "validation"
	ErrorTypeUnknown    = "unknown"
)

type RetryableError interface {
	error
	IsRetryable() bool
}

type FatalError interface {
	error
	IsFatal() bool
}

type Error struct {
	Code      string
	Message   string
	Status    int
	Details   map[string]interface{}
	Cause     error
	retryable *bool
}

func NewError(code, message string, status int) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Status:  status,
		Details: make(map[string]interface{}),
	}
}

// NewComponentError tags a component failure with the error type used for
// recovery strategy selection.
func NewComponentError(component, errorType, message string) *Error {
	return ErrComponent.
		WithDetail("component", component).
		WithDetail("error_type", errorType).
		WithDetail("message", message)
}

func (e *Error) Error() string {
	msg := e.Message

	if len(e.Details) > 0 {
		if detailMsg, ok := e.Details["message"].(string); ok && detailMsg != "" {
			msg = detailMsg
		}
	}

	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) IsRetryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	if e.Cause != nil {
		var retryableErr RetryableError
		if errors.As(e.Cause, &retryableErr) {
			return retryableErr.IsRetryable()
		}
		var fatalErr FatalError
		if errors.As(e.Cause, &fatalErr) {
			return !fatalErr.IsFatal()
		}
	}
	switch e.Code {
	case ErrValidation.Code, ErrNotFound.Code, ErrMalformedPayload.Code, ErrDuplicateWebhook.Code:
		return false
	}
	return true
}

func (e *Error) IsFatal() bool {
	if e.retryable != nil {
		return !*e.retryable
	}

	if e.Cause != nil {
		var fatalErr FatalError
		if errors.As(e.Cause, &fatalErr) {
			return fatalErr.IsFatal()
		}
	}

	return e.Code == ErrValidation.Code || e.Code == ErrNotFound.Code || e.Code == ErrMalformedPayload.Code
}

func (e *Error) WithCause(cause error) *Error {
	err := *e
	err.Cause = cause
	return &err
}

func (e *Error) WithDetail(key string, value interface{}) *Error {
	err := *e
	details := make(map[string]interface{}, len(err.Details)+1)
	for k, v := range err.Details {
		details[k] = v
	}
	details[key] = value
	err.Details = details
	return &err
}

func (e *Error) WithDetails(details map[string]interface{}) *Error {
	err := *e
	err.Details = details
	return &err
}

func (e *Error) AsRetryable() *Error {
	err := *e
	retryable := true
	err.retryable = &retryable
	return &err
}

func (e *Error) AsFatal() *Error {
	err := *e
	retryable := false
	err.retryable = &retryable
	return &err
}

// ErrorType returns the component error type tag, or "unknown" when absent.
func (e *Error) ErrorType() string {
	if t, ok := e.Details["error_type"].(string); ok && t != "" {
		return t
	}
	return ErrorTypeUnknown
}

func Wrap(err error, appErr *Error) *Error {
	if err == nil {
		return nil
	}
	return appErr.WithCause(err)
}

func IsNotFound(err error) bool {
	return hasCode(err, ErrNotFound.Code)
}

func IsValidation(err error) bool {
	return hasCode(err, ErrValidation.Code)
}

func IsConflict(err error) bool {
	return hasCode(err, ErrConflict.Code)
}

func IsMalformedPayload(err error) bool {
	return hasCode(err, ErrMalformedPayload.Code)
}

func IsDuplicateWebhook(err error) bool {
	return hasCode(err, ErrDuplicateWebhook.Code)
}

func IsPersistence(err error) bool {
	return hasCode(err, ErrPersistence.Code)
}

func IsRecoveryTimeout(err error) bool {
	return hasCode(err, ErrRecoveryTimeout.Code)
}

func hasCode(err error, code string) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

func ToHTTPStatus(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}

func ToErrorResponse(err error) map[string]interface{} {
	var appErr *Error
	if !errors.As(err, &appErr) {
		// If it's not our error type, wrap it
		appErr = ErrInternal.WithCause(err)
	}

	response := map[string]interface{}{
		"error":      appErr.Message,
		"error_code": appErr.Code,
	}

	if len(appErr.Details) > 0 {
		response["details"] = appErr.Details
	}

	return response
}
