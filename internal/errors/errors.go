package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrVerificationFailed = errors.New("transaction verification failed")
	ErrAnchorUnreachable  = errors.New("install anchor unreachable")
	ErrTransportLost      = errors.New("transport lost")
	ErrServerOverload     = errors.New("server overloaded")
	ErrInvalidInput       = errors.New("invalid input")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeVerification ErrorType = "verification"
	ErrorTypeTransport    ErrorType = "transport"
	ErrorTypeOverload     ErrorType = "overload"
	ErrorTypeAnchor       ErrorType = "anchor"
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeAPI          ErrorType = "api"
)

// CoreError is a structured error raised by the gating and inference paths.
type CoreError struct {
	Type       ErrorType
	Op         string // Operation that failed (e.g., "resolve_install_date", "purchase")
	Err        error  // Underlying error
	StatusCode int    // HTTP status code if applicable
	Timestamp  time.Time
	Retryable  bool
}

func (e *CoreError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s failed (%d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *CoreError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *CoreError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrVerificationFailed:
		return e.Type == ErrorTypeVerification
	case ErrAnchorUnreachable:
		return e.Type == ErrorTypeAnchor
	case ErrTransportLost:
		return e.Type == ErrorTypeTransport
	case ErrServerOverload:
		return e.Type == ErrorTypeOverload
	case ErrInvalidInput:
		return e.Type == ErrorTypeValidation
	}

	return errors.Is(e.Err, target)
}

// NewCoreError creates a new CoreError
func NewCoreError(errorType ErrorType, op string, err error) *CoreError {
	return &CoreError{
		Type:      errorType,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType),
	}
}

// WithStatusCode adds HTTP status code to the error
func (e *CoreError) WithStatusCode(code int) *CoreError {
	e.StatusCode = code
	if code >= 500 || code == 429 || code == 408 {
		e.Retryable = true
	} else if code >= 400 && code < 500 {
		e.Retryable = false
	}
	return e
}

// isRetryable reports whether a fresh user action may succeed. The core
// itself never retries inference on its own.
func isRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeTransport, ErrorTypeOverload, ErrorTypeAnchor:
		return true
	default:
		return false
	}
}

// WrapAnchorError wraps an install anchor failure with context
func WrapAnchorError(op string, err error) error {
	return NewCoreError(ErrorTypeAnchor, op, err)
}

// WrapVerificationError wraps a transaction verification failure with context
func WrapVerificationError(op string, err error) error {
	return NewCoreError(ErrorTypeVerification, op, err)
}

// WrapAPIError wraps a remote API error with context
func WrapAPIError(op string, err error, statusCode int) error {
	return NewCoreError(ErrorTypeAPI, op, err).WithStatusCode(statusCode)
}

// IsRetryableError checks if an error may succeed on resubmission
func IsRetryableError(err error) bool {
	var coreErr *CoreError
	if errors.As(err, &coreErr) {
		return coreErr.Retryable
	}
	return errors.Is(err, ErrTransportLost) || errors.Is(err, ErrServerOverload)
}

// IsTransientHTTPStatus reports statuses worth retrying inside a single remote call.
func IsTransientHTTPStatus(code int) bool {
	return code == 408 || code == 429 || code >= 500
}
