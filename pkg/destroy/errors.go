package destroy

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a destruction error for retry logic.
type ErrorClass string

const (
	// ErrorClassTransient marks temporary failures that may succeed on
	// retry, such as network timeouts.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled marks rate limiting or quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassPermanent marks non-recoverable failures, such as a
	// missing destroyer or permission denial.
	ErrorClassPermanent ErrorClass = "permanent"
)

// DestroyError is a classified error with resource context.
type DestroyError struct {
	// Class drives retry decisions.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional code for programmatic handling.
	Code string `json:"code,omitempty"`

	// ResourceID is the resource that caused the error, if any.
	ResourceID string `json:"resource_id,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *DestroyError) Error() string {
	if e.ResourceID != "" {
		return fmt.Sprintf("[%s] %s (resource=%s): %s", e.Class, e.Message, e.ResourceID, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error.
func (e *DestroyError) Unwrap() error {
	return e.Err
}

func (e *DestroyError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is matches on class and code.
func (e *DestroyError) Is(target error) bool {
	t, ok := target.(*DestroyError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a transient error.
func NewTransientError(message string, err error) *DestroyError {
	return &DestroyError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a throttled error.
func NewThrottledError(message string, err error) *DestroyError {
	return &DestroyError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewPermanentError creates a permanent error.
func NewPermanentError(message string, err error) *DestroyError {
	return &DestroyError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithResource adds resource context.
func (e *DestroyError) WithResource(resourceID string) *DestroyError {
	e.ResourceID = resourceID
	return e
}

// WithCode adds an error code.
func (e *DestroyError) WithCode(code string) *DestroyError {
	e.Code = code
	return e
}

// IsPermanent reports whether err is classified as permanent.
func IsPermanent(err error) bool {
	var e *DestroyError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable reports whether err may succeed on retry. Unclassified
// errors are treated as retryable.
func IsRetryable(err error) bool {
	var e *DestroyError
	if errors.As(err, &e) {
		return e.Class != ErrorClassPermanent
	}
	return true
}

// Common error codes.
const (
	ErrCodeLockTimeout    = "LOCK_TIMEOUT"
	ErrCodeNoDestroyer    = "NO_DESTROYER"
	ErrCodeNotInitialized = "NOT_INITIALIZED"
	ErrCodeStateIO        = "STATE_IO"
	ErrCodeTimeout        = "TIMEOUT"
)
