// Package errors provides the error taxonomy shared by the miner's components.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// ErrorTypeNetwork covers connect failures, broken pipes, resets and liveness timeouts.
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeProtocol covers malformed params, unexpected response ids and bad JSON.
	ErrorTypeProtocol ErrorType = "protocol"
	// ErrorTypeStale marks work that refers to a job which is no longer current.
	ErrorTypeStale ErrorType = "stale"
	// ErrorTypeRejection is a pool-reported share rejection with a reason string.
	ErrorTypeRejection ErrorType = "rejection"
	// ErrorTypeCompute is a hash backend failure during a batch.
	ErrorTypeCompute ErrorType = "compute"
	// ErrorTypeConfig represents invalid configuration
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeStorage represents stats/history store errors
	ErrorTypeStorage ErrorType = "storage"
	// ErrorTypeMessaging represents Kafka publishing errors
	ErrorTypeMessaging ErrorType = "messaging"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInternal represents internal/unknown errors
	ErrorTypeInternal ErrorType = "internal"
)

// ServiceError represents a structured error with context
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp time.Time
	Retryable bool
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s operation '%s' failed: %s (caused by: %v)", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s operation '%s' failed: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying cause for error unwrapping
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns whether this error should be retried
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// WithContext adds additional context to the error
func (e *ServiceError) WithContext(key string, value any) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates a new ServiceError
func New(errorType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: isRetryableByType(errorType),
	}
}

// Wrap wraps an existing error with context
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	// Nested ServiceErrors keep their own retry decision
	var se *ServiceError
	if errors.As(err, &se) {
		return &ServiceError{
			Type:      errorType,
			Operation: operation,
			Message:   message,
			Cause:     err,
			Timestamp: time.Now(),
			Retryable: se.Retryable,
		}
	}

	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
		Retryable: !isCancellation(err) && (isRetryableByType(errorType) || isRetryableByDefault(err)),
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Network builds a NetworkError.
func Network(operation string, cause error) *ServiceError {
	if cause == nil {
		return New(ErrorTypeNetwork, operation, "connection unavailable")
	}
	return Wrap(cause, ErrorTypeNetwork, operation, "connection failure")
}

// Protocol builds a ProtocolError with a formatted message.
func Protocol(operation, format string, args ...any) *ServiceError {
	return New(ErrorTypeProtocol, operation, fmt.Sprintf(format, args...))
}

// Stale marks a candidate or batch that refers to a superseded job.
func Stale(operation, jobID string) *ServiceError {
	return New(ErrorTypeStale, operation, "job is no longer current").WithContext("job_id", jobID)
}

// Rejection records a pool-side share rejection.
func Rejection(reason string, transient bool) *ServiceError {
	e := New(ErrorTypeRejection, "submit", "share rejected: "+reason).WithContext("reason", reason)
	e.Retryable = transient
	return e
}

// Compute wraps a hash backend failure.
func Compute(operation string, cause error) *ServiceError {
	return Wrap(cause, ErrorTypeCompute, operation, "hash backend failure")
}

// isRetryableByType determines if an error type is generally retryable
func isRetryableByType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeMessaging, ErrorTypeStorage:
		return true
	case ErrorTypeProtocol, ErrorTypeStale, ErrorTypeConfig:
		return false
	default:
		return false
	}
}

// isRetryableByDefault checks if an error is retryable based on common patterns
func isRetryableByDefault(err error) bool {
	if err == nil {
		return false
	}

	if isCancellation(err) {
		return false
	}

	errStr := strings.ToLower(err.Error())

	networkErrors := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"network unreachable",
		"timeout",
		"temporary failure",
	}

	for _, netErr := range networkErrors {
		if strings.Contains(errStr, netErr) {
			return true
		}
	}

	return false
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Type == errorType
	}
	return false
}

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return isRetryableByDefault(err)
}

// GetContext retrieves context from a ServiceError
func GetContext(err error) map[string]any {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Context
	}
	return nil
}
