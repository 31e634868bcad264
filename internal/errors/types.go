package errors

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
)

// ErrorType classifies errors for retry decisions
type ErrorType int

const (
	// ErrorTypeTransient - retry-able errors
	ErrorTypeTransient ErrorType = iota
	// ErrorTypePermanent - non-retry-able errors
	ErrorTypePermanent
)

// TransientError represents an error that can be retried
type TransientError struct {
	Err        error
	StatusCode int    // HTTP status code if applicable
	Message    string // operator-friendly message
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError represents an error that should not be retried
type PermanentError struct {
	Err        error
	StatusCode int
	Message    string
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// IsTransient checks if an error is retry-able.
//
// Explicit wrapping wins; otherwise network errors, retryable HTTP status
// codes (5xx and 429) and transient syscall errnos count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return false
	}

	if isNetworkError(err) {
		return true
	}
	if statusCode := extractHTTPStatusCode(err); statusCode > 0 {
		return IsTransientHTTPStatus(statusCode)
	}
	if isSyscallError(err) {
		return true
	}
	return false
}

// IsPermanent checks if an error is non-retry-able
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return true
	}
	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return false
	}
	return !IsTransient(err)
}

// GetErrorType classifies an error. Unknown errors default to permanent so
// retry loops cannot spin on undiagnosed failures.
func GetErrorType(err error) ErrorType {
	if IsTransient(err) {
		return ErrorTypeTransient
	}
	return ErrorTypePermanent
}

// IsTransientHTTPStatus reports whether an HTTP status warrants a retry.
func IsTransientHTTPStatus(statusCode int) bool {
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	return statusCode >= 500 && statusCode <= 599
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}

	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"timeout",
		"deadline exceeded",
		"connection reset",
		"broken pipe",
	}
	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

func isSyscallError(err error) bool {
	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		switch syscallErr {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}

var knownStatusCodes = []int{400, 401, 403, 404, 408, 409, 422, 429, 500, 502, 503, 504}

func extractHTTPStatusCode(err error) int {
	lowerErr := strings.ToLower(err.Error())
	for _, code := range knownStatusCodes {
		needle := strconv.Itoa(code)
		if strings.Contains(lowerErr, "status "+needle) ||
			strings.Contains(lowerErr, "http "+needle) ||
			strings.Contains(lowerErr, "error "+needle) {
			return code
		}
	}
	return 0
}

// NewTransientError creates a new transient error with a friendly message
func NewTransientError(err error, message string) *TransientError {
	return &TransientError{Err: err, Message: message}
}

// NewPermanentError creates a new permanent error with a friendly message
func NewPermanentError(err error, message string) *PermanentError {
	return &PermanentError{Err: err, Message: message}
}
