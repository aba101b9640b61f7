package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrNoProfile indicates that no remote profile matched the dispatch call
	ErrNoProfile = errors.New("no remote profile matched")

	// ErrInvalidProfile indicates that the remote profile configuration is malformed
	ErrInvalidProfile = errors.New("invalid remote profile")

	// ErrInvalidArgument indicates a caller contract violation at dispatch time
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrMissingParameter indicates that a required command parameter is absent
	ErrMissingParameter = errors.New("required parameter missing")

	// ErrJobIncomplete indicates that the broker could not produce a completed job
	ErrJobIncomplete = errors.New("remote job did not complete")

	// ErrResultUnreadable indicates that completion data for a remote job could not be decoded
	ErrResultUnreadable = errors.New("remote job result unreadable")

	// ErrTimeout indicates that an operation timed out
	ErrTimeout = errors.New("operation timed out")

	// ErrCacheMiss indicates that no structurally valid prior output was found
	ErrCacheMiss = errors.New("no valid prior output")

	// ErrExecFailed indicates that an external executable exited non-zero
	ErrExecFailed = errors.New("external process failed")
)

// Error represents a structured engine error
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new engine error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsCacheMiss checks if an error is a cache-probe miss
func IsCacheMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}
