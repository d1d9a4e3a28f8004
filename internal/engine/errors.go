package engine

import (
	"errors"
	"fmt"
)

// Error represents a failure in an engine operation.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Details contains additional context.
	Details map[string]string
}

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeFanoutExceeded indicates one event produced more commands than
	// the per-event quota allows.
	ErrCodeFanoutExceeded ErrorCode = "FANOUT_EXCEEDED"

	// ErrCodeEnqueueFailed indicates the queue refused a command.
	ErrCodeEnqueueFailed ErrorCode = "ENQUEUE_FAILED"

	// ErrCodeDevicesUnavailable indicates the transport could not list devices.
	ErrCodeDevicesUnavailable ErrorCode = "DEVICES_UNAVAILABLE"
)

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsFanoutError returns true if the error is a per-event quota error.
// Uses errors.As to handle wrapped errors.
func IsFanoutError(err error) bool {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Code == ErrCodeFanoutExceeded
	}
	return false
}

func newEnqueueError(summary string, err error) *Error {
	return &Error{
		Code:    ErrCodeEnqueueFailed,
		Message: fmt.Sprintf("enqueue %s: %v", summary, err),
		Details: map[string]string{"command": summary},
	}
}
