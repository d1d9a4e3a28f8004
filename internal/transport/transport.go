// Package transport is the boundary to the device vendor's API.
//
// The core only needs two operations: listing devices and sending one
// actuation. Retries, backoff and vendor rate-limit headers belong to the
// implementation; the queue treats every error from Send as a failure and
// never retries on its own.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/ltth/actuator/internal/command"
)

// Transport sends actuations to remote devices.
type Transport interface {
	// Devices lists the devices the account can control.
	Devices(ctx context.Context) ([]command.Device, error)

	// Send delivers one actuation and returns once the vendor has accepted
	// or refused it. Implementations must honour ctx cancellation.
	Send(ctx context.Context, deviceID string, kind command.Kind, intensity, durationMs int) error
}

// ErrorCode classifies transport failures.
type ErrorCode string

const (
	ErrCodeRateLimited ErrorCode = "RATE_LIMITED"
	ErrCodeRejected    ErrorCode = "REJECTED"
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE"
	ErrCodeTimeout     ErrorCode = "TIMEOUT"
)

// Error is a failed call to the vendor API.
type Error struct {
	Code     ErrorCode
	Status   int // HTTP status, 0 when no response was received
	DeviceID string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.DeviceID != "" {
		msg = fmt.Sprintf("%s (device=%s)", msg, e.DeviceID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRateLimited reports whether err is a vendor-side rate limit.
// Uses errors.As to handle wrapped errors.
func IsRateLimited(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Code == ErrCodeRateLimited
	}
	return false
}
