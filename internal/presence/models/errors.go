package models

import (
	"errors"

	"shuttle/pkg/platform/sentinel"
)

// Hub error taxonomy. Callers wrap these with context and match with errors.Is.
var (
	// ErrMalformedInput marks payloads that are dropped without any state change.
	ErrMalformedInput = errors.New("malformed input")
	// ErrOutOfServiceArea is a policy rejection, not a system failure.
	ErrOutOfServiceArea = errors.New("outside service area")
	// ErrInvalidTransition marks protocol misuse such as a double join or a
	// driver-only message from an observer.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrDeliveryFailure marks a failed send to a single connection.
	ErrDeliveryFailure = errors.New("delivery failure")
)

// ErrorCode maps an error to the code carried by the error event.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrMalformedInput):
		return "malformed_input"
	case errors.Is(err, ErrOutOfServiceArea):
		return "outside_service_area"
	case errors.Is(err, sentinel.ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
