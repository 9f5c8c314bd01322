package media

import (
	"errors"
	"fmt"
)

// MediaErrorCode categorizes local media failures.
type MediaErrorCode string

const (
	// ErrCodePermissionDenied indicates the user refused device access.
	ErrCodePermissionDenied MediaErrorCode = "PERMISSION_DENIED"

	// ErrCodeDeviceUnavailable indicates no usable device exists or it is
	// in use.
	ErrCodeDeviceUnavailable MediaErrorCode = "DEVICE_UNAVAILABLE"
)

// MediaError reports a failure to acquire local media.
type MediaError struct {
	Code    MediaErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *MediaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *MediaError) Unwrap() error { return e.Err }

// NewPermissionDenied creates a PERMISSION_DENIED MediaError.
func NewPermissionDenied(msg string) *MediaError {
	return &MediaError{Code: ErrCodePermissionDenied, Message: msg}
}

// NewDeviceUnavailable creates a DEVICE_UNAVAILABLE MediaError.
func NewDeviceUnavailable(msg string) *MediaError {
	return &MediaError{Code: ErrCodeDeviceUnavailable, Message: msg}
}

// IsMediaError reports whether err is (or wraps) a MediaError.
func IsMediaError(err error) bool {
	var me *MediaError
	return errors.As(err, &me)
}

// IsPermissionDenied reports whether err is a PERMISSION_DENIED MediaError.
func IsPermissionDenied(err error) bool {
	var me *MediaError
	if errors.As(err, &me) {
		return me.Code == ErrCodePermissionDenied
	}
	return false
}

// NegotiationError reports a failed offer/answer or ICE step.
type NegotiationError struct {
	// Step names the failed operation, e.g. "create-offer".
	Step    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *NegotiationError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("NEGOTIATION_FAILED: %s: %s", e.Step, msg)
}

// Unwrap returns the underlying cause.
func (e *NegotiationError) Unwrap() error { return e.Err }

// IsNegotiationError reports whether err is (or wraps) a NegotiationError.
func IsNegotiationError(err error) bool {
	var ne *NegotiationError
	return errors.As(err, &ne)
}

// ErrClosed is returned by operations on a closed Adapter.
var ErrClosed = errors.New("media adapter closed")

func negotiationError(step string, err error) error {
	if err == nil {
		return nil
	}
	var ne *NegotiationError
	if errors.As(err, &ne) {
		return ne
	}
	return &NegotiationError{Step: step, Err: err}
}
