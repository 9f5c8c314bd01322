package transport

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes transport failures.
type ErrorCode string

const (
	// ErrCodeConnect indicates the transport could not reach its backend.
	ErrCodeConnect ErrorCode = "CONNECT_FAILED"

	// ErrCodeSubscribe indicates the backend refused or dropped a subscription.
	ErrCodeSubscribe ErrorCode = "SUBSCRIBE_FAILED"

	// ErrCodePublish indicates a write was not accepted.
	ErrCodePublish ErrorCode = "PUBLISH_FAILED"

	// ErrCodeClosed indicates the transport was closed locally.
	ErrCodeClosed ErrorCode = "CLOSED"

	// ErrCodeTimeout indicates the backend did not answer in time.
	ErrCodeTimeout ErrorCode = "TIMEOUT"

	// ErrCodeRejected indicates the backend answered with an error.
	ErrCodeRejected ErrorCode = "REJECTED"
)

// TransportError reports a failure of the realtime transport.
type TransportError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Topic is the affected subscription topic, if any.
	Topic string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Topic != "" {
		return fmt.Sprintf("%s: %s (topic=%s)", e.Code, msg, e.Topic)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Retryable reports whether retrying the operation may succeed.
// Local closes and explicit rejections are permanent.
func (e *TransportError) Retryable() bool {
	switch e.Code {
	case ErrCodeClosed, ErrCodeRejected:
		return false
	}
	return true
}

// NewError creates a TransportError wrapping err.
func NewError(code ErrorCode, topic string, err error) *TransportError {
	return &TransportError{Code: code, Topic: topic, Err: err}
}

// Errorf creates a TransportError with a formatted message and no cause.
func Errorf(code ErrorCode, topic, format string, args ...any) *TransportError {
	return &TransportError{Code: code, Topic: topic, Message: fmt.Sprintf(format, args...)}
}

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = &TransportError{Code: ErrCodeClosed, Message: "transport closed"}

// IsTransportError reports whether err is (or wraps) a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// AsTransportError returns err as a TransportError, wrapping foreign errors
// under code.
func AsTransportError(err error, code ErrorCode, topic string) *TransportError {
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te
	}
	return NewError(code, topic, err)
}

// IsClosed reports whether err means the transport was closed.
func IsClosed(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Code == ErrCodeClosed
	}
	return false
}
