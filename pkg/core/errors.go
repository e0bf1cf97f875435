package core

import (
	"errors"
	"fmt"
)

// Error is the typed error surfaced by the companion session and its
// subsystems.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Param   string    `json:"param,omitempty"`
	Code    string    `json:"code,omitempty"`
	Cause   error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	// ErrPermission: microphone access denied. Fatal for the connect
	// attempt; the user may grant access and connect again.
	ErrPermission ErrorType = "permission_error"
	// ErrDevice: an audio device could not be opened or failed mid-session.
	ErrDevice ErrorType = "device_error"
	// ErrTransport: the connection failed to open, dropped, or rejected a
	// write. Always tears the session down.
	ErrTransport ErrorType = "transport_error"
	// ErrProtocol: a malformed or unexpected inbound frame. Logged and
	// dropped; the session continues.
	ErrProtocol ErrorType = "protocol_error"
	// ErrToolHandler: a local capability invocation failed. The failure is
	// reported back to the remote peer in a tool result.
	ErrToolHandler ErrorType = "tool_handler_error"
	// ErrEncoding: malformed audio payload handed to the codec.
	ErrEncoding ErrorType = "encoding_error"
	// ErrConfig: missing or invalid configuration detected before any
	// resource is acquired.
	ErrConfig ErrorType = "config_error"
	// ErrState: an operation invoked in a session state that does not
	// permit it.
	ErrState ErrorType = "state_error"
)

// NewPermissionError creates a microphone permission error.
func NewPermissionError(message string) *Error {
	return &Error{
		Type:    ErrPermission,
		Message: message,
	}
}

// NewDeviceError creates an audio device error.
func NewDeviceError(message string, cause error) *Error {
	return &Error{
		Type:    ErrDevice,
		Message: message,
		Cause:   cause,
	}
}

// NewTransportError creates a connection error.
func NewTransportError(message string, cause error) *Error {
	return &Error{
		Type:    ErrTransport,
		Message: message,
		Cause:   cause,
	}
}

// NewProtocolError creates an inbound framing error.
func NewProtocolError(message string) *Error {
	return &Error{
		Type:    ErrProtocol,
		Message: message,
	}
}

// NewProtocolErrorWithParam creates an inbound framing error naming the
// offending field.
func NewProtocolErrorWithParam(message, param string) *Error {
	return &Error{
		Type:    ErrProtocol,
		Message: message,
		Param:   param,
	}
}

// NewToolHandlerError creates a capability invocation error.
func NewToolHandlerError(name string, cause error) *Error {
	return &Error{
		Type:    ErrToolHandler,
		Message: fmt.Sprintf("tool %q: %v", name, cause),
		Cause:   cause,
	}
}

// NewEncodingError creates an audio codec error.
func NewEncodingError(message string) *Error {
	return &Error{
		Type:    ErrEncoding,
		Message: message,
	}
}

// NewConfigError creates a configuration error.
func NewConfigError(message string) *Error {
	return &Error{
		Type:    ErrConfig,
		Message: message,
	}
}

// NewConfigErrorWithParam creates a configuration error naming the missing
// or invalid setting.
func NewConfigErrorWithParam(message, param string) *Error {
	return &Error{
		Type:    ErrConfig,
		Message: message,
		Param:   param,
	}
}

// NewStateError creates an invalid session state error.
func NewStateError(message string) *Error {
	return &Error{
		Type:    ErrState,
		Message: message,
	}
}

// IsRetryable reports whether a fresh connect attempt may succeed after
// this error. Nothing retries automatically; retry is always an explicit
// new connect from the consumer.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrPermission, ErrDevice, ErrTransport:
		return true
	default:
		return false
	}
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.Cause
}

// TypeOf extracts the ErrorType from err, or "" when err does not carry one.
func TypeOf(err error) ErrorType {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Type
	}
	return ""
}
