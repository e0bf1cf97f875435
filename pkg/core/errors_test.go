package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	err := &Error{
		Type:    ErrPermission,
		Message: "microphone access denied",
	}

	expected := "permission_error: microphone access denied"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestError_WithCode(t *testing.T) {
	err := &Error{
		Type:    ErrToolHandler,
		Message: "no handler registered",
		Code:    "tool_not_registered",
	}

	expected := "tool_handler_error: no handler registered (code: tool_not_registered)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestNewTransportError_WrapsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewTransportError("websocket read failed", cause)

	if err.Type != ErrTransport {
		t.Errorf("Type = %v, want %v", err.Type, ErrTransport)
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
}

func TestNewToolHandlerError_MessageNamesTool(t *testing.T) {
	err := NewToolHandlerError("refresh_data", errors.New("dashboard offline"))
	want := `tool "refresh_data": dashboard offline`
	if err.Message != want {
		t.Errorf("Message = %q, want %q", err.Message, want)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  *Error
		want bool
	}{
		{NewPermissionError("denied"), true},
		{NewDeviceError("no output device", nil), true},
		{NewTransportError("dropped", nil), true},
		{NewProtocolError("bad frame"), false},
		{NewEncodingError("odd byte count"), false},
		{NewConfigError("missing key"), false},
		{NewStateError("already live"), false},
	}

	for _, tt := range tests {
		if got := tt.err.IsRetryable(); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err.Type, got, tt.want)
		}
	}
}

func TestTypeOf(t *testing.T) {
	wrapped := fmt.Errorf("connect: %w", NewDeviceError("output busy", nil))
	if got := TypeOf(wrapped); got != ErrDevice {
		t.Errorf("TypeOf(wrapped) = %v, want %v", got, ErrDevice)
	}
	if got := TypeOf(errors.New("plain")); got != "" {
		t.Errorf("TypeOf(plain) = %v, want empty", got)
	}
}

func TestNewConfigErrorWithParam(t *testing.T) {
	err := NewConfigErrorWithParam("COMPANION_API_KEY is required", "COMPANION_API_KEY")
	if err.Param != "COMPANION_API_KEY" {
		t.Errorf("Param = %q", err.Param)
	}
	if err.Type != ErrConfig {
		t.Errorf("Type = %v, want %v", err.Type, ErrConfig)
	}
}
