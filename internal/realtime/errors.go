package realtime

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a realtime failure class carried on the wire.
type ErrorCode string

const (
	// CodeAuthenticationFailed covers missing, invalid, or expired credentials.
	CodeAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"
	// CodePermissionDenied covers a valid identity lacking the required capability.
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	// CodeNotFound covers rooms or resources that do not exist.
	CodeNotFound ErrorCode = "NOT_FOUND"
	// CodeConnectionLimitExceeded covers per-IP and per-identity connection caps.
	CodeConnectionLimitExceeded ErrorCode = "CONNECTION_LIMIT_EXCEEDED"
	// CodeInvalidUpdate covers undecodable CRDT payloads.
	CodeInvalidUpdate ErrorCode = "INVALID_UPDATE"
	// CodeRealtimeError is the internal catch-all.
	CodeRealtimeError ErrorCode = "REALTIME_ERROR"
)

// Error is a realtime failure with a machine-readable code. Handshake-phase
// errors are sent to the client as a CONTROL/ERROR frame before the socket
// closes.
type Error struct {
	code    ErrorCode
	message string
	cause   error
}

// NewError constructs an Error with the provided code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{code: code, message: message}
}

// WrapError constructs an Error that preserves the underlying cause.
func WrapError(code ErrorCode, message string, cause error) *Error {
	return &Error{code: code, message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%s: %s", e.code, e.message)
	}
	return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// Code returns the wire-level error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Message returns the human-readable description.
func (e *Error) Message() string {
	return e.message
}

// CodeOf extracts the ErrorCode from err, falling back to CodeRealtimeError
// for anything outside the realtime taxonomy.
func CodeOf(err error) ErrorCode {
	var realtimeErr *Error
	if errors.As(err, &realtimeErr) {
		return realtimeErr.code
	}
	return CodeRealtimeError
}
