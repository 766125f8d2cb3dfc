package kernel

import "fmt"

// Error codes sent on the wire. Internal errors are mapped onto this taxonomy
// before leaving the kernel; stack traces never reach clients.
const (
	CodeUnauthorized       = "unauthorized"
	CodeForbidden          = "forbidden"
	CodeNotFound           = "not_found"
	CodeConflict           = "conflict"
	CodeInvalidArgument    = "invalid_argument"
	CodeUnknownCommand     = "unknown_command"
	CodeSandboxUnavailable = "sandbox_unavailable"
	CodeToolError          = "tool_error"
	CodeTimeout            = "timeout"
	CodeNetworkError       = "network_error"
	CodeInternal           = "internal"
)

// Error is the wire error shape: a code from the taxonomy above plus a human
// message.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// E builds a wire error.
func E(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Unauthorized builds an unauthorized error.
func Unauthorized(msg string) *Error { return &Error{Code: CodeUnauthorized, Message: msg} }

// Forbidden builds a forbidden error.
func Forbidden(msg string) *Error { return &Error{Code: CodeForbidden, Message: msg} }

// NotFound builds a not_found error.
func NotFound(format string, args ...any) *Error { return E(CodeNotFound, format, args...) }

// Conflict builds a conflict error.
func Conflict(format string, args ...any) *Error { return E(CodeConflict, format, args...) }

// InvalidArgument builds an invalid_argument error.
func InvalidArgument(format string, args ...any) *Error {
	return E(CodeInvalidArgument, format, args...)
}

// AsError converts any error into a wire error, defaulting to internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if kerr, ok := err.(*Error); ok {
		return kerr
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}
