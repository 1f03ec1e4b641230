// Package rayerr defines the error-kind taxonomy shared by every Agent
// Core component, so callers can branch on kind with errors.As instead of
// string-matching messages.
package rayerr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	Unauthorized  Kind = "unauthorized"
	NotFound      Kind = "not_found"
	InvalidArgs   Kind = "invalid_args"
	ProviderError Kind = "provider_error"
	ToolError     Kind = "tool_error"
	Timeout       Kind = "timeout"
	Cancelled     Kind = "cancelled"
	Busy          Kind = "busy"
	TooLarge      Kind = "too_large"
	Corruption    Kind = "corruption"
	Internal      Kind = "internal"
)

// Error is the concrete type behind every Agent Core error kind.
type Error struct {
	Kind      Kind
	Message   string
	Transient bool // only meaningful when Kind == ProviderError
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func Unauthorizedf(format string, args ...any) *Error {
	return newErr(Unauthorized, fmt.Sprintf(format, args...), nil)
}

func NotFoundf(format string, args ...any) *Error {
	return newErr(NotFound, fmt.Sprintf(format, args...), nil)
}

func InvalidArgsf(format string, args ...any) *Error {
	return newErr(InvalidArgs, fmt.Sprintf(format, args...), nil)
}

func Provider(transient bool, cause error) *Error {
	return &Error{Kind: ProviderError, Message: "provider call failed", Transient: transient, Cause: cause}
}

func Tool(message string) *Error {
	return newErr(ToolError, message, nil)
}

func Timeoutf(format string, args ...any) *Error {
	return newErr(Timeout, fmt.Sprintf(format, args...), nil)
}

func Cancelledf(format string, args ...any) *Error {
	return newErr(Cancelled, fmt.Sprintf(format, args...), nil)
}

func Busyf(format string, args ...any) *Error {
	return newErr(Busy, fmt.Sprintf(format, args...), nil)
}

func TooLargef(format string, args ...any) *Error {
	return newErr(TooLarge, fmt.Sprintf(format, args...), nil)
}

func Corrupt(cause error) *Error {
	return newErr(Corruption, "store corruption detected", cause)
}

func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: err.Error(), Cause: err}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
