// Package errors defines the coded failures shared by the proxy, the pool and
// the router client.
package errors

import (
	stderrors "errors"
	"fmt"
)

type Code string

const (
	CodeParse           Code = "PARSE_ERROR"
	CodeUpstream        Code = "UPSTREAM_FAILURE"
	CodeConnect         Code = "CONNECT_FAILURE"
	CodeAuth            Code = "AUTH_FAILURE"
	CodeCommandRejected Code = "COMMAND_REJECTED"
	CodeTransport       Code = "TRANSPORT_FAILURE"
	CodePoolClosed      Code = "POOL_CLOSED"
	CodeConfig          Code = "CONFIG_ERROR"
)

// Error carries a Code so callers can branch with errors.Is against the
// sentinels below regardless of message or cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

var (
	ErrParse           = &Error{Code: CodeParse, Message: "malformed dns message"}
	ErrUpstream        = &Error{Code: CodeUpstream, Message: "upstream resolution failed"}
	ErrConnect         = &Error{Code: CodeConnect, Message: "router connect failed"}
	ErrAuth            = &Error{Code: CodeAuth, Message: "router login failed"}
	ErrCommandRejected = &Error{Code: CodeCommandRejected, Message: "router rejected command"}
	ErrTransport       = &Error{Code: CodeTransport, Message: "router transport failed"}
	ErrPoolClosed      = &Error{Code: CodePoolClosed, Message: "connection pool closed"}
	ErrConfig          = &Error{Code: CodeConfig, Message: "invalid configuration"}
)

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func Parse(message string, cause error) *Error     { return Wrap(CodeParse, message, cause) }
func Upstream(message string, cause error) *Error  { return Wrap(CodeUpstream, message, cause) }
func Connect(message string, cause error) *Error   { return Wrap(CodeConnect, message, cause) }
func Auth(message string, cause error) *Error      { return Wrap(CodeAuth, message, cause) }
func Rejected(message string, cause error) *Error  { return Wrap(CodeCommandRejected, message, cause) }
func Transport(message string, cause error) *Error { return Wrap(CodeTransport, message, cause) }
func Config(message string, cause error) *Error    { return Wrap(CodeConfig, message, cause) }

// CodeOf returns the code of the first *Error in err's chain, or "" when
// there is none.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is and As are re-exported so callers need a single errors import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }
