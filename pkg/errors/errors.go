// Package errors provides the structured error type the proxy passes
// between the parser, the pool, and the worker instead of unwinding the
// stack across an I/O boundary.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind identifies the class of failure and the HTTP status it maps to.
type Kind string

const (
	// KindBadRequest covers a malformed head, a missing/mismatched Host, or
	// a Content-Length that does not parse.
	KindBadRequest Kind = "bad_request"
	// KindNotFound covers DNS/host resolution failure against the upstream.
	KindNotFound Kind = "not_found"
	// KindMethodNotAllowed covers a method outside the whitelist.
	KindMethodNotAllowed Kind = "method_not_allowed"
	// KindRequestTimeout covers a client read timeout before a full head arrives.
	KindRequestTimeout Kind = "request_timeout"
	// KindTeapot covers a transformer clearing ShouldForward.
	KindTeapot Kind = "teapot"
	// KindInternal covers a codec failure decoding an upstream response, or
	// any other unexpected failure.
	KindInternal Kind = "internal"
	// KindBadGateway covers an upstream response that fails to parse.
	KindBadGateway Kind = "bad_gateway"
	// KindGatewayTimeout covers an upstream read timeout.
	KindGatewayTimeout Kind = "gateway_timeout"
	// KindVersionNotSupported covers a request version outside {1.0, 1.1}.
	KindVersionNotSupported Kind = "version_not_supported"
)

var statusByKind = map[Kind]int{
	KindBadRequest:          400,
	KindNotFound:            404,
	KindMethodNotAllowed:    405,
	KindRequestTimeout:      408,
	KindTeapot:              418,
	KindInternal:            500,
	KindBadGateway:          502,
	KindGatewayTimeout:      504,
	KindVersionNotSupported: 505,
}

var reasonByStatus = map[int]string{
	400: "Bad Request",
	404: "Not Found",
	405: "Method Not Allowed",
	408: "Request Timeout",
	418: "I'm a teapot",
	500: "Internal Server Error",
	502: "Bad Gateway",
	504: "Gateway Timeout",
	505: "HTTP Version Not Supported",
}

// Error is the structured error the parser, pool, and worker pass around.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

// New builds an *Error of the given kind with no cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap builds an *Error of the given kind around a cause.
func Wrap(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	s := fmt.Sprintf("[%s]", e.Kind)
	if e.Op != "" {
		s += " " + e.Op
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if stderrors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// Status returns the HTTP status code this error kind maps to.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return 500
}

// Reason returns the short reason phrase for this error's status.
func (e *Error) Reason() string {
	return reasonByStatus[e.Status()]
}

// BadRequest, NotFound, ... mirror the HTTPException(code, message) call
// sites of the proxy this package's error-kind table is grounded on.
func BadRequest(op string, cause error) *Error { return Wrap(KindBadRequest, op, "bad request", cause) }
func NotFound(op string, cause error) *Error   { return Wrap(KindNotFound, op, "not found", cause) }
func MethodNotAllowed(op string) *Error {
	return New(KindMethodNotAllowed, op, "method not allowed")
}
func RequestTimeout(op string) *Error { return New(KindRequestTimeout, op, "request timeout") }
func Teapot(op string) *Error         { return New(KindTeapot, op, "teapot") }
func Internal(op string, cause error) *Error {
	return Wrap(KindInternal, op, "internal server error", cause)
}
func BadGateway(op string, cause error) *Error {
	return Wrap(KindBadGateway, op, "bad gateway", cause)
}
func GatewayTimeout(op string) *Error { return New(KindGatewayTimeout, op, "gateway timeout") }
func VersionNotSupported(op string) *Error {
	return New(KindVersionNotSupported, op, "version not supported")
}

// AsError extracts an *Error from err, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := stderrors.As(err, &e)
	return e, ok
}
