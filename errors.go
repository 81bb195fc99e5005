package mxl

import (
	"errors"
	"fmt"
)

// StatusCode enumerates the stable error codes exposed at the MXL public
// API boundary (spec §7). Internal failures are classified into one of
// these before they ever leave a package.
type StatusCode int

const (
	// OK indicates success; operations that return a value alongside a
	// nil error do not construct an Error at all.
	OK StatusCode = iota
	Unknown
	FlowNotFound
	FlowInvalid
	OutOfRangeTooEarly
	OutOfRangeTooLate
	InvalidFlowReader
	InvalidFlowWriter
	Timeout
	InvalidArg
	Conflict
	Exists
	Internal
	Interrupted
	NotReady
	NotFound
	InvalidState
)

// String renders the status code using its public name.
func (c StatusCode) String() string {
	switch c {
	case OK:
		return "OK"
	case Unknown:
		return "UNKNOWN"
	case FlowNotFound:
		return "FLOW_NOT_FOUND"
	case FlowInvalid:
		return "FLOW_INVALID"
	case OutOfRangeTooEarly:
		return "OUT_OF_RANGE_TOO_EARLY"
	case OutOfRangeTooLate:
		return "OUT_OF_RANGE_TOO_LATE"
	case InvalidFlowReader:
		return "INVALID_FLOW_READER"
	case InvalidFlowWriter:
		return "INVALID_FLOW_WRITER"
	case Timeout:
		return "TIMEOUT"
	case InvalidArg:
		return "INVALID_ARG"
	case Conflict:
		return "CONFLICT"
	case Exists:
		return "EXISTS"
	case Internal:
		return "INTERNAL"
	case Interrupted:
		return "INTERRUPTED"
	case NotReady:
		return "NOT_READY"
	case NotFound:
		return "NOT_FOUND"
	case InvalidState:
		return "INVALID_STATE"
	default:
		return "UNKNOWN"
	}
}

// Error is the MXL-specific error type carrying a stable status code and
// the wrapped cause, if any. Every error returned across a public API
// boundary is a *Error so callers can classify it with errors.As.
type Error struct {
	Code StatusCode
	Err  error
}

// NewError constructs an *Error with the given code and optional cause.
func NewError(code StatusCode, err error) *Error {
	return &Error{Code: code, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return fmt.Errorf("%s: %w", e.Code, e.Err).Error()
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf extracts the StatusCode from err if it is (or wraps) an *Error,
// returning Unknown otherwise.
func CodeOf(err error) StatusCode {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}
