// Package kvdberr defines the error taxonomy shared by every KVDB control
// plane package: a small set of Kinds (how to react) layered under a larger
// set of Codes (what to tell the caller).
package kvdberr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the caller should react to it, per the
// error handling design: IO and RESOURCE are usually transient, STATE and
// INVALID_INPUT are caller bugs, HEALTH is sticky until close, RETRY is
// resolved internally before ever reaching the caller as NON_RECOVERABLE.
type Kind string

const (
	KindIO            Kind = "IO"
	KindResource      Kind = "RESOURCE"
	KindState         Kind = "STATE"
	KindInvalidInput  Kind = "INVALID_INPUT"
	KindHealth        Kind = "HEALTH"
	KindRetry         Kind = "RETRY"
	KindNotFound      Kind = "NOT_FOUND"
	KindAlreadyExists Kind = "ALREADY_EXISTS"
)

// Code is the abstract, stable error code surfaced across the public API,
// independent of the Go error message attached to it.
type Code string

const (
	CodeInvalidArg     Code = "INVALID_ARG"
	CodeNotFound       Code = "NOT_FOUND"
	CodeAlreadyExists  Code = "ALREADY_EXISTS"
	CodeBusy           Code = "BUSY"
	CodeReadOnly       Code = "READ_ONLY"
	CodeNameTooLong    Code = "NAME_TOO_LONG"
	CodeNoMemory       Code = "NO_MEMORY"
	CodeCanceled       Code = "CANCELED"
	CodeStale          Code = "ESTALE"
	CodeBadFD          Code = "BAD_FD"
	CodeNonRecoverable Code = "NON_RECOVERABLE"
	CodeInternal       Code = "INTERNAL"
)

// Error is the concrete error type returned from every control-plane
// operation. It is comparable via errors.Is against the sentinel values
// below (which match on Code) and via Kind() for coarser handling.
type Error struct {
	Code  Code
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is makes errors.Is(err, kvdberr.ErrNotFound) etc. match on Code alone,
// ignoring Msg/Cause — the abstract code is the contract, not the message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New constructs an *Error with no wrapped cause.
func New(code Code, kind Kind, msg string) *Error {
	return &Error{Code: code, Kind: kind, Msg: msg}
}

// Wrap constructs an *Error around an existing error.
func Wrap(code Code, kind Kind, msg string, cause error) *Error {
	return &Error{Code: code, Kind: kind, Msg: msg, Cause: cause}
}

// Sentinel values for errors.Is comparisons; Msg is informational only.
var (
	ErrInvalidArg     = New(CodeInvalidArg, KindInvalidInput, "invalid argument")
	ErrNotFound       = New(CodeNotFound, KindNotFound, "not found")
	ErrAlreadyExists  = New(CodeAlreadyExists, KindAlreadyExists, "already exists")
	ErrBusy           = New(CodeBusy, KindState, "resource busy")
	ErrReadOnly       = New(CodeReadOnly, KindState, "database is read-only")
	ErrNameTooLong    = New(CodeNameTooLong, KindInvalidInput, "name too long")
	ErrNoMemory       = New(CodeNoMemory, KindResource, "out of memory")
	ErrCanceled       = New(CodeCanceled, KindResource, "operation canceled")
	ErrStale          = New(CodeStale, KindState, "cursor view is stale")
	ErrBadFD          = New(CodeBadFD, KindState, "handle already closed")
	ErrNonRecoverable = New(CodeNonRecoverable, KindRetry, "non-recoverable error")
	ErrInternal       = New(CodeInternal, KindState, "internal contract violation")
	ErrHealth         = New(CodeBusy, KindHealth, "database unusable due to sticky health flag")
)

// Is reports whether err carries the given Code anywhere in its chain.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
