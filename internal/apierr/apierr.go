// Package apierr defines the closed error taxonomy shared by every
// component: ClientInput, Policy, Execution, Infrastructure, and
// Integrity errors. Callers type-assert with errors.As against Error
// and switch on Code; component code wraps underlying causes with
// fmt.Errorf("...: %w", err) the way internal/persistence/store.go did
// in the teacher.
package apierr

import (
	"errors"
	"fmt"
)

type Code string

const (
	// ClientInput
	CodeValidationError   Code = "ValidationError"
	CodeUnknownAdapter    Code = "UnknownAdapter"
	CodeIllegalTransition Code = "IllegalTransition"
	CodeNotFound          Code = "NotFound"
	CodeForbidden         Code = "Forbidden"
	CodeUnauthorized      Code = "Unauthorized"

	// Policy
	CodeRateLimited   Code = "RateLimited"
	CodeQuotaExceeded Code = "QuotaExceeded"
	CodeNotTerminal   Code = "NotTerminal"

	// Execution
	CodeAdapterError Code = "AdapterError"
	CodeTimedOut     Code = "TimedOut"
	CodeCanceled     Code = "Canceled"

	// Infrastructure
	CodeStoreUnavailable    Code = "StoreUnavailable"
	CodeStreamUnavailable   Code = "StreamUnavailable"
	CodeUpstreamUnavailable Code = "UpstreamUnavailable"

	// Integrity — fatal, never retried.
	CodeChainBroken    Code = "ChainBroken"
	CodeSeqDivergence  Code = "SeqDivergence"
)

// Error is the structured payload every public boundary returns:
// {code, message, details}.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// WithDetails attaches structured detail fields and returns the receiver
// for chaining at the call site.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// CodeOf extracts the Code from err if it (or something it wraps) is an
// *Error; the zero Code otherwise.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// Retryable reports whether the error class is one the §7 propagation
// policy retries at the component boundary (Infrastructure only;
// Integrity and ClientInput/Policy/Execution are not retried here).
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeStoreUnavailable, CodeStreamUnavailable, CodeUpstreamUnavailable:
		return true
	default:
		return false
	}
}
