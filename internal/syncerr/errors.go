// Package syncerr defines the error taxonomy shared by the transport, the
// local store and the sync engine.
//
// Every error surfaced to an engine caller is (or wraps) an *Error whose Code
// tells the caller what to do next:
//   - AUTH: re-authenticate and re-issue; never retried internally
//   - TIMEOUT, CONNECTION_LOST: transient; retried by the transport, then
//     queued by the engine for mutations
//   - REQUEST_REJECTED: permanent; the server refused the operation
//   - CACHE_MISS: CacheOnly query with no cached entry
//   - CANCELLED: the caller's context ended before completion
package syncerr

import (
	"context"
	"errors"
	"fmt"
)

// Code categorizes sync errors.
type Code string

const (
	// CodeAuth indicates credentials were unavailable, expired or refused.
	CodeAuth Code = "AUTH"

	// CodeTimeout indicates an attempt exceeded its deadline.
	CodeTimeout Code = "TIMEOUT"

	// CodeConnectionLost indicates the network or server was unreachable.
	CodeConnectionLost Code = "CONNECTION_LOST"

	// CodeRequestRejected indicates a non-transient refusal (4xx or GraphQL errors).
	CodeRequestRejected Code = "REQUEST_REJECTED"

	// CodeCacheMiss indicates a CacheOnly read found nothing.
	CodeCacheMiss Code = "CACHE_MISS"

	// CodeCancelled indicates the operation was cancelled by its caller.
	CodeCancelled Code = "CANCELLED"
)

// Error is the typed error carried through the engine.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Operation names the affected operation, if any.
	Operation string

	// Fingerprint identifies the affected cache entry, if any.
	Fingerprint string

	// Details holds server-provided error messages (GraphQL errors list).
	Details []string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Operation != "" {
		msg = fmt.Sprintf("%s (op=%s)", msg, e.Operation)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by code, so errors.Is(err, syncerr.ErrCacheMiss)
// works for any cache miss.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code && t.Message == "" && t.Operation == ""
	}
	return false
}

// Sentinels for errors.Is comparisons. They carry only a code.
var (
	ErrAuth            = &Error{Code: CodeAuth}
	ErrTimeout         = &Error{Code: CodeTimeout}
	ErrConnectionLost  = &Error{Code: CodeConnectionLost}
	ErrRequestRejected = &Error{Code: CodeRequestRejected}
	ErrCacheMiss       = &Error{Code: CodeCacheMiss}
	ErrCancelled       = &Error{Code: CodeCancelled}
)

// New creates an *Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an *Error with the given code around err.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Auth wraps err as an AUTH error.
func Auth(err error) *Error {
	return Wrap(CodeAuth, "credentials unavailable", err)
}

// CacheMiss builds the error returned by CacheOnly reads.
func CacheMiss(operation, fingerprint string) *Error {
	return &Error{
		Code:        CodeCacheMiss,
		Message:     "no cached entry",
		Operation:   operation,
		Fingerprint: fingerprint,
	}
}

// Cancelled wraps a context error as CANCELLED.
func Cancelled(err error) *Error {
	return Wrap(CodeCancelled, "operation cancelled", err)
}

// Rejected builds a REQUEST_REJECTED error with server-provided details.
func Rejected(message string, details ...string) *Error {
	return &Error{Code: CodeRequestRejected, Message: message, Details: details}
}

// WithOperation returns a copy of err annotated with the operation name and
// fingerprint. Non-*Error values are returned unchanged.
func WithOperation(err error, operation, fingerprint string) error {
	var e *Error
	if !errors.As(err, &e) {
		return err
	}
	annotated := *e
	if annotated.Operation == "" {
		annotated.Operation = operation
	}
	if annotated.Fingerprint == "" {
		annotated.Fingerprint = fingerprint
	}
	return &annotated
}

// FromContext converts a context error into CANCELLED, or TIMEOUT for a
// deadline. Returns nil if err is not a context error.
func FromContext(err error) *Error {
	switch {
	case errors.Is(err, context.Canceled):
		return Cancelled(err)
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(CodeTimeout, "deadline exceeded", err)
	}
	return nil
}

// CodeOf extracts the code from err, or "" if err is not an *Error.
// Uses errors.As to handle wrapped errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsAuth returns true if err is an AUTH error.
func IsAuth(err error) bool { return CodeOf(err) == CodeAuth }

// IsCacheMiss returns true if err is a CACHE_MISS error.
func IsCacheMiss(err error) bool { return CodeOf(err) == CodeCacheMiss }

// IsCancelled returns true if err is a CANCELLED error.
func IsCancelled(err error) bool { return CodeOf(err) == CodeCancelled }

// IsRejected returns true if err is a REQUEST_REJECTED error.
func IsRejected(err error) bool { return CodeOf(err) == CodeRequestRejected }

// IsTransient returns true for TIMEOUT and CONNECTION_LOST, the only codes
// worth retrying.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case CodeTimeout, CodeConnectionLost:
		return true
	}
	return false
}
