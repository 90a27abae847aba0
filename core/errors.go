package core

import (
	"errors"
	"fmt"
)

// ErrorKind identifies a class of failure in the error taxonomy. Kinds are
// stable identifiers suitable for matching and metrics labels.
type ErrorKind string

const (
	// KindValidation marks a malformed request; never retried.
	KindValidation ErrorKind = "validation"
	// KindPolicyDenied marks a policy engine rejection; never retried.
	KindPolicyDenied ErrorKind = "policy_denied"
	// KindProviderUnavailable marks exhaustion of the provider fallback chain.
	KindProviderUnavailable ErrorKind = "provider_unavailable"
	// KindProviderTimeout marks a single provider call deadline expiry.
	KindProviderTimeout ErrorKind = "provider_timeout"
	// KindContextOverflow marks a context window budget that could not be met.
	KindContextOverflow ErrorKind = "context_overflow"
	// KindRetrieval marks an embedder or vector store failure during search.
	KindRetrieval ErrorKind = "retrieval"
	// KindDispatchConflict marks a duplicate or out-of-order event beyond the
	// buffer; the offending event is dropped, applied state is untouched.
	KindDispatchConflict ErrorKind = "dispatch_conflict"
	// KindLeaseExpired marks an operation on a task whose lease lapsed.
	KindLeaseExpired ErrorKind = "lease_expired"
)

// Error is the structured error carried across component boundaries: a kind
// for matching, a message for humans and an optional context map for
// diagnostics. Errors are surfaced to callers, never used for control flow.
type Error struct {
	Kind    ErrorKind
	Message string
	Context map[string]any
	cause   error
}

// Errorf constructs an Error of the given kind with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.cause }

// WithContext attaches a diagnostic key/value pair (chainable).
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = map[string]any{}
	}
	e.Context[key] = value
	return e
}

// WithCause wraps an underlying error (chainable).
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// IsKind reports whether err (or anything it wraps) is an Error of the kind.
func IsKind(err error, kind ErrorKind) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == kind
}
