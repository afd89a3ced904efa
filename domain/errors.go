// Package domain defines the entities, status enums, and error kinds shared
// by the fulfillment orchestration core. Entities are plain structs with
// JSON-stable field names; services in other packages own all behavior.
package domain

import (
	"errors"
	"fmt"
)

// ErrorKind tags an error with its disposition class. Kinds cross component
// boundaries instead of package-private error types so that callers can make
// retry/HTTP-status decisions without importing the origin package.
type ErrorKind int

const (
	// KindUnknown is the zero kind; errors without a tag map to it.
	KindUnknown ErrorKind = iota
	// KindValidation marks bad input. Never retried, surfaces as 4xx.
	KindValidation
	// KindNotFound marks a missing entity. Surfaces as 404.
	KindNotFound
	// KindAuth marks a missing/invalid API key or webhook signature.
	KindAuth
	// KindConflict marks idempotency dedup hits and version mismatches.
	KindConflict
	// KindProviderEndpoint marks an upstream provider HTTP failure.
	KindProviderEndpoint
	// KindTemplate marks a template expression or missing-context failure.
	// Tasks failing with this kind are not retried.
	KindTemplate
	// KindTransient marks DB deadlocks, network resets and other failures
	// that are expected to succeed on retry.
	KindTransient
	// KindFatal marks unrecoverable startup failures (unreachable DB,
	// missing configuration). Propagates to the supervisor; process exits.
	KindFatal
)

// String returns the canonical name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindAuth:
		return "auth"
	case KindConflict:
		return "conflict"
	case KindProviderEndpoint:
		return "provider_endpoint"
	case KindTemplate:
		return "template"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a tagged error. It wraps an optional cause and carries a
// human-readable message.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, or KindUnknown if err carries no tag.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var pe *ProviderEndpointError
	if errors.As(err, &pe) {
		return KindProviderEndpoint
	}
	var te *TemplateError
	if errors.As(err, &te) {
		return KindTemplate
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool { return KindOf(err) == kind }

// Validationf returns a KindValidation error.
func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundf returns a KindNotFound error.
func NotFoundf(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Authf returns a KindAuth error.
func Authf(format string, args ...any) error {
	return &Error{Kind: KindAuth, Msg: fmt.Sprintf(format, args...)}
}

// Conflictf returns a KindConflict error.
func Conflictf(format string, args ...any) error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

// Transientf returns a KindTransient error wrapping cause.
func Transientf(cause error, format string, args ...any) error {
	return &Error{Kind: KindTransient, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// Fatalf returns a KindFatal error wrapping cause.
func Fatalf(cause error, format string, args ...any) error {
	return &Error{Kind: KindFatal, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// ProviderEndpointError reports an upstream provider HTTP failure. Status is
// the HTTP status code (0 when the request never completed) and Preview is a
// truncated excerpt of the response body.
type ProviderEndpointError struct {
	Status  int
	Message string
	Preview string
}

// Error implements the error interface.
func (e *ProviderEndpointError) Error() string {
	if e.Preview != "" {
		return fmt.Sprintf("provider endpoint failed (status %d): %s: %s", e.Status, e.Message, e.Preview)
	}
	return fmt.Sprintf("provider endpoint failed (status %d): %s", e.Status, e.Message)
}

// TemplateError reports a template rendering failure. MissingKey is set when
// the failure is an unresolved context path, which callers treat as
// non-retryable.
type TemplateError struct {
	Expr       string
	MissingKey bool
	Message    string
}

// Error implements the error interface.
func (e *TemplateError) Error() string {
	if e.MissingKey {
		return fmt.Sprintf("missing context key %q", e.Expr)
	}
	return fmt.Sprintf("template error in %q: %s", e.Expr, e.Message)
}
