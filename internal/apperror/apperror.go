// Package apperror provides driftline's error taxonomy: a small set of
// Kinds that map to HTTP status codes and a uniform, redacted logging
// shape, replacing the ad-hoc sentinel-error-plus-wrap style used
// elsewhere in the codebase wherever HTTP status discrimination matters.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an application error for HTTP-status mapping and
// logging redaction.
type Kind string

const (
	Validation          Kind = "validation"
	RateLimited         Kind = "rate_limited"
	OutOfStock          Kind = "out_of_stock"
	ProviderUnavailable Kind = "provider_unavailable"
	SignatureInvalid    Kind = "signature_invalid"
	NotConfigured       Kind = "not_configured"
	Internal            Kind = "internal"
)

var statusByKind = map[Kind]int{
	Validation:          http.StatusBadRequest,
	RateLimited:         http.StatusTooManyRequests,
	OutOfStock:          http.StatusConflict,
	ProviderUnavailable: http.StatusInternalServerError,
	SignatureInvalid:    http.StatusBadRequest,
	NotConfigured:       http.StatusBadRequest,
	Internal:            http.StatusInternalServerError,
}

// expectedOutcomeKinds are Kinds a caller can trigger through ordinary,
// anticipated use (a sold-out SKU, a client that retried too fast, a
// malformed request body) rather than through a genuine system failure.
// Logging these at Error level would drown real failures in noise.
var expectedOutcomeKinds = map[Kind]bool{
	Validation:  true,
	RateLimited: true,
	OutOfStock:  true,
}

// IsExpectedOutcome reports whether err represents a normal, anticipated
// outcome that callers should log at Debug/Info rather than Error.
func IsExpectedOutcome(err error) bool {
	var appErr *Error
	if !errors.As(err, &appErr) {
		return false
	}
	return expectedOutcomeKinds[appErr.Kind]
}

// Error is an application error tagged with a Kind for HTTP/log handling.
type Error struct {
	Kind    Kind
	Message string
	Detail  any // structured, safe-to-serialize detail (e.g. out-of-stock items)
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetail attaches a structured detail payload (e.g. the out-of-stock
// SKU list) and returns e for chaining.
func (e *Error) WithDetail(detail any) *Error {
	e.Detail = detail
	return e
}

// HTTPStatus returns the status code for err's Kind, or 500 if err is not
// an *Error.
func HTTPStatus(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		if status, ok := statusByKind[appErr.Kind]; ok {
			return status
		}
	}
	return http.StatusInternalServerError
}

// LogFields returns a flat keyval slice suitable for
// pkg/logging.Logger.Error(msg, LogFields(err)...). Provider-supplied raw
// messages are redacted down to status/code/type so provider secrets or
// customer PII embedded in a raw provider error body never reach logs.
func LogFields(err error) []any {
	var appErr *Error
	if !errors.As(err, &appErr) {
		return []any{"error", err}
	}

	fields := []any{"kind", string(appErr.Kind), "message", appErr.Message}
	if appErr.Kind == ProviderUnavailable {
		if detail, ok := appErr.Detail.(ProviderDetail); ok {
			fields = append(fields, "status", detail.Status, "code", detail.Code, "type", detail.Type)
		}
		return fields
	}
	if appErr.cause != nil {
		fields = append(fields, "cause", redactedCause(appErr.cause))
	}
	return fields
}

// redactedCause returns a cause's error string. LogFields never calls it
// for ProviderUnavailable errors, whose cause may carry raw provider
// response text.
func redactedCause(err error) string {
	return err.Error()
}

// ProviderDetail is the safe-to-log triple for a ProviderUnavailable
// error: the raw provider response body is deliberately not part of it.
type ProviderDetail struct {
	Status int
	Code   string
	Type   string
}

// NewProviderError builds a ProviderUnavailable error carrying only the
// safe status/code/type triple, never the provider's raw message body.
func NewProviderError(detail ProviderDetail, cause error) *Error {
	return Wrap(ProviderUnavailable, "payment provider request failed", cause).WithDetail(detail)
}
