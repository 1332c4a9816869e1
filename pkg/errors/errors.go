// Package errors provides structured error handling for conduit. It defines
// an error taxonomy of kinds with retryability semantics and maps each kind
// 1:1 onto the protocol error-code enumeration at the protocol boundary.
package errors

import (
	"errors"
	"fmt"
	"time"

	"github.com/conduit-rpc/conduit-go/pkg/protocol"
)

// Kind classifies an error for handling decisions. Retryable kinds are the
// only ones a caller should automatically retry.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindNotFound           Kind = "not_found"
	KindAuthentication     Kind = "authentication"
	KindAuthorization      Kind = "authorization"
	KindRateLimit          Kind = "rate_limit"
	KindTimeout            Kind = "timeout"
	KindServiceUnavailable Kind = "service_unavailable"
	KindResourceExhausted  Kind = "resource_exhausted"
	KindProtocol           Kind = "protocol"
	KindInternal           Kind = "internal"
)

// Severity indicates how critical an error is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Context records where and when an error occurred.
type Context struct {
	Method       string    `json:"method,omitempty"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Component    string    `json:"component,omitempty"`
	Operation    string    `json:"operation,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Error is a classified conduit error.
type Error struct {
	Kind      Kind
	Message   string
	Detail    string
	Retryable bool
	Severity  Severity
	Data      interface{}
	Context   *Context
	Cause     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Detail)
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Code returns the protocol error code mapped from the error kind.
func (e *Error) Code() protocol.ErrorCode {
	return codeForKind(e.Kind)
}

// WithContext returns a copy of the error with context attached.
func (e *Error) WithContext(ctx *Context) *Error {
	clone := *e
	if ctx != nil && ctx.Timestamp.IsZero() {
		ctx.Timestamp = time.Now()
	}
	clone.Context = ctx
	return &clone
}

// WithDetail returns a copy of the error with an additional detail string.
func (e *Error) WithDetail(detail string) *Error {
	clone := *e
	if clone.Detail != "" {
		clone.Detail = fmt.Sprintf("%s; %s", clone.Detail, detail)
	} else {
		clone.Detail = detail
	}
	return &clone
}

// WithData returns a copy of the error with structured data attached.
func (e *Error) WithData(data interface{}) *Error {
	clone := *e
	clone.Data = data
	return &clone
}

// New creates an error of the given kind. Retryability and severity follow
// the kind's defaults.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Retryable: kindRetryable(kind),
		Severity:  SeverityError,
	}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error, classifying it with the given kind.
func Wrap(err error, kind Kind, message string) *Error {
	e := New(kind, message)
	e.Cause = err
	return e
}

// Convenience constructors per kind.

func Validationf(format string, args ...interface{}) *Error {
	return Newf(KindValidation, format, args...)
}

func NotFoundf(format string, args ...interface{}) *Error {
	return Newf(KindNotFound, format, args...)
}

func Timeoutf(format string, args ...interface{}) *Error {
	return Newf(KindTimeout, format, args...)
}

func Unavailablef(format string, args ...interface{}) *Error {
	return Newf(KindServiceUnavailable, format, args...)
}

func Internalf(format string, args ...interface{}) *Error {
	return Newf(KindInternal, format, args...)
}

func Protocolf(format string, args ...interface{}) *Error {
	return Newf(KindProtocol, format, args...)
}

// RateLimited creates a retryable rate-limit error carrying the window reset
// time as context for the caller.
func RateLimited(method string, resetAt time.Time) *Error {
	return Newf(KindRateLimit, "rate limit exceeded for %s", method).WithData(map[string]interface{}{
		"resetAt": resetAt.UTC().Format(time.RFC3339Nano),
	})
}

// As extracts a conduit *Error from any error chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable reports whether a caller may automatically retry after err.
// Unknown errors default to non-retryable.
func IsRetryable(err error) bool {
	if e, ok := As(err); ok {
		return e.Retryable
	}
	var payload *protocol.ErrorPayload
	if errors.As(err, &payload) {
		return kindRetryable(kindForCode(payload.Code))
	}
	return false
}

// IsKind reports whether err is a conduit error of the given kind.
func IsKind(err error, kind Kind) bool {
	if e, ok := As(err); ok {
		return e.Kind == kind
	}
	return false
}

func kindRetryable(kind Kind) bool {
	switch kind {
	case KindTimeout, KindRateLimit, KindServiceUnavailable:
		return true
	default:
		return false
	}
}
