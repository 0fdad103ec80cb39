// Package apierr defines the closed set of typed error kinds the core
// surfaces to callers (spec §7). Component packages return these via
// New/Newf rather than ad-hoc errors so that HTTP and RPC adapters can map
// them mechanically.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind is one of the error kinds enumerated in spec §7.
type Kind string

const (
	NotFound             Kind = "NotFound"
	InvalidName          Kind = "InvalidName"
	NameConflict         Kind = "NameConflict"
	NotAuthorized        Kind = "NotAuthorized"
	PermissionDenied     Kind = "PermissionDenied"
	RateLimited          Kind = "RateLimited"
	Budgeted             Kind = "Budgeted"
	DepthExceeded        Kind = "DepthExceeded"
	AgentNotRunning      Kind = "AgentNotRunning"
	TemplateResolveFailed Kind = "TemplateResolveFailed"
	InjectionFailed      Kind = "InjectionFailed"
	ContainerUnavailable Kind = "ContainerUnavailable"
	Timeout              Kind = "Timeout"
	Cancelled            Kind = "Cancelled"
	Internal             Kind = "Internal"
)

// Class groups kinds the way the control plane maps them to status codes.
type Class int

const (
	ClassClientError Class = iota // 4xx-class
	ClassOperational               // operational failure, see spec §7
	ClassInternal
)

// HTTPStatus maps a Kind onto the status code the control plane's HTTP
// adapter returns for it (spec §7).
func (k Kind) HTTPStatus() int {
	switch k {
	case NotFound:
		return http.StatusNotFound
	case InvalidName:
		return http.StatusBadRequest
	case NameConflict:
		return http.StatusConflict
	case NotAuthorized, PermissionDenied:
		return http.StatusForbidden
	case RateLimited, Budgeted:
		return http.StatusTooManyRequests
	case DepthExceeded:
		return http.StatusBadRequest
	case AgentNotRunning:
		return http.StatusConflict
	case TemplateResolveFailed, InjectionFailed, ContainerUnavailable:
		return http.StatusUnprocessableEntity
	case Timeout:
		return http.StatusGatewayTimeout
	case Cancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (k Kind) Class() Class {
	switch k {
	case NotFound, InvalidName, NameConflict, NotAuthorized, PermissionDenied,
		RateLimited, Budgeted, DepthExceeded:
		return ClassClientError
	case AgentNotRunning, TemplateResolveFailed, InjectionFailed, ContainerUnavailable,
		Timeout, Cancelled:
		return ClassOperational
	default:
		return ClassInternal
	}
}

// Error is a typed error carrying a Kind, a message, and an optional
// retry-after advisory (meaningful for RateLimited/Budgeted).
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf constructs an Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind to an underlying error, preserving it for Unwrap.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Message: cause.Error(), cause: cause}
}

// Wrapf attaches a Kind and a formatted message to an underlying error,
// preserving it for Unwrap.
func Wrapf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...) + ": " + cause.Error(), cause: cause}
}

// WithRetryAfter returns a copy of e carrying a retry-after advisory.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	cp := *e
	cp.RetryAfter = d
	return &cp
}

// Is reports whether err carries the given Kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, returning Internal if err is not a
// typed Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}
