// Package apierr defines the closed set of error kinds produced by the core
// and the HTTP status each maps to, so handlers never string-match error
// text to decide a response code.
package apierr

import (
	"errors"
	"net/http"
)

// Kind is one of the error kinds the core produces.
type Kind string

const (
	Unauthenticated  Kind = "unauthenticated"
	Forbidden        Kind = "forbidden"
	RateLimited      Kind = "rate_limited"
	NotFound         Kind = "not_found"
	Conflict         Kind = "conflict"
	NoNodeAvailable  Kind = "no_node_available"
	JobTimeout       Kind = "job_timeout"
	NodeDisconnected Kind = "node_disconnected"
	Cancelled        Kind = "cancelled"
	Internal         Kind = "internal"
)

// Error wraps a Kind with a human-readable message. It implements the error
// interface and supports errors.Is against the bare Kind sentinels below.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

func (e *Error) Is(target error) bool {
	if k, ok := target.(Kind); ok {
		return e.Kind == k
	}
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New constructs an *Error of the given kind.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Wrapping Kind values as bare errors lets callers write
// fmt.Errorf("%w: detail", apierr.Unauthenticated) and still compare with
// errors.Is via KindOf.
func (k Kind) Error() string { return string(k) }

// KindOf extracts the Kind from err, defaulting to Internal when err does
// not carry a recognized kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	for _, k := range []Kind{
		Unauthenticated, Forbidden, RateLimited, NotFound, Conflict,
		NoNodeAvailable, JobTimeout, NodeDisconnected, Cancelled, Internal,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return Internal
}

// ToHTTPStatus maps a Kind to the HTTP status code an HTTP handler should
// respond with.
func ToHTTPStatus(k Kind) int {
	switch k {
	case Unauthenticated:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case RateLimited:
		return http.StatusTooManyRequests
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case NoNodeAvailable:
		return http.StatusServiceUnavailable
	case JobTimeout:
		return http.StatusGatewayTimeout
	case NodeDisconnected:
		return http.StatusServiceUnavailable
	case Cancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
