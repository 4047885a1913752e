package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error for the transport boundary. Components return
// kinds; only httpapi turns them into status codes.
type Kind string

const (
	KindValidation  Kind = "validation_error"
	KindNotFound    Kind = "not_found"
	KindCapacity    Kind = "capacity_exceeded"
	KindUnavailable Kind = "not_ready"
	KindTimeout     Kind = "timeout"
	KindProtocol    Kind = "protocol_error"
	KindInternal    Kind = "internal_error"
)

type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// RetryAfter is advertised to clients on capacity and readiness errors.
	RetryAfter time.Duration
	// EndToEnd marks a request that ran out of its whole budget rather than
	// one upstream round trip.
	EndToEnd bool
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newf(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error { return newf(KindValidation, format, args...) }
func NotFound(format string, args ...any) *Error   { return newf(KindNotFound, format, args...) }
func Protocol(format string, args ...any) *Error   { return newf(KindProtocol, format, args...) }
func Internal(format string, args ...any) *Error   { return newf(KindInternal, format, args...) }
func Timeout(format string, args ...any) *Error    { return newf(KindTimeout, format, args...) }

func Capacity(retryAfter time.Duration, format string, args ...any) *Error {
	e := newf(KindCapacity, format, args...)
	e.RetryAfter = retryAfter
	return e
}

func Unavailable(retryAfter time.Duration, format string, args ...any) *Error {
	e := newf(KindUnavailable, format, args...)
	e.RetryAfter = retryAfter
	return e
}

// Deadline is the end-to-end request budget running out.
func Deadline(format string, args ...any) *Error {
	e := newf(KindTimeout, format, args...)
	e.EndToEnd = true
	return e
}

func Wrap(k Kind, cause error, format string, args ...any) *Error {
	e := newf(k, format, args...)
	e.Cause = cause
	return e
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// KindOf reports the kind of err. Untyped errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if ae, ok := As(err); ok {
		return ae.Kind
	}
	return KindInternal
}

func Is(err error, k Kind) bool { return err != nil && KindOf(err) == k }

func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	ae, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch ae.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindCapacity:
		return http.StatusTooManyRequests
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		if ae.EndToEnd {
			return http.StatusRequestTimeout
		}
		return http.StatusGatewayTimeout
	case KindProtocol:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
