// Package apperrors provides the structured error kinds shared by the
// analytics pipeline and the HTTP layer.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for handling, metrics and response mapping.
type Kind string

const (
	// KindDataGap marks a frame with no usable faces. Recovered locally.
	KindDataGap Kind = "data_gap"
	// KindCalibrationFailure marks a calibration window that ended without samples.
	KindCalibrationFailure Kind = "calibration_failure"
	// KindUpstreamTimeout marks a classifier call that exceeded its budget.
	KindUpstreamTimeout Kind = "upstream_timeout"
	// KindConfiguration marks invalid configuration. Fatal at session start.
	KindConfiguration Kind = "configuration"
	// KindInvariant marks an ordering or contract violation. Fatal for the session.
	KindInvariant Kind = "invariant_violation"
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	// KindUnavailable marks a full queue or a stopped session.
	KindUnavailable Kind = "unavailable"
	KindUpstream    Kind = "upstream"
)

type Error struct {
	Kind    Kind
	Message string
	Cause   error
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the status code a handler should answer with.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation, KindConfiguration:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindInvariant:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindUpstream, KindUpstreamTimeout:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WithContext adds a context field (chainable).
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func Configuration(format string, args ...any) *Error {
	return New(KindConfiguration, fmt.Sprintf(format, args...))
}

func Invariant(format string, args ...any) *Error {
	return New(KindInvariant, fmt.Sprintf(format, args...))
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, fmt.Sprintf(format, args...))
}

func Unavailable(format string, args ...any) *Error {
	return New(KindUnavailable, fmt.Sprintf(format, args...))
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps any error to a status code; unstructured errors are 500.
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}
