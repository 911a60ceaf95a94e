// Package errors defines the application error model shared by services and
// the HTTP layer: an HTTP-ish code, a stable machine-readable reason, and
// optional metadata carried to the caller.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ApplicationError is the canonical error shape. Reason is stable across
// releases and safe to branch on; Message is human-readable.
type ApplicationError struct {
	Code     int               `json:"code"`
	Reason   string            `json:"reason"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
	cause    error
}

func (e *ApplicationError) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *ApplicationError) Unwrap() error { return e.cause }

// Is matches on (Code, Reason) so sentinel errors compare by identity of
// meaning rather than pointer.
func (e *ApplicationError) Is(target error) bool {
	t := new(ApplicationError)
	if !errors.As(target, &t) || t == nil {
		return false
	}
	return e != nil && e.Code == t.Code && e.Reason == t.Reason
}

// WithCause returns a copy carrying the underlying error.
func (e *ApplicationError) WithCause(cause error) *ApplicationError {
	out := e.clone()
	out.cause = cause
	return out
}

// WithMetadata returns a copy with the given metadata merged in.
func (e *ApplicationError) WithMetadata(md map[string]string) *ApplicationError {
	out := e.clone()
	if out.Metadata == nil {
		out.Metadata = make(map[string]string, len(md))
	}
	for k, v := range md {
		out.Metadata[k] = v
	}
	return out
}

// WithMessagef returns a copy with a formatted message.
func (e *ApplicationError) WithMessagef(format string, args ...any) *ApplicationError {
	out := e.clone()
	out.Message = fmt.Sprintf(format, args...)
	return out
}

func (e *ApplicationError) clone() *ApplicationError {
	out := &ApplicationError{
		Code:    e.Code,
		Reason:  e.Reason,
		Message: e.Message,
		cause:   e.cause,
	}
	if len(e.Metadata) > 0 {
		out.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// New builds an ApplicationError with an explicit code.
func New(code int, reason, message string) *ApplicationError {
	return &ApplicationError{Code: code, Reason: reason, Message: message}
}

func BadRequest(reason, message string) *ApplicationError {
	return New(http.StatusBadRequest, reason, message)
}

func Unauthorized(reason, message string) *ApplicationError {
	return New(http.StatusUnauthorized, reason, message)
}

func Forbidden(reason, message string) *ApplicationError {
	return New(http.StatusForbidden, reason, message)
}

func NotFound(reason, message string) *ApplicationError {
	return New(http.StatusNotFound, reason, message)
}

func Conflict(reason, message string) *ApplicationError {
	return New(http.StatusConflict, reason, message)
}

func TooManyRequests(reason, message string) *ApplicationError {
	return New(http.StatusTooManyRequests, reason, message)
}

func InternalServer(reason, message string) *ApplicationError {
	return New(http.StatusInternalServerError, reason, message)
}

func ServiceUnavailable(reason, message string) *ApplicationError {
	return New(http.StatusServiceUnavailable, reason, message)
}

func GatewayTimeout(reason, message string) *ApplicationError {
	return New(http.StatusGatewayTimeout, reason, message)
}

// FromError coerces any error into an ApplicationError. Unknown errors map to
// an opaque 500 so internal detail never leaks to callers.
func FromError(err error) *ApplicationError {
	if err == nil {
		return nil
	}
	appErr := new(ApplicationError)
	if errors.As(err, &appErr) && appErr != nil {
		return appErr
	}
	return &ApplicationError{
		Code:    http.StatusInternalServerError,
		Reason:  "INTERNAL_ERROR",
		Message: "internal error",
		cause:   err,
	}
}

// Code returns the HTTP-ish code for any error (500 for unclassified).
func Code(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return FromError(err).Code
}

// Reason returns the stable reason string for any error ("" for nil).
func Reason(err error) string {
	if err == nil {
		return ""
	}
	return FromError(err).Reason
}
