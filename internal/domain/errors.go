package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind classifies a dispatch failure. The kind decides retry policy
// inside the leader body and the shape of the SSE error event.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindAuth              ErrorKind = "auth"
	KindRateLimited       ErrorKind = "rate_limited"
	KindUpstreamTransient ErrorKind = "upstream_transient"
	KindUpstreamFatal     ErrorKind = "upstream_fatal"
	KindCancelled         ErrorKind = "cancelled"
	KindTimeout           ErrorKind = "timeout"
)

// HTTPError defines errors that can be mapped to HTTP status codes.
// Implementing this interface enables extensible error handling.
type HTTPError interface {
	error
	StatusCode() int
}

// DispatchError is the canonical error type on the dispatch path.
// Everything the leader body can fail with is folded into one of these
// before it reaches a follower or the wire.
type DispatchError struct {
	Kind       ErrorKind
	Message    string
	Retryable  bool
	RetryAfter time.Duration // non-zero only for rate_limited
	HTTPStatus int           // upstream status when known, 0 otherwise
	cause      error
}

func (e *DispatchError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *DispatchError) Unwrap() error { return e.cause }

// StatusCode implements the HTTPError interface for the non-streaming path.
func (e *DispatchError) StatusCode() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// NewDispatchError builds a DispatchError wrapping cause. Retryability
// follows the kind; rate-limited and transient upstream failures are the
// only retried kinds.
func NewDispatchError(kind ErrorKind, msg string, cause error) *DispatchError {
	return &DispatchError{
		Kind:      kind,
		Message:   msg,
		Retryable: kind == KindRateLimited || kind == KindUpstreamTransient,
		cause:     cause,
	}
}

// Validationf returns a validation-kind error.
func Validationf(format string, args ...any) *DispatchError {
	return &DispatchError{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Timeoutf returns a timeout-kind error.
func Timeoutf(format string, args ...any) *DispatchError {
	return &DispatchError{Kind: KindTimeout, Message: fmt.Sprintf(format, args...)}
}

// AsDispatchError extracts a *DispatchError from err, folding unknown
// errors into upstream_transient so followers always observe a classified
// failure.
func AsDispatchError(err error) *DispatchError {
	var de *DispatchError
	if errors.As(err, &de) {
		return de
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &DispatchError{Kind: KindTimeout, Message: err.Error(), cause: err}
	}
	if errors.Is(err, context.Canceled) {
		return &DispatchError{Kind: KindCancelled, Message: err.Error(), cause: err}
	}
	return &DispatchError{
		Kind:      KindUpstreamTransient,
		Message:   err.Error(),
		Retryable: true,
		cause:     err,
	}
}

// ClassifyUpstreamStatus maps an upstream HTTP status to an error kind.
func ClassifyUpstreamStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500:
		return KindUpstreamTransient
	case status >= 400:
		return KindUpstreamFatal
	default:
		return KindUpstreamTransient
	}
}
