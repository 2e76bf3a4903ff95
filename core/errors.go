package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode categorizes generation service errors. The set is closed: every
// fault surfaced to a client carries exactly one of these codes.
type ErrorCode string

const (
	ErrInvalidRequest      ErrorCode = "invalid_request"
	ErrRateLimited         ErrorCode = "rate_limited"
	ErrProviderUnavailable ErrorCode = "provider_unavailable"
	ErrProviderTimeout     ErrorCode = "provider_timeout"
	ErrProviderError       ErrorCode = "provider_error"
	ErrEncoding            ErrorCode = "encoding_error"
	ErrCancelled           ErrorCode = "cancelled"
)

// Error provides rich context for service consumers.
type Error struct {
	Code       ErrorCode
	Message    string
	Status     int
	RetryAfter time.Duration
	wrapped    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.wrapped)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.wrapped }

// WrapError creates a new Error with the provided code, preserving an existing
// Error unchanged.
func WrapError(err error, code ErrorCode) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return &Error{Code: code, Message: err.Error(), wrapped: err}
}

// NewError builds an Error explicitly.
func NewError(code ErrorCode, message string, opts ...ErrorOption) *Error {
	e := &Error{Code: code, Message: message}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ErrorOption mutates an Error during construction.
type ErrorOption func(*Error)

// WithStatus sets the HTTP status code used by synchronous rejections.
func WithStatus(status int) ErrorOption {
	return func(e *Error) { e.Status = status }
}

// WithRetryAfter sets the retry-after hint.
func WithRetryAfter(d time.Duration) ErrorOption {
	return func(e *Error) { e.RetryAfter = d }
}

// WithWrapped attaches an underlying error.
func WithWrapped(err error) ErrorOption {
	return func(e *Error) { e.wrapped = err }
}

func classify(code ErrorCode) func(error) bool {
	return func(err error) bool {
		var se *Error
		if err == nil {
			return false
		}
		if errors.As(err, &se) {
			return se.Code == code
		}
		return false
	}
}

// Helper predicates for common error handling patterns.
var (
	IsInvalidRequest      = classify(ErrInvalidRequest)
	IsRateLimited         = classify(ErrRateLimited)
	IsProviderUnavailable = classify(ErrProviderUnavailable)
	IsProviderTimeout     = classify(ErrProviderTimeout)
	IsProviderError       = classify(ErrProviderError)
	IsEncoding            = classify(ErrEncoding)
	IsCancelled           = classify(ErrCancelled)
)

// CodeOf extracts the error code, defaulting to provider_error for faults
// raised outside the taxonomy.
func CodeOf(err error) ErrorCode {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrProviderError
}

// GetRetryAfter extracts the retry-after hint.
func GetRetryAfter(err error) time.Duration {
	var se *Error
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}
