// Package errcode defines the closed set of error codes exposed by the
// authentication core and the error type that carries them across package
// boundaries.
package errcode

import (
	"errors"
	"fmt"
	"time"
)

type Code string

const (
	InvalidPhone    Code = "INVALID_PHONE"
	ResendCooldown  Code = "RESEND_COOLDOWN"
	RateLimited     Code = "RATE_LIMITED"
	NoCode          Code = "NO_CODE"
	Expired         Code = "EXPIRED"
	AlreadyUsed     Code = "ALREADY_USED"
	TooManyAttempts Code = "TOO_MANY_ATTEMPTS"
	InvalidCode     Code = "INVALID_CODE"
	ReuseDetected   Code = "REUSE_DETECTED"
	SystemError     Code = "SYSTEM_ERROR"
)

// Retriable reports whether the same request may succeed if repeated later.
func (c Code) Retriable() bool {
	switch c {
	case ResendCooldown, RateLimited, SystemError:
		return true
	default:
		return false
	}
}

// SecurityRelevant reports whether the code marks an anomaly that must be
// logged separately for alerting.
func (c Code) SecurityRelevant() bool {
	return c == ReuseDetected || c == TooManyAttempts
}

// Error is the only error type returned by the public service operations.
type Error struct {
	Code       Code
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.RetryAfter > 0:
		return fmt.Sprintf("%s: retry after %s: %v", e.Code, e.RetryAfter, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	case e.RetryAfter > 0:
		return fmt.Sprintf("%s: retry after %s", e.Code, e.RetryAfter)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code, so the package sentinels
// below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrInvalidPhone    = &Error{Code: InvalidPhone}
	ErrResendCooldown  = &Error{Code: ResendCooldown}
	ErrRateLimited     = &Error{Code: RateLimited}
	ErrNoCode          = &Error{Code: NoCode}
	ErrExpired         = &Error{Code: Expired}
	ErrAlreadyUsed     = &Error{Code: AlreadyUsed}
	ErrTooManyAttempts = &Error{Code: TooManyAttempts}
	ErrInvalidCode     = &Error{Code: InvalidCode}
	ErrReuseDetected   = &Error{Code: ReuseDetected}
	ErrSystem          = &Error{Code: SystemError}
)

func New(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

func Throttled(code Code, retryAfter time.Duration) *Error {
	if retryAfter < 0 {
		retryAfter = 0
	}
	return &Error{Code: code, RetryAfter: retryAfter}
}

// System wraps an infrastructure failure.
func System(err error) *Error {
	return &Error{Code: SystemError, Err: err}
}

// CodeOf returns the code carried by err, SYSTEM_ERROR for uncoded errors and
// an empty code for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return SystemError
}

// RetryAfterOf returns the retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
