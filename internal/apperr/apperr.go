// Package apperr defines the error taxonomy shared by every publish stage.
//
// Each error carries one of five base kinds. Callers test the kind with
// errors.Is against the exported sentinels and extract platform details
// with errors.As on *Error.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Base error kinds.
var (
	// ErrTransientNetwork is retried only inside bounded polls.
	ErrTransientNetwork = errors.New("transient network error")
	// ErrPlatformRejected is terminal for the current job.
	ErrPlatformRejected = errors.New("platform rejected request")
	// ErrConditioning is terminal for the asset on that target.
	ErrConditioning = errors.New("conditioning failed")
	// ErrConfiguration aborts the run, not just the asset.
	ErrConfiguration = errors.New("configuration error")
	// ErrUnexpected is reported at the run boundary and re-raised.
	ErrUnexpected = errors.New("unexpected error")
)

// Error is a classified failure. Code and HTTPStatus are populated for
// platform rejections.
type Error struct {
	Base       error
	Platform   string
	HTTPStatus int
	Code       int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Base.Error())
	if e.Platform != "" {
		b.WriteString(" [")
		b.WriteString(e.Platform)
		b.WriteString("]")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Code != 0 || e.HTTPStatus != 0 {
		fmt.Fprintf(&b, " (code %d, http %d)", e.Code, e.HTTPStatus)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the base kind and the cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Base}
	}
	return []error{e.Base, e.Err}
}

// Transient wraps err as a transient network failure.
func Transient(platform string, err error) *Error {
	return &Error{Base: ErrTransientNetwork, Platform: platform, Err: err}
}

// Rejected builds a platform rejection from an HTTP response.
func Rejected(platform string, httpStatus, code int, message string) *Error {
	return &Error{Base: ErrPlatformRejected, Platform: platform, HTTPStatus: httpStatus, Code: code, Message: message}
}

// Conditioning wraps a failure of the conditioning stage.
func Conditioning(message string, err error) *Error {
	return &Error{Base: ErrConditioning, Message: message, Err: err}
}

// Configuration reports missing or inconsistent configuration.
func Configuration(format string, args ...any) *Error {
	return &Error{Base: ErrConfiguration, Message: fmt.Sprintf(format, args...)}
}

// Unexpected wraps a failure that fits no other kind.
func Unexpected(message string, err error) *Error {
	return &Error{Base: ErrUnexpected, Message: message, Err: err}
}

// Kind returns a short label for the error's base kind.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPlatformRejected):
		return "platform_rejected"
	case errors.Is(err, ErrTransientNetwork):
		return "transient_network"
	case errors.Is(err, ErrConditioning):
		return "conditioning_failure"
	case errors.Is(err, ErrConfiguration):
		return "configuration_error"
	default:
		return "unexpected"
	}
}

// PlatformCode returns the platform error code and message carried by err.
func PlatformCode(err error) (code int, message string, ok bool) {
	var e *Error
	if errors.As(err, &e) && (e.Code != 0 || e.HTTPStatus != 0) {
		return e.Code, e.Message, true
	}
	return 0, "", false
}

// IsClientError reports whether err is a platform rejection with a 4xx status.
func IsClientError(err error) bool {
	var e *Error
	return errors.As(err, &e) && errors.Is(e.Base, ErrPlatformRejected) &&
		e.HTTPStatus >= 400 && e.HTTPStatus < 500
}
