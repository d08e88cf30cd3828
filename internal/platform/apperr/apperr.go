// Package apperr is the shared error taxonomy. Consumers and HTTP handlers
// branch on Kind, never on error strings.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for retry and surfacing decisions.
type Kind int

const (
	// KindValidation: malformed input; never retried.
	KindValidation Kind = iota + 1
	// KindAuth: missing/invalid token or insufficient authority; never retried.
	KindAuth
	// KindConflict: idempotency collision or status-illegal transition; no
	// effect, ack upstream.
	KindConflict
	// KindUpstream: downstream service or broker unavailable; retried with
	// backoff by the outbox.
	KindUpstream
	// KindTimeout: a watchdog fired; triggers the compensation chain.
	KindTimeout
	// KindFatal: corruption or schema break; quarantine and alert.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindConflict:
		return "conflict"
	case KindUpstream:
		return "upstream"
	case KindTimeout:
		return "timeout"
	case KindFatal:
		return "fatal"
	}
	return "unknown"
}

// Error is a classified error.
type Error struct {
	kind Kind
	err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.kind, e.err) }
func (e *Error) Unwrap() error { return e.err }
func (e *Error) Kind() Kind    { return e.kind }

// New creates a classified error from a message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{kind: kind, err: fmt.Errorf(format, args...)}
}

// Wrap classifies an existing error. Wrapping nil returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, err: err}
}

// KindOf returns the kind of err, or 0 when unclassified.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.kind
	}
	return 0
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error kind to the status code surfaced at the API
// boundary.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindConflict:
		return http.StatusConflict
	case KindUpstream:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
