// Package apperr classifies failures so handlers can pick a status code and
// clients can tell a rate limit from a generic upstream error.
package apperr

import (
	"errors"
	"net/http"
)

type Kind string

const (
	KindValidation     Kind = "validation_error"
	KindUnauthorized   Kind = "unauthorized"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindRateLimited    Kind = "rate_limited"
	KindQuotaExhausted Kind = "quota_exhausted"
	KindUpstream       Kind = "upstream_error"
	KindParse          Kind = "parse_error"
	KindPersistence    Kind = "persistence_error"
)

// Error is a classified error with a message safe to show to the caller.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Wrap(err error, kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the kind of the first *Error in the chain, or "" for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Message returns the caller-facing message, falling back to a generic one.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "internal server error"
}

// FromStatus classifies an upstream HTTP status code.
func FromStatus(status int, msg string, err error) *Error {
	switch status {
	case http.StatusTooManyRequests:
		return Wrap(err, KindRateLimited, "rate limit exceeded, please try again later")
	case http.StatusPaymentRequired:
		return Wrap(err, KindQuotaExhausted, "AI credits exhausted, please add credits to continue")
	default:
		return Wrap(err, KindUpstream, msg)
	}
}

// HTTPStatus maps a kind to the response code the trigger endpoints use.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindQuotaExhausted:
		return http.StatusPaymentRequired
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
