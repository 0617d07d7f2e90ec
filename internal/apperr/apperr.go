// Package apperr defines the error kinds returned by the dispatch core and
// their mapping onto transport status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers deciding whether to re-fetch, retry
// or report.
type Kind string

const (
	NotFound     Kind = "NOT_FOUND"
	Conflict     Kind = "CONFLICT"
	Validation   Kind = "VALIDATION"
	Forbidden    Kind = "FORBIDDEN"
	Unauthorized Kind = "UNAUTHORIZED"
	Internal     Kind = "INTERNAL"
)

// Error is the error contract shared by every layer.
type Error struct {
	Kind    Kind
	Op      string // operation name, e.g. "assign.Accept"
	Message string // safe to show to callers
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch {
	case e.Op != "" && e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Op != "" && e.Message != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error.
func E(kind Kind, op, msg string, err error) error {
	return &Error{Kind: kind, Op: op, Message: msg, Err: err}
}

// Transition reports an illegal state transition as a Validation error
// naming the offending pair.
func Transition(op, from, to string) error {
	return &Error{
		Kind:    Validation,
		Op:      op,
		Message: fmt.Sprintf("illegal transition %s -> %s", from, to),
	}
}

// Wrap returns err unchanged when it already carries a Kind, and wraps it
// as Internal otherwise.
func Wrap(op, msg string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return E(Internal, op, msg, err)
}

// KindOf returns the Kind of err, or Internal for foreign errors.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

// Message returns the caller-safe message of err.
func Message(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Message != "" {
		return ae.Message
	}
	return http.StatusText(HTTPStatus(err))
}

// HTTPStatus maps err onto an HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Validation:
		return http.StatusBadRequest
	case Forbidden:
		return http.StatusForbidden
	case Unauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
