// Package domain defines the error taxonomy shared across the engine.
package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an error for transport mapping and recovery decisions.
type Kind string

const (
	KindInvalidArgument Kind = "invalid_argument"
	KindUnauthorized    Kind = "unauthorized"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindUnavailable     Kind = "unavailable"
	KindInternal        Kind = "internal"
)

// Error is a classified error with an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func InvalidArgument(message string, err error) *Error {
	return New(KindInvalidArgument, message, err)
}

func Unauthorized(message string, err error) *Error {
	return New(KindUnauthorized, message, err)
}

func NotFound(message string, err error) *Error {
	return New(KindNotFound, message, err)
}

func Conflict(message string, err error) *Error {
	return New(KindConflict, message, err)
}

func Unavailable(message string, err error) *Error {
	return New(KindUnavailable, message, err)
}

func Internal(message string, err error) *Error {
	return New(KindInternal, message, err)
}

// KindOf reports the Kind of err, unwrapping as needed. Unclassified
// errors are Internal.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}
