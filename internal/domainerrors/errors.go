// Package domainerrors carries the refusal categories the review workflow reports to callers.
//
// Guards return a *Error with one of the codes below. None of them is fatal:
// a refused command appends nothing and the caller may correct and retry.
package domainerrors

import (
	"errors"
	"fmt"
)

type Code string

const (
	// CodeIllegalTransition: the command is not valid from the current workflow state.
	CodeIllegalTransition Code = "illegal_transition"
	// CodeUnauthorized: the actor's role or relationship does not permit the operation.
	CodeUnauthorized Code = "unauthorized"
	// CodeInvalidArgument: the payload is malformed or references unknown items.
	CodeInvalidArgument Code = "invalid_argument"
	// CodeConflict: the log moved past the loaded version. Reload and retry.
	CodeConflict Code = "version_conflict"
	CodeNotFound Code = "not_found"
	CodeInternal Code = "internal"
)

type Error struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the caller should reload and resubmit.
func (e *Error) Retryable() bool { return e.Code == CodeConflict }

func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(err error, code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, cause: err}
}

// With attaches a detail entry and returns the same error.
func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

func HasCode(err error, code Code) bool {
	var de *Error
	return errors.As(err, &de) && de.Code == code
}

// Convenience constructors for the three guard categories.

func IllegalTransition(format string, args ...any) *Error {
	return Newf(CodeIllegalTransition, format, args...)
}

func Unauthorized(format string, args ...any) *Error {
	return Newf(CodeUnauthorized, format, args...)
}

func InvalidArgument(format string, args ...any) *Error {
	return Newf(CodeInvalidArgument, format, args...)
}
