// Package services holds the business logic for chats, messages, message
// ingestion and the user replica. This file defines the error taxonomy that
// every service returns and the HTTP layer maps to status codes.
//
// Callers branch with errors.Is on the kind sentinels; the *Error type adds a
// user-safe message and keeps the underlying cause for logs.
package services

import (
	"errors"
	"fmt"
)

// Error kinds.
var (
	// ErrValidation marks malformed caller input.
	ErrValidation = errors.New("validation error")
	// ErrNotFound marks a referenced chat or user that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized marks an ownership violation.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrDatabase marks a persistence failure.
	ErrDatabase = errors.New("database error")
	// ErrAIService marks a failed, timed out or empty inference call.
	ErrAIService = errors.New("ai service error")
)

// Error is a classified service error.
type Error struct {
	Kind error  // one of the kind sentinels above
	Msg  string // safe to show to clients
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return e.Msg + ": " + e.Err.Error()
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Kind.Error() + ": " + e.Err.Error()
	default:
		return e.Kind.Error()
	}
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Message returns the client-facing message of err, or fallback when err is
// not a classified service error.
func Message(err error, fallback string) string {
	var se *Error
	if errors.As(err, &se) && se.Msg != "" {
		return se.Msg
	}
	return fallback
}

func validationError(msg string) error {
	return &Error{Kind: ErrValidation, Msg: msg}
}

func notFound(what string) error {
	return &Error{Kind: ErrNotFound, Msg: what + " not found"}
}

func unauthorized(msg string) error {
	return &Error{Kind: ErrUnauthorized, Msg: msg}
}

func databaseError(op string, err error) error {
	return &Error{Kind: ErrDatabase, Msg: "database operation failed", Err: fmt.Errorf("%s: %w", op, err)}
}

func aiServiceError(err error) error {
	return &Error{Kind: ErrAIService, Msg: "Failed to get AI response", Err: err}
}

// classify passes service errors through and wraps anything else as a
// database failure.
func classify(op string, err error) error {
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return databaseError(op, err)
}
