package ai

import "fmt"

// ErrorType classifies AI call failures.
type ErrorType string

const (
	ErrTypeNetwork  ErrorType = "NETWORK"  // transport failure or timeout
	ErrTypeStatus   ErrorType = "STATUS"   // non-2xx response
	ErrTypePayload  ErrorType = "PAYLOAD"  // undecodable body
	ErrTypeEmpty    ErrorType = "EMPTY"    // 2xx with no answer
	ErrTypeInternal ErrorType = "INTERNAL" // request could not be built
)

// Error describes a failed call to the AI service.
type Error struct {
	Type   ErrorType
	Op     string // "respond" or "chat_title"
	Status int    // HTTP status when Type is ErrTypeStatus
	Cause  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("ai %s: %s", e.Op, e.Type)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }
