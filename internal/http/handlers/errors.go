// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// Codes are lowercase snake_case and stable; clients branch on them rather
// than on message text. Every error body is an ErrorResponse:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "not_found",
//	  "message": "Chat not found"
//	}
package handlers

import (
	"errors"
	"net/http"

	"github.com/protu-ai/chat-service/internal/services"
	"github.com/protu-ai/chat-service/internal/storage"
)

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeForbidden        = "forbidden"
	ErrCodeNotFound         = "not_found"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeTooLarge         = "payload_too_large"
	ErrCodeRateLimited      = "rate_limited"
	ErrCodeInternal         = "internal_error"

	// ErrCodeAIUnavailable means the user message was stored but the AI
	// responder failed; the body carries the stored message.
	ErrCodeAIUnavailable = "ai_unavailable"
)

// statusFor maps a service error to its HTTP status and code.
func statusFor(err error) (int, string) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, services.ErrValidation):
		return http.StatusBadRequest, ErrCodeBadRequest
	case errors.Is(err, services.ErrUnauthorized):
		return http.StatusForbidden, ErrCodeForbidden
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, services.ErrAIService):
		return http.StatusInternalServerError, ErrCodeAIUnavailable
	case errors.Is(err, storage.ErrTooLarge), errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge, ErrCodeTooLarge
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}
