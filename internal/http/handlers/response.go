// Package handlers provides HTTP handler implementations for the public API.
//
// This file holds the response helpers every endpoint uses: the error
// envelope, error classification, pagination metadata and weak ETags.
package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/protu-ai/chat-service/internal/http/middleware"
	"github.com/protu-ai/chat-service/internal/services"
	"github.com/protu-ai/chat-service/internal/utils"
)

// ErrorResponse is the standard error envelope returned by all endpoints.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code" example:"not_found"`
	// Human-readable message (safe to show to users)
	Message string `json:"message" example:"Chat not found"`
}

// Pagination carries page metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"       example:"1"`
	Limit      int   `json:"limit"      example:"20"`
	Total      int64 `json:"total"      example:"42"`
	TotalPages int   `json:"totalPages" example:"3"`
	HasNext    bool  `json:"hasNext"    example:"true"`
}

func newPagination(page, limit int, total int64) Pagination {
	pages := utils.TotalPages(total, limit)
	return Pagination{
		Page:       page,
		Limit:      limit,
		Total:      total,
		TotalPages: pages,
		HasNext:    page < pages,
	}
}

// pageParams reads ?page=&limit= with defaults and caps.
func pageParams(c *gin.Context) (page, limit int) {
	return utils.ParsePage(c.Query("page"), c.Query("limit"))
}

// fail aborts with an ErrorResponse. 5xx responses are logged with the
// request-scoped logger.
func fail(c *gin.Context, status int, code, msg string) {
	if status >= http.StatusInternalServerError {
		middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Strs("errors", c.Errors.Errors()).
			Msg("api error")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		RequestID: requestID(c),
		Code:      code,
		Message:   msg,
	})
}

// Fail is the exported variant of fail for the router's fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// failErr classifies err and aborts. The cause is attached to the gin context
// so the access log records it.
func failErr(c *gin.Context, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	fail(c, status, code, services.Message(err, http.StatusText(status)))
}

func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

func requestID(c *gin.Context) string {
	return c.Writer.Header().Get("X-Request-ID")
}

// notModified sets a weak ETag built from parts and reports whether the
// client's If-None-Match already matches it, in which case 304 is written.
func notModified(c *gin.Context, kind string, parts ...any) bool {
	vals := make([]string, 0, len(parts)+1)
	vals = append(vals, kind)
	for _, p := range parts {
		vals = append(vals, fmt.Sprint(p))
	}
	etag := `W/"` + strings.Join(vals, ":") + `"`
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return true
	}
	return false
}

// unixOrZero renders an optional timestamp for ETags.
func unixOrZero(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixNano()
}
