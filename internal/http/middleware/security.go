// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file sets hardening headers for the JSON API. HSTS is opt-in and only
// sent over HTTPS (directly or behind a proxy setting X-Forwarded-Proto).
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// HeaderReplayed marks a response served from a stored idempotent exchange.
const HeaderReplayed = "Idempotency-Replayed"

// exposed lists response headers browser clients may read.
var exposed = []string{requestIDHeader, HeaderReplayed, "ETag", "Retry-After"}

// SecurityOptions configures SecurityHeaders.
type SecurityOptions struct {
	EnableHSTS bool
	// HSTSMaxAge defaults to 180 days.
	HSTSMaxAge time.Duration
	// NoStore adds Cache-Control: no-store. Conditional GETs still work
	// through ETag revalidation.
	NoStore      bool
	EnablePolicy bool
}

// SecurityHeaders returns the hardening middleware.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	maxAge := int(opt.HSTSMaxAge.Seconds())
	if maxAge <= 0 {
		maxAge = int((180 * 24 * time.Hour).Seconds())
	}
	hsts := "max-age=" + strconv.Itoa(maxAge) + "; includeSubDomains; preload"

	return func(c *gin.Context) {
		h := c.Writer.Header()

		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")

		if opt.EnablePolicy {
			h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=()")
			h.Set("X-Permitted-Cross-Domain-Policies", "none")
		}
		if opt.NoStore {
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
			h.Set("Expires", "0")
		}
		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hsts)
		}
		exposeHeaders(h)

		c.Next()
	}
}

// exposeHeaders appends the exposed list to Access-Control-Expose-Headers
// without duplicating entries already present.
func exposeHeaders(h http.Header) {
	const hdr = "Access-Control-Expose-Headers"
	cur := h.Get(hdr)
	have := map[string]bool{}
	for _, p := range strings.Split(cur, ",") {
		if p = strings.TrimSpace(p); p != "" {
			have[strings.ToLower(p)] = true
		}
	}
	parts := []string{}
	if cur != "" {
		parts = append(parts, cur)
	}
	for _, e := range exposed {
		if !have[strings.ToLower(e)] {
			parts = append(parts, e)
		}
	}
	h.Set(hdr, strings.Join(parts, ", "))
}

func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
