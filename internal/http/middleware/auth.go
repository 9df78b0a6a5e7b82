// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file authenticates API requests. Tokens are issued by the identity
// service; this service only validates them and extracts the caller's public
// id. With no secret configured, a trusted X-User-ID header is accepted
// instead, which is meant for local development and tests.
package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// HeaderUserID carries the caller identity in header mode.
const HeaderUserID = "X-User-ID"

const ctxKeyUserID = "userID"

// Claims is the bearer token payload. PublicID wins over the standard
// subject when both are present.
type Claims struct {
	PublicID string   `json:"publicId,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// AuthOptions configures Auth.
type AuthOptions struct {
	// Secret is the HS256 key. Empty selects header mode.
	Secret string
	// Leeway tolerates clock skew on exp/nbf. Defaults to one minute.
	Leeway time.Duration
}

// Auth rejects unauthenticated requests with 401 and stores the caller's
// public id for UserID.
func Auth(opts AuthOptions) gin.HandlerFunc {
	leeway := opts.Leeway
	if leeway <= 0 {
		leeway = time.Minute
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(leeway),
	)
	key := []byte(opts.Secret)

	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		if opts.Secret == "" {
			uid := strings.TrimSpace(c.GetHeader(HeaderUserID))
			if uid == "" {
				abortUnauthorized(c, "missing "+HeaderUserID+" header")
				return
			}
			c.Set(ctxKeyUserID, uid)
			c.Next()
			return
		}

		raw, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			abortUnauthorized(c, "missing or invalid Authorization header")
			return
		}
		claims := &Claims{}
		if _, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return key, nil }); err != nil {
			abortUnauthorized(c, "invalid or expired token")
			return
		}
		uid := strings.TrimSpace(claims.PublicID)
		if uid == "" {
			uid = strings.TrimSpace(claims.Subject)
		}
		if uid == "" {
			abortUnauthorized(c, "token has no subject")
			return
		}
		c.Set(ctxKeyUserID, uid)
		c.Next()
	}
}

// UserID returns the authenticated caller, or "" outside Auth.
func UserID(c *gin.Context) string {
	return c.GetString(ctxKeyUserID)
}

func bearerToken(h string) (string, bool) {
	scheme, tok, found := strings.Cut(strings.TrimSpace(h), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, tok != ""
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"request_id": c.Writer.Header().Get(requestIDHeader),
		"code":       "unauthorized",
		"message":    msg,
	})
}
