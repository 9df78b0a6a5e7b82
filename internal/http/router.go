// Package httpapi wires the HTTP transport (Gin) to the handlers and the
// cross-cutting middleware: tracing, correlation ids, redacted logging, panic
// recovery, metrics, CORS, security headers, authentication, idempotency and
// rate limiting.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/protu-ai/chat-service/internal/config"
	"github.com/protu-ai/chat-service/internal/http/handlers"
	"github.com/protu-ai/chat-service/internal/http/middleware"
	"github.com/protu-ai/chat-service/internal/repo"
)

// multipartOverhead is allowed on top of MaxUploadBytes for form fields and
// part headers.
const multipartOverhead = 1 << 20

// RegisterRoutes attaches middleware and endpoints to r.
//
// Global order:
//  1. OpenTelemetry
//  2. RequestID
//  3. Logger (redacting)
//  4. Recovery
//  5. Body size limit
//  6. Metrics
//  7. CORS and security headers
//
// The API group adds Auth, then IdempotencyValidator (before the limiter so
// replays bypass it), then the rate limiter.
func RegisterRoutes(r *gin.Engine, deps handlers.Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true
	r.MaxMultipartMemory = cfg.Uploads.MaxBytes + multipartOverhead

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(middleware.LogOptions{MaskHeaders: []string{"X-API-Key"}}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(cfg.Uploads.MaxBytes + multipartOverhead))
	r.Use(middleware.Metrics())
	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins))
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		EnablePolicy: true,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	if deps.IdempotencyTTL <= 0 {
		deps.IdempotencyTTL = cfg.IdempotencyTTL
	}
	h := handlers.New(deps)

	var lookup middleware.IdempotencyLookup
	if deps.DB != nil {
		db := deps.DB
		lookup = func(ctx context.Context, userID, scope, key string, now time.Time) (bool, error) {
			return repo.IdempotencyExists(ctx, db, userID, scope, key, now)
		}
	}
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())

	api := groupWithPrefix(r, cfg.APIBasePath)
	api.Use(
		middleware.Auth(middleware.AuthOptions{Secret: cfg.JWTSecret}),
		middleware.IdempotencyValidator(middleware.IdempotencyOptions{MaxLen: 200}, lookup),
		rl.Handler(),
	)
	zip := gzip.Gzip(gzip.DefaultCompression)
	{
		api.POST("/chats", h.CreateChat)
		api.GET("/chats", zip, h.ListChats)
		api.GET("/chats/:chatId", zip, h.GetChat)
		api.PATCH("/chats/:chatId", h.RenameChat)
		api.DELETE("/chats/:chatId", h.DeleteChat)

		api.POST("/messages", h.PostMessageAutoChat)
		api.POST("/messages/:chatId", h.PostMessage)
		api.GET("/messages/:chatId", zip, h.ListMessages)
	}
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Accept", "Authorization",
			middleware.HeaderUserID, middleware.HeaderIdempotencyKey, "If-None-Match",
		},
		ExposeHeaders: []string{"X-Request-ID", middleware.HeaderReplayed, "ETag", "Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

// limitBody caps request bodies with http.MaxBytesReader; reads past the cap
// fail with *http.MaxBytesError, which the handlers map to 413.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
